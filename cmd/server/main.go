package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/infrastructure/config"
	"github.com/GriffinCanCode/governor/internal/infrastructure/logging"
	"github.com/GriffinCanCode/governor/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override environment variables.
	port := flag.String("port", cfg.Server.Port, "HTTP port")
	dataDir := flag.String("data-dir", cfg.Storage.DataDir, "Directory holding state, lock and audit log")
	pipeline := flag.String("pipeline", cfg.Pipeline.DefinitionFile, "Pipeline definition file (.yaml or .toml)")
	dev := flag.Bool("dev", cfg.Logging.Development, "Development mode: console logs at debug level")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Storage.DataDir = *dataDir
	cfg.Pipeline.DefinitionFile = *pipeline
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(context.Background())
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}
