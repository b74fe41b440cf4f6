package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/governor/internal/api/http"
	"github.com/GriffinCanCode/governor/internal/api/middleware"
	"github.com/GriffinCanCode/governor/internal/api/ws"
	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/lock"
	"github.com/GriffinCanCode/governor/internal/domain/orchestrator"
	"github.com/GriffinCanCode/governor/internal/domain/stage"
	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/infrastructure/config"
	"github.com/GriffinCanCode/governor/internal/infrastructure/logging"
	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/governor/internal/shared/paths"
)

// Server wraps the HTTP server and the governor components behind it.
type Server struct {
	router   *gin.Engine
	http     *http.Server
	orch     *orchestrator.Orchestrator
	hub      *events.Hub
	audit    *events.AuditLog
	tracer   *tracing.Tracer
	metrics  *monitoring.Metrics
	logger   *logging.Logger
	fallback *logging.Logger
	config   *config.Config

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	shutdownOnce  sync.Once
}

// NewServer builds every component from cfg. A missing or invalid pipeline
// definition does not fail construction: the server starts degraded and
// reports the reason on /health. If logger is nil one is built from
// cfg.Logging.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	logger.Info("Initializing governor",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("pipeline", cfg.Pipeline.DefinitionFile),
		zap.String("liveness", cfg.Lock.Liveness),
		zap.Duration("stale_after", cfg.Lock.StaleAfter),
	)

	layout := paths.New(cfg.Storage.DataDir)
	if cfg.Storage.AuditLog != "" {
		layout = layout.WithAudit(cfg.Storage.AuditLog)
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics(nil)
	tracer := tracing.New("governor", logger.Component("tracing"))

	probe, err := lock.NewProbe(cfg.Lock.Liveness, cfg.Lock.HeartbeatGrace)
	if err != nil {
		return nil, err
	}

	stateMgr := state.NewManager(layout, state.Options{
		Fsync:   cfg.Storage.StateFsync,
		Logger:  logger.Component("state"),
		Metrics: metrics,
	})
	lockMgr := lock.NewManager(layout, lock.Options{
		StaleAfter: cfg.Lock.StaleAfter,
		Probe:      probe,
		Fsync:      cfg.Storage.StateFsync,
		Logger:     logger.Component("lock"),
		Metrics:    metrics,
	})

	fallback := logging.NewFallback(cfg.Storage.FallbackLog)
	hub := events.NewHub(events.HubOptions{
		Backlog: cfg.Events.Backlog,
		Buffer:  cfg.Events.SubscriberBuffer,
		Logger:  logger.Component("hub"),
		Metrics: metrics,
	})
	emitterOpts := events.Options{
		Hub:             hub,
		Fallback:        fallback.Logger,
		Logger:          logger.Component("events"),
		Metrics:         metrics,
		BreakerFailures: cfg.Events.BreakerFailures,
		BreakerCooldown: cfg.Events.BreakerCooldown,
	}
	audit, err := events.OpenAuditLog(layout.AuditPath(), cfg.Storage.AuditFsync)
	if err != nil {
		// Events still reach the live feed and the fallback channel.
		logger.Error("Audit log unavailable", zap.String("path", layout.AuditPath()), zap.Error(err))
	} else {
		emitterOpts.Sink = audit
	}
	emitter := events.NewEmitter(emitterOpts)
	reader := events.NewReader(layout.AuditPath())

	registry := loadStages(cfg, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		State:         stateMgr,
		Lock:          lockMgr,
		Events:        emitter,
		Stages:        registry,
		Reader:        reader,
		Backlog:       cfg.Events.Backlog,
		RenewInterval: cfg.Lock.RenewInterval,
		StageTimeout:  cfg.Pipeline.StageTimeout,
		Logger:        logger.Component("orchestrator"),
		Metrics:       metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig().WithOrigins(cfg.Server.CORSOrigins)))

	var control []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled on control routes",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		control = append(control, middleware.RateLimit(rl))
	}

	handlers := apihttp.NewHandlers(orch, reader, metrics, logger.Component("http"))
	handlers.Register(router, control...)

	wsHandler := ws.NewHandler(hub, orch, metrics, logger.Component("ws"))
	router.GET("/stream", wsHandler.HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Governor initialized")

	return &Server{
		router:   router,
		orch:     orch,
		hub:      hub,
		audit:    audit,
		tracer:   tracer,
		metrics:  metrics,
		logger:   logger,
		fallback: fallback,
		config:   cfg,
	}, nil
}

// loadStages builds the collaborator registry from the definition file. On
// failure it returns an empty registry so Boot reports the missing stages
// and the server runs degraded instead of exiting.
func loadStages(cfg *config.Config, logger *logging.Logger) *stage.Registry {
	def, err := stage.LoadDefinition(cfg.Pipeline.DefinitionFile)
	if err != nil {
		logger.Error("Pipeline definition unavailable", zap.Error(err))
		return stage.NewRegistry()
	}
	reg, err := def.Build(cfg.Pipeline.StageTimeout, logger.Component("stage"))
	if err != nil {
		logger.Error("Pipeline definition invalid", zap.String("source", def.Source()), zap.Error(err))
		return stage.NewRegistry()
	}
	logger.Info("Pipeline definition loaded", zap.String("name", def.Name), zap.String("source", def.Source()))
	return reg
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Orchestrator returns the run sequencer.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// Start boots the orchestrator and launches the health monitor. A failed
// boot is logged and retried by the monitor.
func (s *Server) Start(ctx context.Context) {
	if err := s.orch.Boot(ctx); err != nil {
		s.logger.Error("Orchestrator boot failed; serving degraded", zap.Error(err))
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		s.orch.Monitor(monitorCtx, s.config.Health.ProbeInterval)
	}()
}

// Run starts the governor and serves HTTP until Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting work, waits up to ctx's deadline for the
// in-flight stage, closes live subscribers and flushes logs.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down governor...")

		if e := s.orch.Shutdown(ctx); e != nil {
			s.logger.Warn("Run still in flight at shutdown; next boot will recover it", zap.Error(e))
		}
		s.hub.Shutdown(events.CloseServerShutdown)

		if s.http != nil {
			if e := s.http.Shutdown(ctx); e != nil {
				s.logger.Error("HTTP shutdown failed", zap.Error(e))
				err = fmt.Errorf("http shutdown: %w", e)
			}
		}

		if s.monitorCancel != nil {
			s.monitorCancel()
			<-s.monitorDone
		}

		if s.audit != nil {
			if e := s.audit.Close(); e != nil {
				s.logger.Error("Failed to close audit log", zap.Error(e))
				if err == nil {
					err = fmt.Errorf("close audit log: %w", e)
				}
			}
		}
		s.tracer.Close()

		_ = s.fallback.Sync()
		_ = s.logger.Sync()
	})
	return err
}
