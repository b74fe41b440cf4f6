package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/governor/internal/api/ws"
	"github.com/GriffinCanCode/governor/internal/client"
	"github.com/GriffinCanCode/governor/internal/domain/events"
)

var tailRun string

func init() {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live event feed",
		Long: `Follow the live event feed: the recent backlog first, then events as
they happen. Ends when the server closes the feed (shutdown or orchestrator
unavailable) or on Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: runTail,
	}
	tailCmd.Flags().StringVar(&tailRun, "run", "", "Only show events of this run id")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	var lastDropped uint64
	show := func(e events.Event) error {
		if tailRun != "" && string(e.RunID) != tailRun {
			return nil
		}
		if jsonOutput {
			return printJSON(out, e)
		}
		printEvent(out, e)
		return nil
	}

	reason, err := c.Tail(ctx, func(msg ws.Message) error {
		if msg.Dropped > lastDropped {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d events dropped by the server for this client\n", msg.Dropped-lastDropped)
			lastDropped = msg.Dropped
		}
		switch msg.Type {
		case ws.TypeSnapshot:
			for _, e := range msg.Events {
				if err := show(e); err != nil {
					return err
				}
			}
		case ws.TypeEvent:
			if msg.Event != nil {
				return show(*msg.Event)
			}
		}
		return nil
	})
	if err != nil {
		if client.IsUnreachable(err) || client.IsUnavailable(err) {
			return transportOrUnavailable(cmd, err)
		}
		return err
	}
	if reason != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "feed closed by server: %s\n", reason)
		if reason == events.CloseOrchestratorUnavailable {
			return &exitError{code: exitDegraded, msg: "orchestrator unavailable"}
		}
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func transportOrUnavailable(cmd *cobra.Command, err error) error {
	if client.IsUnreachable(err) {
		return transportError(cmd, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "degraded: true (%s)\n", err)
	return &exitError{code: exitDegraded, msg: "governor unavailable"}
}
