package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/governor/internal/client"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the pipeline state and governor health",
		Long: `Show the pipeline state and governor health.

An unreachable server is reported as degraded: true, never as a healthy
status. The exit code is 2 whenever the governor is degraded.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	st, err := c.Status(cmd.Context())
	if err != nil && !client.IsUnreachable(err) {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, st); err != nil {
			return err
		}
	} else {
		state := string(st.State)
		if state == "" {
			state = "unknown"
		}
		fmt.Fprintf(out, "state:            %s\n", state)
		fmt.Fprintf(out, "degraded:         %t\n", st.Degraded)
		if st.DegradedReason != "" {
			fmt.Fprintf(out, "degraded_reason:  %s\n", st.DegradedReason)
		}
		if st.RunID != "" {
			fmt.Fprintf(out, "run_id:           %s\n", st.RunID)
		}
		if st.Stage != "" {
			fmt.Fprintf(out, "stage:            %s\n", st.Stage)
		}
		if st.LastRunID != "" {
			fmt.Fprintf(out, "last_run_id:      %s\n", st.LastRunID)
		}
		if !st.UpdatedAt.IsZero() {
			fmt.Fprintf(out, "updated_at:       %s\n", st.UpdatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "generation:       %d\n", st.Generation)
			fmt.Fprintf(out, "audit_healthy:    %t\n", st.AuditHealthy)
			fmt.Fprintf(out, "recovery_pending: %t\n", st.RecoveryPending)
		}
		if st.Stopping {
			fmt.Fprintf(out, "stopping:         true\n")
		}
		if st.AbandonedStages > 0 {
			fmt.Fprintf(out, "abandoned_stages: %d\n", st.AbandonedStages)
		}
		if st.Diagnostic != nil {
			fmt.Fprintf(out, "diagnostic:       %s (%s)\n", st.Diagnostic.RunID, st.Diagnostic.Stage)
		}
		if st.Lock != nil && st.Lock.Present {
			fmt.Fprintf(out, "lock:             %s age=%s liveness=%s stale=%t\n",
				st.Lock.Holder, st.Lock.Age.Round(time.Second), st.Lock.Liveness, st.Lock.Stale)
		}
	}

	if st.Degraded {
		return &exitError{code: exitDegraded, msg: "governor is degraded"}
	}
	return nil
}
