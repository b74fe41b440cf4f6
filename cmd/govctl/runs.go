package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/governor/internal/domain/events"
)

var (
	runsLimit      int
	runsDiagnostic bool
)

func init() {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the audit log, newest first",
		Args:  cobra.NoArgs,
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs (0 for all)")
	runsCmd.Flags().BoolVar(&runsDiagnostic, "diagnostic", false, "Include diagnostic single-stage runs")
	rootCmd.AddCommand(runsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "events <run-id>",
		Short: "Print one run's audit trail in order",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	})
}

func runRuns(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.Runs(cmd.Context(), runsLimit, runsDiagnostic)
	if err != nil {
		return transportError(cmd, err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, list)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tOUTCOME\tSTARTED\tDURATION\tFAILED STAGE\tREASON")
	for _, r := range list.Runs {
		started, duration := "-", "-"
		if r.StartedAt != nil {
			started = r.StartedAt.Local().Format(time.DateTime)
			if r.EndedAt != nil {
				duration = r.EndedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Outcome, started, duration, dash(string(r.FailedStage)), dash(r.Reason))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if list.Anomalies > 0 {
		fmt.Fprintf(out, "\n%d audit lines could not be parsed\n", list.Anomalies)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Events(cmd.Context(), args[0])
	if err != nil {
		return transportError(cmd, err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	for _, e := range res.Events {
		printEvent(out, e)
	}
	if res.Anomalies > 0 {
		fmt.Fprintf(out, "\n%d audit lines could not be parsed\n", res.Anomalies)
	}
	return nil
}

func printEvent(w io.Writer, e events.Event) {
	stage := string(e.Stage)
	if stage == "" {
		stage = "-"
	}
	fmt.Fprintf(w, "%s  %-6s  %-12s  %-24s  %s\n",
		e.Timestamp.Local().Format("15:04:05.000"), e.Tier, stage, e.EventType, e.Message)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
