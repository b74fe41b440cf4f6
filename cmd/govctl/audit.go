package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/governor/internal/domain/events"
)

func init() {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Offline audit log tools",
	}
	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Check an audit log for unparseable lines, clock regressions and open runs",
		Long: `Check an audit log file without a running server. Plain NDJSON logs and
.gz/.zst exports are both accepted. Exits 1 when anomalies or timestamp
regressions are found. Open runs are reported but are not an error: a run
interrupted by a crash stays open until the next boot records its failure.`,
		Args: cobra.ExactArgs(1),
		RunE: runAuditVerify,
	})
	auditCmd.AddCommand(&cobra.Command{
		Use:   "ack",
		Short: "Acknowledge lost audit records so /health reports healthy again",
		Long: `Clear the server's sticky audit failure marker. Audit health stays
impaired after a failed append, even once appends succeed again, until an
operator acknowledges it. The failures counter is not reset.`,
		Args: cobra.NoArgs,
		RunE: runAuditAck,
	})
	rootCmd.AddCommand(auditCmd)
}

func runAuditAck(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ack, err := c.AcknowledgeAudit(cmd.Context())
	if err != nil {
		return transportError(cmd, err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, ack)
	}
	fmt.Fprintf(out, "acknowledged:  %d failure(s)\n", ack.Before.Failures)
	if ack.Before.DegradedSince != nil {
		fmt.Fprintf(out, "since:         %s\n", ack.Before.DegradedSince.Format("2006-01-02T15:04:05Z07:00"))
	}
	if ack.Before.LastError != "" {
		fmt.Fprintf(out, "last error:    %s\n", ack.Before.LastError)
	}
	fmt.Fprintf(out, "audit healthy: %t\n", ack.Audit.Healthy)
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}
	report, err := events.NewReader(args[0]).Verify()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "path:          %s\n", report.Path)
		fmt.Fprintf(out, "records:       %d (system %d, run %d)\n", report.Records, report.SystemEvents, report.RunEvents)
		fmt.Fprintf(out, "runs:          %d\n", report.Runs)
		if report.FirstRecordAt != nil && report.LastRecordAt != nil {
			fmt.Fprintf(out, "span:          %s .. %s\n", report.FirstRecordAt.Format("2006-01-02T15:04:05Z07:00"), report.LastRecordAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		types := make([]string, 0, len(report.EventTypes))
		for t := range report.EventTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(out, "  %-28s %d\n", t, report.EventTypes[t])
		}
		for _, r := range report.OpenRuns {
			fmt.Fprintf(out, "open run:      %s\n", r)
		}
		for _, a := range report.Anomalies {
			fmt.Fprintf(out, "anomaly:       line %d: %s\n", a.Line, a.Err)
		}
		for _, line := range report.OutOfOrder {
			fmt.Fprintf(out, "out of order:  line %d\n", line)
		}
	}
	if !report.OK() {
		return &exitError{code: exitRejected, msg: "audit log has anomalies"}
	}
	return nil
}
