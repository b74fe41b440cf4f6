package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/governor/internal/client"
	"github.com/GriffinCanCode/governor/internal/domain/orchestrator"
)

var stageParams []string

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start a new run (requires IDLE)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.Start(cmd.Context())
			if err != nil {
				return transportError(cmd, err)
			}
			return reportDecision(cmd, d, "run started")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Move a SUCCESS or FAILED pipeline back to IDLE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.Reset(cmd.Context())
			if err != nil {
				return transportError(cmd, err)
			}
			return reportDecision(cmd, d, "pipeline reset to IDLE")
		},
	})

	stageCmd := &cobra.Command{
		Use:   "stage <translator|analyzer|merger>",
		Short: "Invoke one stage as a diagnostic run",
		Long: `Invoke one stage outside a full run. The pipeline must be IDLE; the
persisted state is not changed. Parameters override the stage's configured
defaults key by key.`,
		Args: cobra.ExactArgs(1),
		RunE: runStage,
	}
	stageCmd.Flags().StringArrayVarP(&stageParams, "param", "p", nil, "Stage parameter key=value (repeatable)")
	rootCmd.AddCommand(stageCmd)
}

func runStage(cmd *cobra.Command, args []string) error {
	params, err := parseParams(stageParams)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Stage(cmd.Context(), args[0], params)
	if err != nil {
		return transportError(cmd, err)
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if !res.Accepted {
		if !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "rejected: %s\n", describe(res.Decision))
		}
		return rejection(res.Decision)
	}
	if jsonOutput {
		return nil
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "diagnostic run: %s\n", res.RunID)
	if res.Result == nil {
		return nil
	}
	if !res.Result.OK {
		fmt.Fprintf(out, "stage failed: %s\n", res.Result.Reason)
		return &exitError{code: exitRejected, msg: "stage failed"}
	}
	fmt.Fprintln(out, "stage succeeded")
	if len(res.Result.Outputs) > 0 {
		return printJSON(out, res.Result.Outputs)
	}
	return nil
}

// parseParams turns key=value pairs into a params map. Values that parse as
// bool or number are typed; everything else stays a string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", p)
		}
		switch {
		case v == "true" || v == "false":
			params[k] = v == "true"
		default:
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				params[k] = n
			} else {
				params[k] = v
			}
		}
	}
	return params, nil
}

func reportDecision(cmd *cobra.Command, d orchestrator.Decision, okMsg string) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, d); err != nil {
			return err
		}
	} else if d.Accepted {
		if d.RunID != "" {
			fmt.Fprintf(out, "%s: %s\n", okMsg, d.RunID)
		} else {
			fmt.Fprintln(out, okMsg)
		}
	} else {
		fmt.Fprintf(out, "rejected: %s\n", describe(d))
	}
	if !d.Accepted {
		return rejection(d)
	}
	return nil
}

func describe(d orchestrator.Decision) string {
	s := string(d.Reason)
	if d.Detail != "" {
		s += " (" + d.Detail + ")"
	}
	if d.Holder != "" {
		s += " held by " + string(d.Holder)
	}
	return s
}

func rejection(d orchestrator.Decision) error {
	if d.Reason == orchestrator.RejectUnavailable {
		return &exitError{code: exitDegraded, msg: "governor unavailable"}
	}
	return &exitError{code: exitRejected, msg: "request rejected: " + string(d.Reason)}
}

// transportError reports an unreachable server as degraded.
func transportError(cmd *cobra.Command, err error) error {
	if !client.IsUnreachable(err) {
		return err
	}
	if jsonOutput {
		_ = printJSON(cmd.OutOrStdout(), map[string]interface{}{"degraded": true, "degraded_reason": err.Error()})
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "degraded: true (%s)\n", err)
	}
	return &exitError{code: exitDegraded, msg: "governor unreachable"}
}
