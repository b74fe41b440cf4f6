package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/client"
	"github.com/GriffinCanCode/governor/internal/infrastructure/logging"
)

var (
	serverURL  string
	jsonOutput bool
	reqTimeout time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "govctl",
	Short: "Control and inspect a pipeline governor",
	Long: `govctl talks to a running governor server.

Examples:
  govctl status                      # current state, run and health
  govctl start                       # start a translator -> analyzer -> merger run
  govctl reset                       # SUCCESS/FAILED -> IDLE
  govctl stage analyzer -p depth=2   # one diagnostic stage invocation
  govctl runs --limit 10             # recent runs from the audit log
  govctl events run_01HZX...         # one run's audit trail
  govctl tail                        # follow the live event feed
  govctl audit verify ./audit.log    # check an audit log offline`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultURL := os.Getenv("GOVERNOR_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "Governor server URL (env GOVERNOR_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log retries and transport errors to stderr")
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Exit codes.
const (
	exitRejected = 1
	exitDegraded = 2
)

func newClient() (*client.Client, error) {
	opts := client.DefaultOptions(serverURL)
	opts.Timeout = reqTimeout
	if verbose {
		logger, err := logging.New(logging.Config{Level: "debug", Development: true, OutputPaths: []string{"stderr"}})
		if err == nil {
			opts.Logger = logger.Logger
		}
	} else {
		opts.Logger = zap.NewNop()
	}
	return client.New(opts)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
