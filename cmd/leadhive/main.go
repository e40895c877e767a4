package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leadhive/leadhive/pkg/log"
)

// Build metadata injected via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	flagLogLevel string
	flagJSONLog  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "leadhive",
		Short: "Multi-tenant lead acquisition platform",
		Long: `leadhive runs a node of the lead acquisition platform: the control
plane API, the slot supervisor and the per-slot workers that watch a
seller portal and capture leads.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(log.Config{
				Level:      log.Level(flagLogLevel),
				JSONOutput: flagJSONLog,
			})
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "log-json", false, "emit JSON logs")

	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
