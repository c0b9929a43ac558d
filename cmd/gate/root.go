package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"depthnotes/gate/internal/config"
	"depthnotes/gate/internal/logging"
)

// cli holds what PersistentPreRunE resolves for the subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "gate",
		Short: "Attribution-gated launch decision service",
		Long: `gate decides at launch whether to show remote content or fall back to local content.

It collects install attribution, validates the launch against a remote record,
resolves the remote endpoint and persists the decision for later launches.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.configPath != "" {
				if err := os.Setenv("GATE_CONFIG", c.configPath); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.LogLevel = c.logLevel
			}
			c.cfg = cfg
			c.logger = logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (overrides GATE_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newInspectCmd(c),
		newUserAgentCmd(c),
	)
	return root
}
