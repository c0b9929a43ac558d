package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"depthnotes/gate/internal/backend"
)

func newUserAgentCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "useragent",
		Short: "Print the user agent sent to the config backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.UserAgent != "" && !c.cfg.BrowserUserAgent {
				fmt.Fprintln(cmd.OutOrStdout(), c.cfg.UserAgent)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ua, err := backend.ProbeBrowserUserAgent(ctx)
			if err != nil {
				c.logger.Warn("browser probe failed, using fallback", "err", err)
				ua = backend.FallbackUserAgent
			}
			fmt.Fprintln(cmd.OutOrStdout(), ua)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "browser probe timeout")
	return cmd
}
