package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newInspectCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted gate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			gateway, closeStore, err := openGateway(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			ctx := cmd.Context()
			view := newSnapshotView(gateway.Load(ctx))
			view.PushToken = gateway.PushToken(ctx)

			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndented(out, view)
			}

			endpoint := view.Endpoint
			if endpoint == "" {
				endpoint = color.HiBlackString("(none)")
			}
			fmt.Fprintf(out, "endpoint:      %s\n", endpoint)
			fmt.Fprintf(out, "mode:          %s\n", view.Mode)
			fmt.Fprintf(out, "first launch:  %t\n", view.FirstLaunch)
			fmt.Fprintf(out, "tracking:      %d keys\n", len(view.Tracking))
			fmt.Fprintf(out, "navigation:    %d keys\n", len(view.Navigation))
			fmt.Fprintf(out, "notifications: approved=%t rejected=%t last=%s\n",
				view.Notifications.Approved, view.Notifications.Rejected, view.Notifications.LastRequest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
