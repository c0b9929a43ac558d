package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"depthnotes/gate/internal/attribution"
	"depthnotes/gate/internal/gate"
)

type runOptions struct {
	tracking      string
	navigation    string
	push          string
	notifications string
	wait          time.Duration
	json          bool
}

func newRunCmd(c *cli) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one launch and print the decision",
		Long: `Run one launch against the configured store, validator and backend.

Payload flags take inline JSON or @path to read a file.`,
		Example: `  gate run --tracking '{"af_status":"Non-organic","media_source":"ads"}'
  gate run --tracking @install.json --navigation '{"campaign":"spring"}' --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, c, opts)
		},
	}
	cmd.Flags().StringVar(&opts.tracking, "tracking", "", "attribution payload (JSON or @file)")
	cmd.Flags().StringVar(&opts.navigation, "navigation", "", "deep-link payload (JSON or @file)")
	cmd.Flags().StringVar(&opts.push, "push", "", "push notification payload opened at launch (JSON or @file)")
	cmd.Flags().StringVar(&opts.notifications, "notifications", "", "answer a notification prompt: grant or deny")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "how long to wait for a decision (default: decision timeout + 5s)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the decision as JSON")
	return cmd
}

func runOnce(cmd *cobra.Command, c *cli, opts runOptions) error {
	requester, err := requesterFor(opts.notifications)
	if err != nil {
		return err
	}
	tracking, err := readStringPayload(opts.tracking)
	if err != nil {
		return fmt.Errorf("--tracking: %w", err)
	}
	navigation, err := readStringPayload(opts.navigation)
	if err != nil {
		return fmt.Errorf("--navigation: %w", err)
	}
	push, err := readPayload(opts.push)
	if err != nil {
		return fmt.Errorf("--push: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	parts, err := wire(ctx, c.cfg, requester, c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = parts.close() }()

	done := make(chan error, 1)
	go func() { done <- parts.machine.Run(ctx) }()
	parts.machine.Launch(ctx)

	if push != nil {
		parts.router.HandlePush(ctx, push)
	}
	if navigation != nil {
		parts.collector.ReceiveNavigation(ctx, navigation)
	}
	if tracking != nil {
		parts.collector.ReceiveTracking(ctx, tracking)
	}

	wait := opts.wait
	if wait <= 0 {
		wait = c.cfg.DecisionTimeout + 5*time.Second
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, wait)
	defer waitCancel()

	state, err := parts.machine.WaitFor(waitCtx, gate.Decided)
	if err == nil && state.UI.ShowNotificationPrompt && opts.notifications != "" {
		parts.machine.Dispatch(gate.NotificationPermissionRequested{})
		state, err = parts.machine.WaitFor(waitCtx, func(s gate.State) bool {
			return !s.UI.ShowNotificationPrompt
		})
	}

	cancel()
	<-done

	if err != nil {
		c.logger.Warn("no decision before the wait elapsed", "wait", wait)
	}
	return printDecision(cmd.OutOrStdout(), state, opts.json)
}

// readPayload decodes inline JSON or, with a leading @, the named file.
// An empty argument yields nil.
func readPayload(arg string) (map[string]any, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return attribution.DecodeObject(f)
	}
	return attribution.DecodeObject(strings.NewReader(arg))
}

func readStringPayload(arg string) (map[string]string, error) {
	payload, err := readPayload(arg)
	if err != nil || payload == nil {
		return nil, err
	}
	return attribution.Normalize(payload), nil
}
