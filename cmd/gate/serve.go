package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"depthnotes/gate/internal/app"
	"depthnotes/gate/internal/gate"
	"depthnotes/gate/internal/netmon"
)

func newServeCmd(c *cli) *cobra.Command {
	var notifications string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gate and its HTTP event sink until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			requester, err := requesterFor(notifications)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c, requester)
		},
	}
	cmd.Flags().StringVar(&notifications, "notifications", "deny", "answer to notification prompts: grant or deny")
	return cmd
}

func serve(ctx context.Context, c *cli, requester gate.PermissionRequester) error {
	cfg, logger := c.cfg, c.logger

	parts, err := wire(ctx, cfg, requester, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := parts.close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}()

	httpServer := app.NewHTTPServer(app.Deps{
		Gate:       parts.machine,
		Collector:  parts.collector,
		Push:       parts.router,
		Store:      parts.gateway,
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return parts.machine.Run(ctx)
	})
	parts.machine.Launch(ctx)

	if cfg.ProbeURL != "" {
		monitor := netmon.New(cfg.ProbeURL, parts.machine.NetworkStatusChanged, netmon.Options{
			Interval: cfg.ProbeInterval,
			Logger:   logger,
		})
		g.Go(func() error {
			return monitor.Run(ctx)
		})
	}

	g.Go(func() error {
		logger.Info("gate listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gate stopped")
	return nil
}
