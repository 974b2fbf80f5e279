package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/profilecap/internal/api"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/observability"
	"github.com/xkilldash9x/profilecap/internal/session"
)

func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the screenshot HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg, observability.GetLogger())
		},
	}

	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address. (Overrides config/env)")
	return serveCmd
}

// runServe blocks until ctx is canceled or the server fails, then shuts
// everything down.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting profilecap", zap.String("version", Version), zap.String("session_id", cfg.Session.ID))

	comps, err := initializeComponents(ctx, cfg, componentOptions{RateLimit: true, History: true}, logger)
	defer comps.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize service components: %w", err)
	}

	deps := api.Deps{
		Fetcher:  comps.Orchestrator,
		Sessions: comps.Sessions,
		Events:   comps.Events,
		Logger:   logger,
	}
	if comps.Store != nil {
		deps.History = comps.Store
	}
	server := api.NewServer(cfg.Server, deps)

	var keepalive *session.Keepalive
	if cfg.Session.Keepalive != "" {
		keepalive, err = session.NewKeepalive(comps.Sessions, cfg.Session.Keepalive, logger)
		if err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Serve(ln) })

	if keepalive != nil {
		keepalive.Start()
	}

	// Waits for a signal or a server failure, then drains.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if keepalive != nil {
			keepalive.Stop(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Service stopped")
	return nil
}
