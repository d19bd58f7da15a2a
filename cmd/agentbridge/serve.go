package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/agentbridge/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info().
				Str("upstream_mode", res.Upstream.Mode).
				Str("upstream", res.Upstream.Detail).
				Int("functions", len(res.Dispatcher.Definitions())).
				Int("kb_entries", res.Knowledge.Len()).
				Msg("agentbridge configured")

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           res.API.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()
			res.Registry.StartJanitor(runCtx, 5*time.Second)

			listenErr := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					listenErr <- err
				}
				close(listenErr)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received")
			case err, ok := <-listenErr:
				if ok {
					serveErr = fmt.Errorf("listen: %w", err)
				}
			}

			runCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			if err := res.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("session shutdown incomplete")
			}

			logger.Info().Msg("shutdown complete")
			return serveErr
		},
	}
}
