package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/api"
	"github.com/marmos91/filecollection/pkg/config"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) (err error) {
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics must be initialized before the registry builds collections
	metricsServer := config.InitializeMetrics(cfg)

	reg, err := config.InitializeRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	defer func() {
		if cerr := reg.Close(); cerr != nil {
			logger.Error("Failed to close stores: %v", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	reg.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if serr := reg.Stop(shutdownCtx); serr != nil {
			logger.Error("Failed to stop collections: %v", serr)
			err = errors.Join(err, serr)
		}
	}()

	httpServer := api.NewServer(api.ServerConfig{
		Port:              cfg.Server.HTTP.Port,
		RequestsPerSecond: cfg.Server.HTTP.RequestsPerSecond,
		Burst:             cfg.Server.HTTP.Burst,
		ReadHeaderTimeout: cfg.Server.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.HTTP.IdleTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, reg.Handlers()...)

	logger.Info("filecollection %s serving %d collection(s) on port %d. Press Ctrl+C to stop.",
		version, reg.CountCollections(), httpServer.Port())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
