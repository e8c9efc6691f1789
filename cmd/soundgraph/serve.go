package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/soundgraph/pkg/config"
	"github.com/orneryd/soundgraph/pkg/server"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the similarity and clustering server",
		Long: `Load the configuration, open the feature store, bulk-load every configured
dataset file, restore the index snapshot and serve the RPC endpoints.`,
		RunE: runServe,
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	serveCmd.Flags().Bool("save-on-exit", false, "Save the index snapshot on shutdown")
	return serveCmd
}

func serverConfig(cfg *config.Config) *server.Config {
	return &server.Config{
		Address:            cfg.Server.Address,
		Port:               cfg.Server.Port,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		RequestTimeout:     cfg.Server.RequestTimeout,
		MaxRequestSize:     cfg.Server.MaxRequestSize,
		MetricsEnabled:     cfg.Server.MetricsEnabled,
		DefaultNumResults:  cfg.Index.DefaultNumResults,
		SnapshotPath:       cfg.Index.Path,
		ClusterConcurrency: cfg.Clustering.Workers,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	saveOnExit, _ := cmd.Flags().GetBool("save-on-exit")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.log.Info().Str("version", version).Stringer("config", cfg).Msg("starting")

	state := &server.ServiceState{
		Index:       a.index,
		Engine:      a.engine,
		Features:    a.store,
		FeatureSets: a.featureSetNames(),
	}
	srv, err := server.New(state, serverConfig(cfg), nil)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	<-ctx.Done()
	a.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	if saveOnExit {
		if err := a.index.Save(""); err != nil {
			return fmt.Errorf("saving index: %w", err)
		}
	}
	a.log.Info().Msg("server stopped")
	return nil
}
