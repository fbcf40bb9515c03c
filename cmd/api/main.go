// Package main provides the entry point for the topology API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/narvanalabs/topology-console/internal/api"
	"github.com/narvanalabs/topology-console/internal/shutdown"
	"github.com/narvanalabs/topology-console/internal/store"
	"github.com/narvanalabs/topology-console/internal/store/memory"
	pgstore "github.com/narvanalabs/topology-console/internal/store/postgres"
	"github.com/narvanalabs/topology-console/pkg/config"
	"github.com/narvanalabs/topology-console/pkg/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, log.Logger)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}

	if cfg.SeedFile != "" {
		seed, err := memory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			log.Error("failed to load seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		if err := seed.Apply(ctx, st); err != nil {
			log.Error("failed to apply seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		log.Info("seed applied", "path", cfg.SeedFile, "nodes", len(seed.Nodes), "events", len(seed.Events))
	}

	server := api.NewServer(cfg, st, log.Logger)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.Closer("store", st))
	coordinator.Register(server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return coordinator.WaitForSignal(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
	os.Exit(coordinator.ExitCode())
}

// openStore connects the configured store driver.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		return memory.New(logger), nil
	case config.StoreDriverPostgres:
		pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), logger)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
