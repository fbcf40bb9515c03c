// Package main provides the entry point for the operator console, which
// serves live topology views of deployment groups.
package main

import (
	"context"
	"os"

	"github.com/narvanalabs/topology-console/internal/console"
	"github.com/narvanalabs/topology-console/internal/rollout"
	"github.com/narvanalabs/topology-console/internal/shutdown"
	"github.com/narvanalabs/topology-console/pkg/config"
	"github.com/narvanalabs/topology-console/pkg/logger"
	"github.com/narvanalabs/topology-console/web/api"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	policy, err := cfg.ConflictPolicy()
	if err != nil {
		log.Error("invalid classification policy", "error", err)
		os.Exit(1)
	}

	client := api.NewClient(cfg.APIURL).WithToken(cfg.APIToken)
	topology := api.NewTopologyCache(client, cfg.TopologyTTL)

	monitor := rollout.NewMonitor(rollout.Config{
		Topology:     topology,
		Fetcher:      client,
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		Conflict:     policy,
		Logger:       log.Logger,
	})

	server := console.NewServer(cfg, console.Deps{
		Monitor:  monitor,
		Backend:  client,
		Topology: topology,
	}, log.Logger)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(monitor)
	coordinator.Register(server)
	coordinator.Register(shutdown.Closer("api-client", client))

	log.Info("console configured",
		"api_url", cfg.APIURL,
		"poll_interval", cfg.PollInterval,
		"policy", policy.String(),
	)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return coordinator.WaitForSignal(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("console error", "error", err)
		os.Exit(1)
	}
	log.Info("console stopped")
	os.Exit(coordinator.ExitCode())
}
