package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atelier-ai/atelier/internal/agent"
	"github.com/atelier-ai/atelier/internal/budget"
	"github.com/atelier-ai/atelier/internal/checkpoint"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/deviation"
	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/metrics"
)

// dryRunTokensPerStep is the canned usage each static agent applies, so
// dry runs still exercise the budget path.
const (
	dryRunTokensPerStep = 2000
	dryRunCostPerStep   = 0.05
)

// runtime bundles the wired components behind a run.
type runtime struct {
	cfg        *config.Config
	store      *checkpoint.Store
	guard      *budget.Guard
	controller *engine.Controller
	promReg    *prometheus.Registry
	natsCache  *budget.NATSCache
}

// buildRuntime wires the checkpoint store, budget guard, deviation
// handler, agent registry, and controller from configuration.
func buildRuntime(cfg *config.Config, dryRun bool) (*runtime, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := checkpoint.Open(cfg.Checkpoints.DBPath)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	var cache budget.Cache
	var natsCache *budget.NATSCache
	if cfg.Cache.NATSURL != "" {
		natsCache, err = budget.NewNATSCache(context.Background(),
			cfg.Cache.NATSURL, cfg.Cache.Bucket, cfg.Cache.TTL, logger)
		if err != nil {
			// The shared cache is an optimization; budgets still hold
			// per process.
			logger.Warn("shared budget cache unavailable", "error", err)
		} else {
			cache = natsCache
		}
	}
	guard := budget.NewGuard(cfg.Budget, cache, logger, m)

	devLog, err := deviation.NewLog(cfg.Deviation.LogPath, cfg.Deviation.MaxLogEntries)
	if err != nil {
		store.Close()
		return nil, err
	}
	routeTable, err := deviation.LoadRouteTable(cfg.Deviation.RouteTablePath)
	if err != nil {
		store.Close()
		return nil, err
	}

	var registry *agent.Registry
	var analyzer deviation.Analyzer
	if dryRun {
		registry = agent.DefaultRegistry(dryRunTokensPerStep, dryRunCostPerStep)
	} else {
		client, err := agent.NewClient(cfg.Anthropic)
		if err != nil {
			store.Close()
			return nil, err
		}
		registry = agent.LLMRegistry(client, cfg.Anthropic.Model)
		analyzer = deviation.NewLLMAnalyzer(client, logger)
	}

	handler := deviation.NewHandler(deviation.Config{
		Analyzer:             analyzer,
		MaxRoutingIterations: cfg.Orchestrator.MaxRoutingIterations,
		Log:                  devLog,
		RouteTable:           routeTable,
		Auditor:              store,
		Logger:               logger,
		Metrics:              m,
	})

	controller, err := engine.NewController(engine.ControllerConfig{
		Config:    cfg,
		Store:     store,
		Guard:     guard,
		Deviation: handler,
		Agents:    registry,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		store:      store,
		guard:      guard,
		controller: controller,
		promReg:    promReg,
		natsCache:  natsCache,
	}, nil
}

// Close releases the runtime's connections.
func (r *runtime) Close() {
	if r.natsCache != nil {
		r.natsCache.Close()
	}
	r.store.Close()
}
