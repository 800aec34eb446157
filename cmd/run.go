// Package cmd implements the floe subcommands.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/floe/internal/audit"
	"grimm.is/floe/internal/classify"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/config"
	"grimm.is/floe/internal/enforce"
	"grimm.is/floe/internal/feed"
	"grimm.is/floe/internal/iface"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/policy"
	"grimm.is/floe/internal/scheduler"
	"grimm.is/floe/internal/store"
)

// RunDaemon starts the governor: bootstrap enforcement, apply stored
// policies marked applied, then run the periodic tasks until a
// terminating signal arrives.
func RunDaemon(configFile, metricsAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logging.SetPrefix("floe")
	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	logging.SetDefault(logger)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	au, err := audit.NewStore(cfg.Audit.Path, cfg.Audit.RetentionDays)
	if err != nil {
		return err
	}
	defer au.Close()

	runner := command.NewExecRunner(cfg.CommandTimeout())
	clk := &clock.RealClock{}
	reg := metrics.Get()

	enforcer := enforce.New(cfg, st, au, runner, clk, logger, reg)
	manager := policy.New(st, au, runner, clk, logger, reg, *cfg.Shaping.BackupBeforeApply)
	collector := policy.NewCollector(st, runner, clk, logger, reg)
	classifier := classify.New(cfg, st, logger, reg)
	reader := feed.New(cfg.Feed.Path, classifier, clk, logger, reg)
	inventory := iface.NewInventory(runner, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := enforcer.Bootstrap(ctx); err != nil {
		return err
	}

	if err := syncPolicies(ctx, cfg, manager, logger); err != nil {
		return err
	}

	registry := &scheduler.TaskRegistry{
		Evaluate: func(ctx context.Context) error {
			enforcer.Evaluate(ctx)
			return nil
		},
		PollFeed: reader.Poll,
		CollectStats: func(ctx context.Context) error {
			collector.Collect(ctx)
			return nil
		},
		RefreshInterfaces: func(ctx context.Context) error {
			ifaces, err := inventory.List(ctx)
			if err != nil {
				return err
			}
			return st.SaveInterfaces(ifaces)
		},
		Prune: func(ctx context.Context) error {
			return pruneStores(cfg, st, au, clk, logger)
		},
	}

	sched := scheduler.New(logger)
	tasks := []*scheduler.Task{
		scheduler.NewEnforcementTask(registry, time.Duration(cfg.Enforcement.TickSeconds)*time.Second),
		scheduler.NewFeedTask(registry, time.Duration(cfg.Feed.IntervalSeconds)*time.Second),
		scheduler.NewStatsTask(registry, time.Duration(cfg.Shaping.StatsIntervalSeconds)*time.Second),
		scheduler.NewInventoryTask(registry, 5*time.Minute),
		scheduler.NewPruneTask(registry),
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			return err
		}
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	sched.Start()
	logger.Info("floe started", "config", configFile, "segments", len(cfg.Thresholds))

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	return nil
}

// syncPolicies creates configured policies that are not yet stored and
// re-applies the ones previously marked applied. A failed re-apply is
// an error: the kernel state no longer matches what the operator
// believes is enforced.
func syncPolicies(ctx context.Context, cfg *config.Config, manager *policy.Manager, logger *logging.Logger) error {
	policies, err := cfg.ShapingPolicies()
	if err != nil {
		return err
	}
	for _, p := range policies {
		existing, err := manager.List()
		if err != nil {
			return err
		}
		known := false
		for _, e := range existing {
			if e.Name == p.Name {
				known = true
				break
			}
		}
		if !known {
			if err := manager.Create(p); err != nil {
				return err
			}
		}
	}

	stored, err := manager.List()
	if err != nil {
		return err
	}
	for _, p := range stored {
		if !p.Applied() {
			continue
		}
		logger.Info("re-applying policy", "policy", p.Name, "interface", p.Interface)
		if err := manager.Apply(ctx, p.Name); err != nil {
			return fmt.Errorf("re-apply policy %s: %w", p.Name, err)
		}
	}
	return nil
}

func pruneStores(cfg *config.Config, st *store.Store, au *audit.Store, clk clock.Clock, logger *logging.Logger) error {
	cutoff := clk.Now().AddDate(0, 0, -cfg.Audit.RetentionDays)

	usage, err := st.PruneUsage(cutoff)
	if err != nil {
		return err
	}
	events, err := st.PruneEvents(cutoff)
	if err != nil {
		return err
	}
	auditRows, err := au.Prune()
	if err != nil {
		return err
	}
	logger.Info("retention prune complete",
		"usage_rows", usage, "event_rows", events, "audit_rows", auditRows)
	return nil
}

func serveMetrics(addr string, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
		os.Exit(1)
	}
}
