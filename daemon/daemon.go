// Package daemon wires the sweep engine together and runs it until a
// shutdown signal arrives.
package daemon

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"sweepd/chainpool"
	"sweepd/config"
	"sweepd/gasoracle"
	"sweepd/metrics"
	"sweepd/noncetracker"
	"sweepd/notify"
	"sweepd/observability/logging"
	"sweepd/registry"
	"sweepd/server"
	"sweepd/storage/boltstore"
	"sweepd/storage/postgres"
	"sweepd/sweepguard"
	"sweepd/sweeper"
)

// Main initialises and runs the sweep daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "sweepd.yaml", "path to sweepd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("SWEEPD_ENV"))
	}
	logger := logging.Setup("sweepd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	var store registry.Store
	var closeStore func() error
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		store = pg.WithLogger(logger)
		logger.Info("using relational store")
	} else {
		bolt, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		store = bolt.WithLogger(logger)
		closeStore = bolt.Close
		logger.Info("using file store", "path", cfg.BoltPath)
	}
	if closeStore != nil {
		defer func() { _ = closeStore() }()
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelLoad()

	chains, err := store.ListChains(loadCtx)
	if err != nil {
		return fmt.Errorf("load chains: %w", err)
	}
	if len(chains) == 0 && cfg.ChainsFile != "" {
		fileRegistry, err := config.LoadChains(cfg.ChainsFile)
		if err != nil {
			return fmt.Errorf("load chains file: %w", err)
		}
		chains = fileRegistry.Chains
	}
	if len(chains) == 0 {
		return fmt.Errorf("no chains configured")
	}

	ledger := registry.NewLedger(store, logger)
	if err := ledger.Reload(loadCtx); err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}

	var registerer prometheus.Registerer
	var gatherer prometheus.Gatherer
	var collectors *metrics.Collectors
	if cfg.Metrics.Enabled == nil || *cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
		collectors = metrics.NewCollectors(registerer)
	}
	aggregator := metrics.NewAggregator(collectors)
	aggregator.Rebuild(ledger.CounterSets())
	wallets, tokens := ledger.Size()
	aggregator.SetInventory(wallets, tokens)

	pool := chainpool.New(chains, chainpool.Options{
		DialTimeout:      cfg.RPC.DialTimeout.Duration,
		LivenessTimeout:  cfg.RPC.LivenessTimeout.Duration,
		RateLimit:        rate.Limit(cfg.RPC.RateLimit),
		RateBurst:        cfg.RPC.RateBurst,
		BreakerThreshold: cfg.RPC.BreakerThreshold,
		BreakerCooldown:  cfg.RPC.BreakerCooldown.Duration,
	}, aggregator, logger)
	defer pool.Shutdown()

	oracle := gasoracle.New(pool, cfg.Sweep.GasCacheTTL.Duration)
	nonces := noncetracker.New(pool)
	guard := sweepguard.New(cfg.Sweep.GuardTTL.Duration)
	executor := sweeper.NewExecutor(pool, oracle, nonces, logger).
		WithReceiptWait(cfg.Sweep.ReceiptTimeout.Duration, cfg.Sweep.ReceiptPoll.Duration)

	defaults, err := cfg.SweepDefaults()
	if err != nil {
		return fmt.Errorf("sweep defaults: %w", err)
	}

	hub := notify.NewHub(0)
	scheduler := sweeper.NewScheduler(defaults, ledger, store, pool, executor, guard, aggregator, hub, logger)

	ops := server.New(&controls{scheduler: scheduler, cfgPath: cfgPath, log: logger}, ledger, aggregator, hub, gatherer, logger)
	httpServer := ops.HTTPServer(cfg.ListenAddress)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var trigger sweeper.Trigger
	if cfg.Sweep.BlockEvents {
		trigger = sweeper.BlockTrigger{Conns: pool, Chains: pool.Chains(), Log: logger}
	} else {
		trigger = sweeper.IntervalTrigger{Every: cfg.Sweep.CheckInterval.Duration}
	}
	go scheduler.Run(stopCtx, trigger)

	go func() {
		ticker := time.NewTicker(cfg.Metrics.PushInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-stopCtx.Done():
				return
			case <-ticker.C:
				if hub.Subscribers() > 0 {
					hub.Publish(notify.EventMetricsUpdate, aggregator.Snapshot())
				}
			}
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("sweepd listening", "address", cfg.ListenAddress, "chains", len(chains), "wallets", wallets)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// controls adapts the scheduler to the operator surface. Wallet reloads pass
// straight through; config reloads re-read the file the daemon started with
// and hand the fresh defaults to the scheduler. A file that no longer parses
// leaves the running configuration untouched.
type controls struct {
	scheduler *sweeper.Scheduler
	cfgPath   string
	log       *slog.Logger
}

func (c *controls) RequestWalletReload() { c.scheduler.RequestWalletReload() }

func (c *controls) RequestConfigReload() {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		c.log.Error("config reload failed", "path", c.cfgPath, "err", err)
		return
	}
	defaults, err := cfg.SweepDefaults()
	if err != nil {
		c.log.Error("config reload failed", "path", c.cfgPath, "err", err)
		return
	}
	c.scheduler.RequestConfigUpdate(func() sweeper.Defaults { return defaults })
}
