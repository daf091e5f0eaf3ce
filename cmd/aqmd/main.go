// Package main provides aqmd, the key lifecycle core daemon: it owns the
// Vault, Inventory, Directory, Bridge, GC, and Reporter, runs their
// maintenance schedules, and exposes the JSON-RPC API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aqmlabs/aqm-core/internal/api"
	"github.com/aqmlabs/aqm-core/internal/bridge"
	"github.com/aqmlabs/aqm-core/internal/config"
	"github.com/aqmlabs/aqm-core/internal/demo"
	"github.com/aqmlabs/aqm-core/internal/directory"
	"github.com/aqmlabs/aqm-core/internal/gc"
	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/reporter"
	"github.com/aqmlabs/aqm-core/internal/vault"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.aqmd", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/aqmd.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API listen address, overrides config")
		redisAddr   = flag.String("redis-addr", "", "Redis address, overrides config")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN, overrides config")
		selfID      = flag.String("self-id", "", "This device's owner/requester ID for Directory claims")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		runDemo     = flag.Bool("demo", false, "Run the scripted scenarios against the configured stores and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("aqmd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	configPath := config.ConfigPath(effectiveDataDir)
	var cfg *config.Config
	var err error
	if *configFile != "" {
		configPath = *configFile
		cfg = config.DefaultConfig()
		var data []byte
		if data, err = os.ReadFile(configPath); err == nil {
			err = yaml.Unmarshal(data, cfg)
		}
	} else {
		cfg, err = config.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *postgresDSN != "" {
		cfg.Postgres.DSN = *postgresDSN
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *selfID == "" {
		*selfID = "local"
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := connectWithRetry(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer rdb.Close()
	log.Info("redis connected", "addr", cfg.Redis.Addr)

	var dir *directory.Directory
	err = backoffRetry(ctx, func() error {
		dir, err = directory.Open(directory.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		return err
	})
	if err != nil {
		log.Fatal("failed to connect to directory database", "error", err)
	}
	defer dir.Close()
	log.Info("directory database connected")

	v := vault.New(rdb, cfg.Redis.Prefix, vault.Config{TTL: cfg.Vault.TTL, BurnGrace: cfg.Vault.BurnGrace})
	inv := inventory.New(rdb, cfg.Redis.Prefix, inventory.Config{
		OptimisticRetryBudget: cfg.Inventory.OptimisticRetryBudget,
		Budget:                cfg.Inventory.BudgetMatrix(),
	})
	br := bridge.New(dir, inv, v, *selfID)
	g := gc.New(inv, gc.Config{InactiveAfter: cfg.GC.InactiveAfter, DeleteMeta: false}, cfg.Reporter.TierSizes())
	rep := reporter.New(prometheus.DefaultRegisterer, v, inv, dir, cfg.Reporter.TierSizes(), cfg.Inventory.BudgetMatrix())

	if *runDemo {
		runDemoScenarios(ctx, log, v, inv, dir, br)
		return
	}

	c := newMaintenanceCron(log, v, inv, dir, g, rep, *selfID, cfg)
	c.Start()
	log.Info("maintenance schedule started")

	metricsSrv := startMetricsServer(log, cfg.Reporter.MetricsAddr)

	srv := api.NewServer(dir, inv, v)
	if err := srv.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("failed to start api server", "error", err)
	}

	log.Info("aqmd ready", "api", cfg.API.ListenAddr, "metrics", cfg.Reporter.MetricsAddr, "self_id", *selfID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	stopCtx := c.Stop()
	<-stopCtx.Done()

	if err := srv.Stop(); err != nil {
		log.Error("error stopping api server", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping metrics server", "error", err)
	}
	log.Info("goodbye")
}

// startMetricsServer exposes the Reporter's registered gauges over
// net/http via promhttp, the idiomatic client_golang serving pattern.
func startMetricsServer(log *logging.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// newMaintenanceCron wires the periodic sweeps spec.md describes as
// background jobs: vault expiry, directory staleness, the inventory
// inactivity sweep, and the reporter's gauge refresh.
func newMaintenanceCron(log *logging.Logger, v *vault.Vault, inv *inventory.Inventory, dir *directory.Directory, g *gc.GC, rep *reporter.Reporter, selfID string, cfg *config.Config) *cron.Cron {
	c := cron.New()
	maintLog := log.Component("maintenance")

	collectSpec := fmt.Sprintf("@every %s", cfg.Reporter.CollectInterval)
	c.AddFunc(collectSpec, func() {
		ctx := context.Background()
		contactIDs, err := inv.ListContacts(ctx)
		if err != nil {
			maintLog.Error("reporter collect: list contacts failed", "error", err)
			return
		}
		if _, err := rep.Collect(ctx, selfID, contactIDs); err != nil {
			maintLog.Error("reporter collect failed", "error", err)
			return
		}
		maintLog.Debug("reporter gauges refreshed", "contacts", len(contactIDs))
	})

	c.AddFunc("@hourly", func() {
		ctx := context.Background()
		n, err := v.PurgeExpired(ctx, cfg.Vault.TTL)
		if err != nil {
			maintLog.Error("vault purge_expired failed", "error", err)
			return
		}
		maintLog.Info("vault purge_expired", "purged", n)
	})

	c.AddFunc("@daily", func() {
		ctx := context.Background()
		n, err := dir.PurgeStale(ctx, cfg.Directory.PurgeStaleAfter)
		if err != nil {
			maintLog.Error("directory purge_stale failed", "error", err)
			return
		}
		maintLog.Info("directory purge_stale", "purged", n)
	})

	c.AddFunc("@every 1h", func() {
		ctx := context.Background()
		n, err := dir.HardDeleteClaimed(ctx, cfg.Directory.HardDeleteGrace)
		if err != nil {
			maintLog.Error("directory hard_delete_claimed failed", "error", err)
			return
		}
		maintLog.Info("directory hard_delete_claimed", "deleted", n)
	})

	c.AddFunc("@daily", func() {
		ctx := context.Background()
		report, err := g.GarbageCollect(ctx, int(cfg.GC.InactiveAfter/(24*time.Hour)))
		if err != nil {
			maintLog.Error("inventory garbage_collect failed", "error", err)
			return
		}
		maintLog.Info("inventory garbage_collect",
			"contacts_cleaned", report.ContactsCleaned,
			"keys_deleted", report.KeysDeleted,
			"bytes_freed", report.BytesFreed)
	})

	return c
}

func runDemoScenarios(ctx context.Context, log *logging.Logger, v *vault.Vault, inv *inventory.Inventory, dir *directory.Directory, br *bridge.Bridge) {
	results := demo.RunAllScenarios(ctx, demo.Stores{Vault: v, Inventory: inv, Directory: dir, Bridge: br})
	for _, r := range results {
		if r.Success {
			log.Info("scenario passed", "scenario", r.Scenario, "description", r.Description)
		} else {
			log.Error("scenario failed", "scenario", r.Scenario, "description", r.Description, "error", r.Error)
		}
	}
}

// connectWithRetry retries op with exponential backoff, the only
// justified retry outside the Bridge's on-demand fetch window: a
// cold-started dependency coming up slightly after this process is not a
// logical failure.
func connectWithRetry(ctx context.Context, name string, op func() error) error {
	wrapped := func() (struct{}, error) {
		if err := op(); err != nil {
			return struct{}{}, fmt.Errorf("connecting to %s: %w", name, err)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, wrapped,
		backoff.WithMaxTries(10),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	return err
}

func backoffRetry(ctx context.Context, op func() error) error {
	wrapped := func() (struct{}, error) {
		if err := op(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, wrapped,
		backoff.WithMaxTries(10),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	return err
}
