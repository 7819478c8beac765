package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bridgecore/gateway/internal/adminplane"
	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/api"
	"github.com/bridgecore/gateway/internal/auth"
	"github.com/bridgecore/gateway/internal/cache"
	"github.com/bridgecore/gateway/internal/config"
	"github.com/bridgecore/gateway/internal/events"
	"github.com/bridgecore/gateway/internal/gateway"
	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/ledger"
	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/ratelimit"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/scheduler"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/syncengine"
	"github.com/bridgecore/gateway/internal/upstream"
	"github.com/bridgecore/gateway/internal/vault"
)

func main() {
	// .env is a local-dev convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("BRIDGECORE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	kvc, err := kv.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer kvc.Close()

	keyset, err := vault.New(cfg.Credential.Key)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	reg, err := registry.New(db, keyset, kvc)
	if err != nil {
		log.Fatalf("Failed to start tenant registry: %v", err)
	}
	defer reg.Close()

	tokens := auth.New(auth.Config{
		TenantKey:  []byte(cfg.Auth.TenantSigningKey),
		AdminKey:   []byte(cfg.Auth.AdminSigningKey),
		AccessTTL:  time.Duration(cfg.Auth.AccessTTLMinutes) * time.Minute,
		RefreshTTL: time.Duration(cfg.Auth.RefreshTTLDays) * 24 * time.Hour,
		AdminTTL:   time.Duration(cfg.Auth.AdminTTLHours) * time.Hour,
	}, kvc)

	opTimeouts := make(map[string]time.Duration, len(cfg.Upstream.Timeouts))
	for op, secs := range cfg.Upstream.Timeouts {
		opTimeouts[op] = time.Duration(secs) * time.Second
	}
	pool := upstream.NewPool(reg, m, upstream.PoolConfig{
		DefaultTimeout: time.Duration(cfg.Upstream.DefaultTimeoutS) * time.Second,
		OpTimeouts:     opTimeouts,
		IdleTTL:        time.Duration(cfg.Session.IdleTTLS) * time.Second,
	})

	rcache := cache.New(kvc, time.Duration(cfg.Cache.DefaultTTLS)*time.Second)
	limiter := ratelimit.New(kvc)
	led := ledger.New(db, m, ledger.Config{QueueDepth: cfg.Usage.QueueDepth, Writers: cfg.Usage.Writers})
	gw := gateway.New(pool, rcache, led, m)

	ingestor := events.NewIngestor(db, m)
	cursors := events.NewCursors(db)
	syncEng := syncengine.New(db, cursors, syncengine.Limits{
		DefaultLimit: cfg.Sync.DefaultLimit,
		MaxLimit:     cfg.Sync.MaxLimit,
	})

	adminSvc := adminplane.New(db, keyset, kvc)

	adm := admission.New(tokens, reg, limiter, m,
		cfg.RateLimit.DefaultHourly, cfg.RateLimit.DefaultDaily, api.WriteError)

	// Background jobs.
	agg := ledger.NewAggregator(db)
	sched := scheduler.New(kvc)
	sched.Register(scheduler.Job{
		Name:    "hourly-aggregation",
		Next:    scheduler.NextHourlyAt(5),
		LockTTL: 10 * time.Minute,
		Run: func(ctx context.Context, scheduled time.Time) error {
			return agg.RollupHour(ctx, scheduled.Add(-time.Hour))
		},
	})
	sched.Register(scheduler.Job{
		Name:    "daily-aggregation",
		Next:    scheduler.NextDailyAt(0, 30),
		LockTTL: 30 * time.Minute,
		Run: func(ctx context.Context, scheduled time.Time) error {
			return agg.RollupDay(ctx, scheduled.AddDate(0, 0, -1))
		},
	})
	sched.Register(scheduler.Job{
		Name:    "retention-sweep",
		Next:    scheduler.NextDailyAt(2, 0),
		LockTTL: 30 * time.Minute,
		Run: func(ctx context.Context, scheduled time.Time) error {
			if err := agg.EnforceRetention(ctx, cfg.Usage.RetentionDays, scheduled); err != nil {
				return err
			}
			tenants, err := db.ActiveTenantIDs(ctx)
			if err != nil {
				return err
			}
			for _, id := range tenants {
				if _, err := ingestor.Prune(ctx, id, cfg.Sync.EventGraceCount); err != nil {
					log.Printf("event prune for %s: %v", id, err)
				}
			}
			return nil
		},
	})
	sched.Register(scheduler.Job{
		Name:    "upstream-pull",
		Next:    scheduler.NextEvery(time.Duration(cfg.Sync.PullIntervalS) * time.Second),
		LockTTL: 5 * time.Minute,
		Run: func(ctx context.Context, _ time.Time) error {
			ids, err := db.ActiveTenantIDs(ctx)
			if err != nil {
				return err
			}
			tenants := make([]*store.Tenant, 0, len(ids))
			for _, id := range ids {
				tenant, _, err := reg.ResolveByID(ctx, id)
				if err != nil {
					log.Printf("resolve tenant %s for pull: %v", id, err)
					continue
				}
				tenants = append(tenants, tenant)
			}
			ingestor.PullForTenants(ctx, pool, tenants, cfg.Sync.PullBatchSize)
			return nil
		},
	})
	sched.Register(scheduler.Job{
		Name:    "session-sweep",
		Next:    scheduler.NextEvery(5 * time.Minute),
		LockTTL: time.Minute,
		Run: func(ctx context.Context, _ time.Time) error {
			pool.SweepIdle()
			return nil
		},
	})
	sched.Register(scheduler.Job{
		Name:    "cursor-lag-sweep",
		Next:    scheduler.NextEvery(time.Minute),
		LockTTL: time.Minute,
		Run: func(ctx context.Context, _ time.Time) error {
			tenants, err := db.ActiveTenantIDs(ctx)
			if err != nil {
				return err
			}
			for _, id := range tenants {
				if err := ingestor.UpdateLagMetrics(ctx, id); err != nil {
					log.Printf("cursor lag for %s: %v", id, err)
				}
			}
			return nil
		},
	})
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(tokens, reg, adm, gw, ingestor, syncEng, adminSvc, db, kvc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, cfg.Server.Port); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	led.Close(5 * time.Second)
	log.Println("Shutdown complete")
}
