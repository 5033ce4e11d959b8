package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/checkout"
	"github.com/PortNumber53/entitlement-engine/internal/config"
	"github.com/PortNumber53/entitlement-engine/internal/gate"
	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/httpserver"
	"github.com/PortNumber53/entitlement-engine/internal/ingest"
	"github.com/PortNumber53/entitlement-engine/internal/invalidation"
	"github.com/PortNumber53/entitlement-engine/internal/logging"
	"github.com/PortNumber53/entitlement-engine/internal/migrations"
	"github.com/PortNumber53/entitlement-engine/internal/ratelimit"
	"github.com/PortNumber53/entitlement-engine/internal/resolver"
	"github.com/PortNumber53/entitlement-engine/internal/store"
	billing "github.com/PortNumber53/entitlement-engine/internal/stripe"
	"github.com/PortNumber53/entitlement-engine/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid server configuration")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		redisClient *redis.Client
		limiter     checkout.RateLimiter
		meter       gate.UsageMeter
	)
	if cfg.RedisURL != "" {
		redisClient, err = ratelimit.Connect(rootCtx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		counters := ratelimit.NewRedisStore(redisClient, "entitlements")
		limiter = ratelimit.NewLimiter(counters, cfg.CheckoutRateLimit, time.Minute)
		meter = ratelimit.NewUsageMeter(counters)
	} else {
		log.Warn().Msg("REDIS_URL not set: cache invalidation is process-local, checkout is not rate limited, quota checks fail closed")
	}

	cat := catalog.Default(cfg.PriceIDs())
	bus := invalidation.NewBus(busClient(redisClient))

	entitlementGate := gate.New(resolver.New(st, cat), cat, meter, gate.Config{
		CacheTTL:    cfg.GateCacheTTL,
		Timeout:     cfg.GateTimeout,
		NonCritical: cfg.GateNonCriticalFlags,
	})
	bus.Subscribe(entitlementGate.Invalidate)
	go func() {
		if err := bus.Run(rootCtx); err != nil {
			log.Error().Err(err).Msg("invalidation bus stopped")
		}
	}()

	stripeClient := billing.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.WorkerConcurrency
	jobWorker := worker.New(workerCfg, jobStore, nil)
	sweeps := worker.RegisterSweepJobs(jobWorker, st, bus, cfg.SweepInterval)
	if err := sweeps.EnsureScheduled(rootCtx); err != nil {
		log.Error().Err(err).Msg("failed to schedule expiry sweep")
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:      st,
		Catalog: cat,
		Ingest:  ingest.NewService(st, stripeClient, cat, bus),
		Checkout: checkout.NewService(st, stripeClient, cat, limiter, bus, checkout.Config{
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		}),
		Gate:   entitlementGate,
		Orgs:   st,
		Grants: grants.NewAdmin(st, bus, sweeps),
		Jobs:   jobStore,
		Worker: jobWorker,
	})

	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Int("plans", len(cat.Plans())).Msg("entitlement engine starting")
	if err := srv.Start(rootCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// busClient avoids handing the bus a typed nil client.
func busClient(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Error().Err(err).Str("db", name).Msg("migrations: error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn().Str("db", name).Msg("migrations: dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Error().Err(fixErr).Str("db", name).Msg("migrations: failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("db: configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db: configured")
}
