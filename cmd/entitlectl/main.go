package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/config"
	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/invalidation"
	"github.com/PortNumber53/entitlement-engine/internal/logging"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/ratelimit"
	"github.com/PortNumber53/entitlement-engine/internal/resolver"
	"github.com/PortNumber53/entitlement-engine/internal/store"
	"github.com/PortNumber53/entitlement-engine/internal/worker"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

// cliStore is the slice of the store the operator commands touch.
type cliStore interface {
	grants.Transactor
	resolver.Reader
	worker.Sweeper
	CreateOrg(ctx context.Context, orgID, name string) (models.Organization, error)
	ListGrants(ctx context.Context, orgID string, includeHistory bool, limit int) ([]models.Grant, error)
}

// backend holds what a command needs once configuration has been read.
type backend struct {
	db    *sql.DB
	store cliStore
	bus   invalidation.Invalidator
	cat   *catalog.Catalog
	close func()
}

// openBackend connects to Postgres and, when REDIS_URL is set, to Redis so that
// invalidations reach running servers. Tests replace it.
var openBackend = func(ctx context.Context) (*backend, error) {
	_ = godotenv.Load("../.env", ".env")

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "entitlectl", Output: os.Stderr})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	st, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	b := &backend{
		db:    db,
		store: st,
		cat:   catalog.Default(cfg.PriceIDs()),
		close: func() { db.Close() },
	}

	var client *redis.Client
	if cfg.RedisURL != "" {
		client, err = ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable: running servers keep cached decisions until their TTL")
		}
	}
	if client != nil {
		b.bus = invalidation.NewBus(client)
		b.close = func() {
			client.Close()
			db.Close()
		}
	} else {
		b.bus = invalidation.NewBus(nil)
	}
	return b, nil
}

var rootCmd = &cobra.Command{
	Use:           "entitlectl",
	Short:         "Operate the entitlement engine",
	Long:          `entitlectl manages the entitlement database: schema migrations, expiry sweeps, operator grants and resolution checks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(orgCmd)
}

// withBackend opens the backend for the duration of fn.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	if b.close != nil {
		defer b.close()
	}
	return fn(ctx, b)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
