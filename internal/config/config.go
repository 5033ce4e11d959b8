package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// Config captures runtime configuration values used by the entitlement service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisURL enables shared cache invalidation, checkout rate limiting and the
	// Redis usage meter. Empty keeps everything process-local.
	RedisURL string `env:"REDIS_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	StripeCreatorMonthlyPriceID    string `env:"STRIPE_CREATOR_MONTHLY_PRICE_ID"`
	StripeCreatorAnnualPriceID     string `env:"STRIPE_CREATOR_ANNUAL_PRICE_ID"`
	StripeProMonthlyPriceID        string `env:"STRIPE_PRO_MONTHLY_PRICE_ID"`
	StripeProAnnualPriceID         string `env:"STRIPE_PRO_ANNUAL_PRICE_ID"`
	StripeEnterpriseMonthlyPriceID string `env:"STRIPE_ENTERPRISE_MONTHLY_PRICE_ID"`
	StripeEnterpriseAnnualPriceID  string `env:"STRIPE_ENTERPRISE_ANNUAL_PRICE_ID"`

	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL" envDefault:"http://localhost:3000/billing/success"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL" envDefault:"http://localhost:3000/billing/cancel"`
	// CheckoutRateLimit is the number of checkout attempts allowed per org per minute.
	CheckoutRateLimit int `env:"CHECKOUT_RATE_LIMIT" envDefault:"10"`

	GateCacheTTL time.Duration `env:"GATE_CACHE_TTL" envDefault:"5s"`
	GateTimeout  time.Duration `env:"GATE_TIMEOUT" envDefault:"750ms"`
	// GateNonCriticalFlags fail open when resolution times out.
	GateNonCriticalFlags []string `env:"GATE_NON_CRITICAL_FLAGS" envSeparator:","`

	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// AdminToken guards the /api/admin routes. Empty disables them.
	AdminToken string `env:"ADMIN_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

const (
	envDatabaseURL         = "DATABASE_URL"
	envServerAddress       = "BACKEND_ADDR"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	defaultServerAddress   = ":18111"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.CheckoutRateLimit < 0 {
		return Config{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must not be negative")
	}
	if cfg.GateCacheTTL < 0 || cfg.GateTimeout <= 0 {
		return Config{}, fmt.Errorf("GATE_CACHE_TTL and GATE_TIMEOUT must be positive")
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}

	flags := cfg.GateNonCriticalFlags[:0]
	for _, f := range cfg.GateNonCriticalFlags {
		if f = strings.TrimSpace(f); f != "" {
			flags = append(flags, catalog.Canonical(f))
		}
	}
	cfg.GateNonCriticalFlags = flags

	return cfg, nil
}

// ValidateServer checks the values only the HTTP server needs.
func (c Config) ValidateServer() error {
	if strings.TrimSpace(c.StripeWebhookSecret) == "" {
		return fmt.Errorf("%s is required", envStripeWebhookSecret)
	}
	return nil
}

// PriceIDs maps the configured Stripe prices onto catalog plans.
func (c Config) PriceIDs() catalog.PriceIDs {
	return catalog.PriceIDs{
		catalog.PlanCreator: {
			models.CycleMonthly: c.StripeCreatorMonthlyPriceID,
			models.CycleAnnual:  c.StripeCreatorAnnualPriceID,
		},
		catalog.PlanPro: {
			models.CycleMonthly: c.StripeProMonthlyPriceID,
			models.CycleAnnual:  c.StripeProAnnualPriceID,
		},
		catalog.PlanEnterprise: {
			models.CycleMonthly: c.StripeEnterpriseMonthlyPriceID,
			models.CycleAnnual:  c.StripeEnterpriseAnnualPriceID,
		},
	}
}
