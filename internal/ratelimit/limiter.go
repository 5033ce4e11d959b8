package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
)

// Result is the outcome of one Allow call.
type Result struct {
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Allowed reports whether the request fits in the window.
func (r Result) Allowed() bool {
	return r.Remaining >= 0
}

// Limiter is a fixed-window counter per key.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
}

// NewLimiter allows limit hits per window for each key. A nil store or a limit of
// zero disables limiting.
func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window}
}

// Allow counts one hit against key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	if l == nil || l.store == nil || l.limit <= 0 {
		return Result{Limit: -1}, nil
	}
	n, ttl, err := l.store.Incr(ctx, "rl:"+key, 1, l.window)
	if err != nil {
		return Result{}, err
	}
	return Result{Limit: l.limit, Remaining: l.limit - int(n), ResetIn: ttl}, nil
}

// UsageMeter reports and records per-org usage. Metrics named "monthly*" are
// counted per calendar month; every other metric is a gauge set by the owner of
// the resource (seats, custom modules).
type UsageMeter struct {
	store Store
	now   func() time.Time
}

// NewUsageMeter creates a UsageMeter over store.
func NewUsageMeter(store Store) *UsageMeter {
	return &UsageMeter{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func periodic(metric string) bool {
	return strings.HasPrefix(metric, "monthly")
}

func (m *UsageMeter) key(orgID, metric string) string {
	metric = catalog.Canonical(metric)
	if periodic(metric) {
		return fmt.Sprintf("usage:%s:%s:%s", orgID, metric, m.now().Format("200601"))
	}
	return fmt.Sprintf("usage:%s:%s", orgID, metric)
}

// CurrentUsage returns the usage for metric in the current period.
func (m *UsageMeter) CurrentUsage(ctx context.Context, orgID, metric string) (int64, error) {
	return m.store.Get(ctx, m.key(orgID, metric))
}

// Record adds delta to a periodic metric and returns the new total.
func (m *UsageMeter) Record(ctx context.Context, orgID, metric string, delta int64) (int64, error) {
	if !periodic(catalog.Canonical(metric)) {
		return 0, fmt.Errorf("ratelimit: %s is not a periodic metric", metric)
	}
	// Outlives the longest month.
	n, _, err := m.store.Incr(ctx, m.key(orgID, metric), delta, 35*24*time.Hour)
	return n, err
}

// SetUsage overwrites a gauge metric.
func (m *UsageMeter) SetUsage(ctx context.Context, orgID, metric string, value int64) error {
	if periodic(catalog.Canonical(metric)) {
		return fmt.Errorf("ratelimit: %s is a periodic metric", metric)
	}
	return m.store.Set(ctx, m.key(orgID, metric), value, 0)
}
