// Package gate answers allow/deny questions for protected operations from the
// resolved entitlement snapshot, with a short-lived per-process cache in front of
// the resolver.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// Reason explains a decision. Raw errors never reach callers.
type Reason string

const (
	ReasonGranted       Reason = "granted"
	ReasonNotEntitled   Reason = "not_entitled"
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonUnavailable   Reason = "unavailable"
	ReasonFailOpen      Reason = "fail_open_non_critical"
	ReasonOrgNotFound   Reason = "org_not_found"
)

// Decision is the answer to one check.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Flag       string `json:"flag"`
	Reason     Reason `json:"reason"`
	UpsellPlan string `json:"upsellPlan,omitempty"`
	Usage      *int64 `json:"usage,omitempty"`
	Limit      *int64 `json:"limit,omitempty"`
}

// SnapshotResolver produces the effective snapshot for an org and optional user.
type SnapshotResolver interface {
	Resolve(ctx context.Context, orgID string, userID *string) (models.Snapshot, error)
}

// UsageMeter reports current consumption of a quota metric.
type UsageMeter interface {
	CurrentUsage(ctx context.Context, orgID, metric string) (int64, error)
}

// Config tunes the gate.
type Config struct {
	// CacheTTL bounds how long a snapshot is reused. Zero disables caching.
	CacheTTL time.Duration
	// Timeout bounds how long a check waits for resolution or usage.
	Timeout time.Duration
	// NonCritical flags are allowed when resolution fails or times out.
	NonCritical []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Second, Timeout: 750 * time.Millisecond}
}

type entry struct {
	snapshot models.Snapshot
	expires  time.Time
}

const maxEntries = 10000

// Gate evaluates flags and quotas.
type Gate struct {
	resolver    SnapshotResolver
	catalog     *catalog.Catalog
	meter       UsageMeter
	cfg         Config
	nonCritical map[string]struct{}
	now         func() time.Time

	mu         sync.Mutex
	entries    map[string]entry
	generation map[string]uint64
	group      singleflight.Group
}

// New creates a Gate. meter may be nil, in which case quota checks with a finite
// limit fail closed.
func New(resolver SnapshotResolver, cat *catalog.Catalog, meter UsageMeter, cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	nc := make(map[string]struct{}, len(cfg.NonCritical))
	for _, f := range cfg.NonCritical {
		nc[catalog.Canonical(f)] = struct{}{}
	}
	return &Gate{
		resolver:    resolver,
		catalog:     cat,
		meter:       meter,
		cfg:         cfg,
		nonCritical: nc,
		now:         time.Now,
		entries:     make(map[string]entry),
		generation:  make(map[string]uint64),
	}
}

func cacheKey(orgID string, userID *string) string {
	if userID == nil {
		return orgID + "|"
	}
	return orgID + "|" + *userID
}

// Invalidate drops every cached snapshot of orgID, for all users, and makes any
// resolution already in flight for it uncacheable.
func (g *Gate) Invalidate(orgID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation[orgID]++
	prefix := orgID + "|"
	for k := range g.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(g.entries, k)
		}
	}
}

// InvalidateOrg lets the gate subscribe to invalidation fan-out.
func (g *Gate) InvalidateOrg(_ context.Context, orgID string) {
	g.Invalidate(orgID)
}

func (g *Gate) lookup(key, orgID string) (models.Snapshot, uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.generation[orgID]
	e, ok := g.entries[key]
	if !ok {
		return models.Snapshot{}, gen, false
	}
	if !g.now().Before(e.expires) {
		delete(g.entries, key)
		return models.Snapshot{}, gen, false
	}
	return e.snapshot, gen, true
}

func (g *Gate) store(key, orgID string, gen uint64, snap models.Snapshot) {
	if g.cfg.CacheTTL <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation[orgID] != gen {
		return
	}
	now := g.now()
	if len(g.entries) >= maxEntries {
		for k, e := range g.entries {
			if !now.Before(e.expires) {
				delete(g.entries, k)
			}
		}
	}
	expires := now.Add(g.cfg.CacheTTL)
	if snap.NextExpiry != nil && snap.NextExpiry.Before(expires) {
		expires = *snap.NextExpiry
	}
	g.entries[key] = entry{snapshot: snap, expires: expires}
}

// Snapshot returns the cached or freshly resolved snapshot. A miss blocks for at
// most the configured timeout; concurrent misses for the same key share one
// resolution.
func (g *Gate) Snapshot(ctx context.Context, orgID string, userID *string) (models.Snapshot, error) {
	if userID != nil && *userID == "" {
		userID = nil
	}
	key := cacheKey(orgID, userID)
	snap, gen, ok := g.lookup(key, orgID)
	if ok {
		metrics.GateCache.WithLabelValues("hit").Inc()
		return snap, nil
	}
	metrics.GateCache.WithLabelValues("miss").Inc()

	flight := fmt.Sprintf("%s#%d", key, gen)
	ch := g.group.DoChan(flight, func() (any, error) {
		// Detached so a caller that gives up does not cancel the shared resolution.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 4*g.cfg.Timeout)
		defer cancel()
		snap, err := g.resolver.Resolve(rctx, orgID, userID)
		if err != nil {
			return models.Snapshot{}, err
		}
		g.store(key, orgID, gen, snap)
		return snap, nil
	})

	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Snapshot{}, res.Err
		}
		return res.Val.(models.Snapshot), nil
	case <-timer.C:
		return models.Snapshot{}, fmt.Errorf("%w: resolution timed out", models.ErrServiceUnavailable)
	case <-ctx.Done():
		return models.Snapshot{}, fmt.Errorf("%w: %v", models.ErrServiceUnavailable, ctx.Err())
	}
}

func (g *Gate) isNonCritical(flag string) bool {
	_, ok := g.nonCritical[flag]
	return ok
}

func (g *Gate) record(orgID string, d Decision) Decision {
	metrics.GateDecisions.WithLabelValues(d.Flag, string(d.Reason)).Inc()
	if !d.Allowed {
		log.Debug().
			Str("org_id", orgID).
			Str("flag", d.Flag).
			Str("reason", string(d.Reason)).
			Str("upsell", d.UpsellPlan).
			Msg("gate: denied")
	}
	return d
}

func (g *Gate) upsellFlag(flag string) string {
	if g.catalog == nil {
		return ""
	}
	if p, ok := g.catalog.CheapestWithFlag(flag); ok {
		return p.Code
	}
	return ""
}

func (g *Gate) upsellQuota(metric string, usage int64) string {
	if g.catalog == nil {
		return ""
	}
	if p, ok := g.catalog.CheapestWithQuota(metric, usage); ok {
		return p.Code
	}
	return ""
}

// failure turns a resolution error into a decision.
func (g *Gate) failure(flag string, err error) Decision {
	if errors.Is(err, models.ErrNotFound) {
		return Decision{Flag: flag, Reason: ReasonOrgNotFound}
	}
	if g.isNonCritical(flag) {
		return Decision{Allowed: true, Flag: flag, Reason: ReasonFailOpen}
	}
	return Decision{Flag: flag, Reason: ReasonUnavailable}
}

// Check evaluates a boolean flag. Quota names are evaluated as CheckQuota.
func (g *Gate) Check(ctx context.Context, orgID string, userID *string, flag string) Decision {
	flag = catalog.Canonical(flag)
	if catalog.IsQuota(flag) {
		return g.CheckQuota(ctx, orgID, userID, flag)
	}

	snap, err := g.Snapshot(ctx, orgID, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Str("org_id", orgID).Str("flag", flag).Msg("gate: resolution failed")
		}
		return g.record(orgID, g.failure(flag, err))
	}
	if snap.Flag(flag) {
		return g.record(orgID, Decision{Allowed: true, Flag: flag, Reason: ReasonGranted})
	}
	return g.record(orgID, Decision{Flag: flag, Reason: ReasonNotEntitled, UpsellPlan: g.upsellFlag(flag)})
}

// CheckQuota denies when current usage has reached the resolved quota.
func (g *Gate) CheckQuota(ctx context.Context, orgID string, userID *string, metric string) Decision {
	metric = catalog.Canonical(metric)

	snap, err := g.Snapshot(ctx, orgID, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Warn().Err(err).Str("org_id", orgID).Str("metric", metric).Msg("gate: resolution failed")
		}
		return g.record(orgID, g.failure(metric, err))
	}

	limit, ok := snap.Quota(metric)
	if !ok {
		return g.record(orgID, Decision{Flag: metric, Reason: ReasonNotEntitled, UpsellPlan: g.upsellQuota(metric, 0)})
	}
	if limit == models.Unlimited {
		return g.record(orgID, Decision{Allowed: true, Flag: metric, Reason: ReasonGranted, Limit: &limit})
	}
	if g.meter == nil {
		return g.record(orgID, g.failure(metric, errors.New("no usage meter")))
	}

	uctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	usage, err := g.meter.CurrentUsage(uctx, orgID, metric)
	if err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Str("metric", metric).Msg("gate: usage lookup failed")
		return g.record(orgID, Decision{Flag: metric, Reason: ReasonUnavailable, Limit: &limit})
	}

	d := Decision{Flag: metric, Usage: &usage, Limit: &limit}
	if usage >= limit {
		d.Reason = ReasonQuotaExceeded
		d.UpsellPlan = g.upsellQuota(metric, usage)
		return g.record(orgID, d)
	}
	d.Allowed = true
	d.Reason = ReasonGranted
	return g.record(orgID, d)
}
