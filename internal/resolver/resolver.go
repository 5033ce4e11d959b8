package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

// Reader loads the org state the resolver works from.
type Reader interface {
	LoadOrgState(ctx context.Context, orgID string, userID *string, now time.Time) (store.OrgState, error)
}

// Resolver reads org state and applies Compute.
type Resolver struct {
	reader  Reader
	catalog *catalog.Catalog
	now     func() time.Time
}

// New creates a Resolver.
func New(reader Reader, cat *catalog.Catalog) *Resolver {
	return &Resolver{reader: reader, catalog: cat, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Catalog returns the plan catalog the resolver uses.
func (r *Resolver) Catalog() *catalog.Catalog {
	return r.catalog
}

// Resolve returns the effective snapshot for orgID and, when set, userID. A missing
// org yields models.ErrNotFound; any other read failure yields
// models.ErrServiceUnavailable.
func (r *Resolver) Resolve(ctx context.Context, orgID string, userID *string) (models.Snapshot, error) {
	start := time.Now()
	defer func() {
		metrics.ResolveDuration.Observe(time.Since(start).Seconds())
	}()

	if userID != nil && *userID == "" {
		userID = nil
	}
	now := r.now()
	state, err := r.reader.LoadOrgState(ctx, orgID, userID, now)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Snapshot{}, fmt.Errorf("org %s: %w", orgID, models.ErrNotFound)
		}
		return models.Snapshot{}, fmt.Errorf("%w: %v", models.ErrServiceUnavailable, err)
	}

	res := Compute(Input{State: state, Catalog: r.catalog, UserID: userID, Now: now})
	for _, c := range res.Conflicts {
		metrics.PrecedenceConflicts.Inc()
		log.Error().
			Err(models.ErrPrecedenceConflict).
			Bool("alert", true).
			Str("org_id", orgID).
			Str("flag", c.Flag).
			Str("source", string(c.Source)).
			Str("winner", c.GrantID).
			Str("other", c.OtherID).
			Msg("resolver: conflicting grants with identical granted_at")
	}
	return res.Snapshot, nil
}
