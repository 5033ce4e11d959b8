// Package grants holds the supersession steps shared by webhook ingest, checkout
// and administrative actions, so every path that changes plan or trial grants
// produces the same rows.
package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

// Change lists the grant ids a mutation touched.
type Change struct {
	Superseded []string
	Inserted   []string
}

// IDs returns every touched grant id, superseded first.
func (c Change) IDs() []string {
	out := make([]string, 0, len(c.Superseded)+len(c.Inserted))
	out = append(out, c.Superseded...)
	return append(out, c.Inserted...)
}

// Merge appends other to c.
func (c *Change) Merge(other Change) {
	c.Superseded = append(c.Superseded, other.Superseded...)
	c.Inserted = append(c.Inserted, other.Inserted...)
}

// ApplyPlan retires every active plan grant of the org and inserts plan's defaults.
// expiresAt bounds the new grants (trial end while trialing); nil means permanent.
func ApplyPlan(ctx context.Context, m store.Mutator, orgID string, plan catalog.Plan, key string, expiresAt *time.Time, now time.Time) (Change, error) {
	var change Change

	superseded, err := m.SupersedeSource(ctx, orgID, nil, models.SourcePlan, now)
	if err != nil {
		return Change{}, err
	}
	change.Superseded = superseded

	for _, spec := range plan.Grants(orgID) {
		spec.IdempotencyKey = key
		spec.GrantedAt = now
		spec.ExpiresAt = expiresAt
		g, err := m.InsertGrant(ctx, spec)
		if err != nil {
			return Change{}, fmt.Errorf("apply plan %s: %w", plan.Code, err)
		}
		change.Inserted = append(change.Inserted, g.ID)
	}
	return change, nil
}

// StartTrial inserts the trial-only watermark grant, bounded by trialEnd.
func StartTrial(ctx context.Context, m store.Mutator, orgID, key string, trialEnd time.Time, now time.Time) (Change, error) {
	end := trialEnd
	g, err := m.InsertGrant(ctx, models.GrantSpec{
		OrgID:          orgID,
		Flag:           catalog.FlagWatermark,
		Value:          models.BoolValue(true),
		Source:         models.SourceTrial,
		ExpiresAt:      &end,
		IdempotencyKey: key,
		GrantedAt:      now,
	})
	if err != nil {
		return Change{}, fmt.Errorf("start trial: %w", err)
	}
	return Change{Inserted: []string{g.ID}}, nil
}

// EndTrial supersedes every trial grant of the org, which suppresses the watermark.
func EndTrial(ctx context.Context, m store.Mutator, orgID string, now time.Time) (Change, error) {
	ids, err := m.SupersedeSource(ctx, orgID, nil, models.SourceTrial, now)
	if err != nil {
		return Change{}, fmt.Errorf("end trial: %w", err)
	}
	return Change{Superseded: ids}, nil
}

// PlanGrantsMatch reports whether the org's active plan grants already equal the
// permanent defaults of plan.
func PlanGrantsMatch(ctx context.Context, m store.Mutator, orgID string, plan catalog.Plan) (bool, error) {
	active, err := m.ActiveGrants(ctx, orgID, models.SourcePlan)
	if err != nil {
		return false, err
	}
	if len(active) != len(plan.Defaults) {
		return false, nil
	}
	byFlag := make(map[string]models.Grant, len(active))
	for _, g := range active {
		if g.UserScoped() || g.ExpiresAt != nil {
			return false, nil
		}
		byFlag[g.Flag] = g
	}
	for _, d := range plan.Defaults {
		g, ok := byFlag[d.Flag]
		if !ok || g.Value != d.Value {
			return false, nil
		}
	}
	return true, nil
}
