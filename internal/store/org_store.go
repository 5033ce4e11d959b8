package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// LoadOrgState reads the org, its active grants (org-wide plus userID's, when set)
// and its subscription from one consistent read-only snapshot.
func (s *Store) LoadOrgState(ctx context.Context, orgID string, userID *string, now time.Time) (OrgState, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return OrgState{}, fmt.Errorf("%w: begin read tx: %v", models.ErrStoreUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var state OrgState
	err = tx.QueryRowContext(ctx,
		`SELECT id::text, name, created_at FROM organizations WHERE id = $1`, orgID,
	).Scan(&state.Org.ID, &state.Org.Name, &state.Org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OrgState{}, models.ErrNotFound
	}
	if err != nil {
		return OrgState{}, fmt.Errorf("%w: load org: %v", models.ErrStoreUnavailable, err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM entitlement_grants
WHERE org_id = $1
  AND superseded_at IS NULL
  AND inactive_at IS NULL
  AND (expires_at IS NULL OR expires_at > $2)
  AND (user_id IS NULL OR user_id = $3)
ORDER BY granted_at, id`, orgID, now, stringOrNull(userID))
	if err != nil {
		return OrgState{}, fmt.Errorf("%w: load grants: %v", models.ErrStoreUnavailable, err)
	}
	grants, err := scanGrants(rows)
	rows.Close()
	if err != nil {
		return OrgState{}, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	state.Grants = grants

	sub, err := loadSubscription(ctx, tx, orgID)
	if err != nil {
		return OrgState{}, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	state.Subscription = sub

	return state, nil
}

// CreateOrg inserts an organization. Creating an existing id is not an error.
func (s *Store) CreateOrg(ctx context.Context, orgID, name string) (models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRowContext(ctx, `
INSERT INTO organizations (id, name)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), organizations.name)
RETURNING id::text, name, created_at`, orgID, name).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return models.Organization{}, fmt.Errorf("store: create org: %w", err)
	}
	return org, nil
}

// ListGrants returns every grant of an org, newest first, including superseded
// history when includeHistory is set.
func (s *Store) ListGrants(ctx context.Context, orgID string, includeHistory bool, limit int) ([]models.Grant, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	query := `
SELECT ` + grantColumns + `
FROM entitlement_grants
WHERE org_id = $1 AND ($2 OR superseded_at IS NULL)
ORDER BY granted_at DESC, id
LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, orgID, includeHistory, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ExpireDueGrants marks grants whose expiry has passed as inactive and returns the
// distinct orgs touched.
func (s *Store) ExpireDueGrants(ctx context.Context, now time.Time) ([]string, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE entitlement_grants
SET inactive_at = $1
WHERE superseded_at IS NULL
  AND inactive_at IS NULL
  AND expires_at IS NOT NULL
  AND expires_at <= $1
RETURNING org_id::text`, now)
	if err != nil {
		return nil, 0, fmt.Errorf("store: expire grants: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var orgs []string
	var count int64
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, 0, fmt.Errorf("store: scan expired grant: %w", err)
		}
		count++
		if _, ok := seen[orgID]; ok {
			continue
		}
		seen[orgID] = struct{}{}
		orgs = append(orgs, orgID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterate expired grants: %w", err)
	}
	return orgs, count, nil
}

// WebhookEvent returns the recorded event, or models.ErrNotFound.
func (s *Store) WebhookEvent(ctx context.Context, eventID string) (models.WebhookEventRecord, error) {
	var (
		rec     models.WebhookEventRecord
		orgID   sql.NullString
		outcome string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT event_id, event_type, org_id::text, outcome, grant_ids, processed_at
FROM webhook_events
WHERE event_id = $1`, eventID).Scan(&rec.EventID, &rec.EventType, &orgID, &outcome, pq.Array(&rec.GrantIDs), &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WebhookEventRecord{}, models.ErrNotFound
	}
	if err != nil {
		return models.WebhookEventRecord{}, fmt.Errorf("store: load webhook event: %w", err)
	}
	rec.OrgID = nullStringPtr(orgID)
	rec.Outcome = models.EventOutcome(outcome)
	return rec, nil
}
