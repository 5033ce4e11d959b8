package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

const grantColumns = `id::text, org_id::text, user_id, flag, kind, value, source, granted_at,
       expires_at, idempotency_key, superseded_at, superseded_by::text, inactive_at`

const subscriptionColumns = `org_id::text, provider_customer_id, provider_subscription_id, plan_code,
       billing_cycle, status, current_period_end, trial_end, last_event_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// pgTx implements Mutator over a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

var _ Mutator = (*pgTx)(nil)

func (t *pgTx) RecordEvent(ctx context.Context, rec models.WebhookEventRecord) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO webhook_events (event_id, event_type, outcome, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.EventType, string(rec.Outcome), rec.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: record webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record webhook event rows: %w", err)
	}
	return affected == 1, nil
}

func (t *pgTx) FinishEvent(ctx context.Context, eventID string, orgID *string, outcome models.EventOutcome, grantIDs []string) error {
	if grantIDs == nil {
		grantIDs = []string{}
	}
	_, err := t.tx.ExecContext(ctx, `
UPDATE webhook_events
SET org_id = $2, outcome = $3, grant_ids = $4
WHERE event_id = $1`,
		eventID, stringOrNull(orgID), string(outcome), pq.Array(grantIDs))
	if err != nil {
		return fmt.Errorf("store: finish webhook event: %w", err)
	}
	return nil
}

func (t *pgTx) EnsureOrg(ctx context.Context, orgID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO organizations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, orgID)
	if err != nil {
		return fmt.Errorf("store: ensure org: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrg(ctx context.Context, orgID string) error {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id::text FROM organizations WHERE id = $1 FOR UPDATE`, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock org: %w", err)
	}
	return nil
}

func (t *pgTx) FindOrgBySubscription(ctx context.Context, providerSubscriptionID string) (string, error) {
	return t.findOrg(ctx, `SELECT org_id::text FROM subscriptions WHERE provider_subscription_id = $1`, providerSubscriptionID)
}

func (t *pgTx) FindOrgByCustomer(ctx context.Context, providerCustomerID string) (string, error) {
	return t.findOrg(ctx, `SELECT org_id::text FROM subscriptions WHERE provider_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`, providerCustomerID)
}

func (t *pgTx) findOrg(ctx context.Context, query, arg string) (string, error) {
	if arg == "" {
		return "", nil
	}
	var orgID string
	err := t.tx.QueryRowContext(ctx, query, arg).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: find org: %w", err)
	}
	return orgID, nil
}

func (t *pgTx) Subscription(ctx context.Context, orgID string) (*models.Subscription, error) {
	return loadSubscription(ctx, t.tx, orgID)
}

func (t *pgTx) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO subscriptions (org_id, provider_customer_id, provider_subscription_id, plan_code,
                           billing_cycle, status, current_period_end, trial_end, last_event_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (org_id) DO UPDATE SET
    provider_customer_id = EXCLUDED.provider_customer_id,
    provider_subscription_id = EXCLUDED.provider_subscription_id,
    plan_code = EXCLUDED.plan_code,
    billing_cycle = EXCLUDED.billing_cycle,
    status = EXCLUDED.status,
    current_period_end = EXCLUDED.current_period_end,
    trial_end = EXCLUDED.trial_end,
    last_event_at = EXCLUDED.last_event_at,
    updated_at = EXCLUDED.updated_at`,
		sub.OrgID,
		stringOrNull(sub.ProviderCustomerID),
		stringOrNull(sub.ProviderSubscriptionID),
		sub.PlanCode,
		string(sub.BillingCycle),
		string(sub.Status),
		timeOrNull(sub.CurrentPeriodEnd),
		timeOrNull(sub.TrialEnd),
		timeOrNull(sub.LastEventAt),
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert subscription: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveGrants(ctx context.Context, orgID string, source models.Source) ([]models.Grant, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM entitlement_grants
WHERE org_id = $1 AND source = $2 AND superseded_at IS NULL
ORDER BY granted_at, id`, orgID, string(source))
	if err != nil {
		return nil, fmt.Errorf("store: list active grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

func (t *pgTx) SupersedeSource(ctx context.Context, orgID string, userID *string, source models.Source, at time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
UPDATE entitlement_grants
SET superseded_at = $4
WHERE org_id = $1 AND COALESCE(user_id, '') = $2 AND source = $3 AND superseded_at IS NULL
RETURNING id::text`, orgID, derefOrEmpty(userID), string(source), at)
	if err != nil {
		return nil, fmt.Errorf("store: supersede %s grants: %w", source, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan superseded id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate superseded ids: %w", err)
	}
	return ids, nil
}

func (t *pgTx) InsertGrant(ctx context.Context, spec models.GrantSpec) (models.Grant, error) {
	if !spec.Source.IsValid() {
		return models.Grant{}, fmt.Errorf("%w: invalid source %q", models.ErrValidationFailure, spec.Source)
	}
	if spec.GrantedAt.IsZero() {
		spec.GrantedAt = time.Now().UTC()
	}
	id := uuid.NewString()

	if _, err := t.tx.ExecContext(ctx, `
UPDATE entitlement_grants
SET superseded_at = $5, superseded_by = $6
WHERE org_id = $1 AND COALESCE(user_id, '') = $2 AND flag = $3 AND source = $4 AND superseded_at IS NULL`,
		spec.OrgID, derefOrEmpty(spec.UserID), spec.Flag, string(spec.Source), spec.GrantedAt, id); err != nil {
		return models.Grant{}, fmt.Errorf("store: supersede grant: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO entitlement_grants (id, org_id, user_id, flag, kind, value, source, granted_at, expires_at, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id,
		spec.OrgID,
		stringOrNull(spec.UserID),
		spec.Flag,
		string(spec.Value.Kind),
		spec.Value.Int64(),
		string(spec.Source),
		spec.GrantedAt,
		timeOrNull(spec.ExpiresAt),
		spec.IdempotencyKey,
	); err != nil {
		return models.Grant{}, fmt.Errorf("store: insert grant: %w", err)
	}

	return models.Grant{
		ID:             id,
		OrgID:          spec.OrgID,
		UserID:         spec.UserID,
		Flag:           spec.Flag,
		Value:          spec.Value,
		Source:         spec.Source,
		GrantedAt:      spec.GrantedAt,
		ExpiresAt:      spec.ExpiresAt,
		IdempotencyKey: spec.IdempotencyKey,
	}, nil
}

func (t *pgTx) RevokeGrant(ctx context.Context, grantID string, at time.Time) (models.Grant, error) {
	row := t.tx.QueryRowContext(ctx, `
UPDATE entitlement_grants
SET superseded_at = $2
WHERE id = $1 AND superseded_at IS NULL
RETURNING `+grantColumns, grantID, at)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Grant{}, models.ErrNotFound
	}
	if err != nil {
		return models.Grant{}, fmt.Errorf("store: revoke grant: %w", err)
	}
	return g, nil
}

func loadSubscription(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, orgID string) (*models.Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE org_id = $1`, orgID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub                 models.Subscription
		customerID, subID   sql.NullString
		cycle, status       string
		periodEnd, trialEnd sql.NullTime
		lastEventAt         sql.NullTime
	)
	if err := row.Scan(&sub.OrgID, &customerID, &subID, &sub.PlanCode, &cycle, &status,
		&periodEnd, &trialEnd, &lastEventAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.ProviderCustomerID = nullStringPtr(customerID)
	sub.ProviderSubscriptionID = nullStringPtr(subID)
	sub.BillingCycle = models.BillingCycle(cycle)
	sub.Status = models.SubscriptionStatus(status)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.TrialEnd = nullTimePtr(trialEnd)
	sub.LastEventAt = nullTimePtr(lastEventAt)
	return &sub, nil
}

func scanGrant(row rowScanner) (models.Grant, error) {
	var (
		g                       models.Grant
		userID, supersededBy    sql.NullString
		kind, source            string
		raw                     int64
		expiresAt, supersededAt sql.NullTime
		inactiveAt              sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.OrgID, &userID, &g.Flag, &kind, &raw, &source, &g.GrantedAt,
		&expiresAt, &g.IdempotencyKey, &supersededAt, &supersededBy, &inactiveAt); err != nil {
		return models.Grant{}, err
	}
	value, err := models.ValueFromColumns(kind, raw)
	if err != nil {
		return models.Grant{}, err
	}
	g.Value = value
	g.UserID = nullStringPtr(userID)
	g.Source = models.Source(source)
	g.ExpiresAt = nullTimePtr(expiresAt)
	g.SupersededAt = nullTimePtr(supersededAt)
	g.SupersededBy = nullStringPtr(supersededBy)
	g.InactiveAt = nullTimePtr(inactiveAt)
	return g, nil
}

func scanGrants(rows *sql.Rows) ([]models.Grant, error) {
	var grants []models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate grants: %w", err)
	}
	return grants, nil
}

func derefOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
