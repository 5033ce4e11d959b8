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

const defaultPageSize = 200

// Mutator is the set of writes available inside one per-org transaction. Every
// Webhook Ingest event and every administrative grant runs against a Mutator so
// that either all of its changes land or none do.
type Mutator interface {
	// RecordEvent inserts the webhook event row. It reports false when the event id
	// was already recorded by a committed transaction.
	RecordEvent(ctx context.Context, rec models.WebhookEventRecord) (bool, error)
	// FinishEvent stores the outcome and affected grants of a recorded event.
	FinishEvent(ctx context.Context, eventID string, orgID *string, outcome models.EventOutcome, grantIDs []string) error

	// EnsureOrg creates the organization row when it does not exist yet.
	EnsureOrg(ctx context.Context, orgID string) error
	// LockOrg takes the per-org row lock. Returns models.ErrNotFound for unknown orgs.
	LockOrg(ctx context.Context, orgID string) error
	FindOrgBySubscription(ctx context.Context, providerSubscriptionID string) (string, error)
	FindOrgByCustomer(ctx context.Context, providerCustomerID string) (string, error)

	// Subscription returns nil when the org has none.
	Subscription(ctx context.Context, orgID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub models.Subscription) error

	ActiveGrants(ctx context.Context, orgID string, source models.Source) ([]models.Grant, error)
	// SupersedeSource retires every active grant of source for the org-or-user scope.
	SupersedeSource(ctx context.Context, orgID string, userID *string, source models.Source, at time.Time) ([]string, error)
	// InsertGrant supersedes the active grant of the same (org, user, flag, source)
	// tuple, if any, and inserts spec as its replacement.
	InsertGrant(ctx context.Context, spec models.GrantSpec) (models.Grant, error)
	// RevokeGrant supersedes a grant without a replacement.
	RevokeGrant(ctx context.Context, grantID string, at time.Time) (models.Grant, error)
}

// OrgState is everything the resolver reads for one org.
type OrgState struct {
	Org          models.Organization
	Grants       []models.Grant
	Subscription *models.Subscription
}

// Store provides database-backed accessors for entitlement data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Transact runs fn inside a single database transaction and commits when fn
// returns nil. Any error rolls back every statement fn issued.
func (s *Store) Transact(ctx context.Context, fn func(Mutator) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", models.ErrStoreUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicateEvent
		}
		return fmt.Errorf("%w: commit: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func stringOrNull(v *string) sql.NullString {
	if v == nil || *v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func timeOrNull(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
