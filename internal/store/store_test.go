package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

const testOrg = "6f1c8f7e-8d1a-4c55-9c43-0d2d6f1b9a10"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func TestNewStoreValidation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestRecordEventDetectsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	insert := regexp.QuoteMeta(`INSERT INTO webhook_events`)

	mock.ExpectBegin()
	mock.ExpectExec(insert).
		WithArgs("evt_1", "invoice.paid", "applied", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("evt_1", "invoice.paid", "applied", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Transact(context.Background(), func(m Mutator) error {
		rec := models.WebhookEventRecord{EventID: "evt_1", EventType: "invoice.paid", Outcome: models.OutcomeApplied, ProcessedAt: now}
		first, err := m.RecordEvent(context.Background(), rec)
		require.NoError(t, err)
		assert.True(t, first)

		second, err := m.RecordEvent(context.Background(), rec)
		require.NoError(t, err)
		assert.False(t, second)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEventTreatsUniqueViolationAsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO webhook_events`)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.Transact(context.Background(), func(m Mutator) error {
		ok, err := m.RecordEvent(context.Background(), models.WebhookEventRecord{EventID: "evt_2"})
		require.NoError(t, err)
		if !ok {
			return models.ErrDuplicateEvent
		}
		return nil
	})
	require.ErrorIs(t, err, models.ErrDuplicateEvent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id::text FROM organizations WHERE id = $1 FOR UPDATE`)).
		WithArgs(testOrg).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Transact(context.Background(), func(m Mutator) error {
		return m.LockOrg(context.Background(), testOrg)
	})
	require.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactBeginFailureIsStoreUnavailable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := s.Transact(context.Background(), func(Mutator) error { return nil })
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestInsertGrantSupersedesActiveTuple(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	user := "user-7"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entitlement_grants\s+SET superseded_at = \$5, superseded_by = \$6`).
		WithArgs(testOrg, "user-7", "maxSeats", "addon", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO entitlement_grants`)).
		WithArgs(sqlmock.AnyArg(), testOrg, "user-7", "maxSeats", "quota", int64(3), "addon", now, nil, "admin:42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var grant models.Grant
	err := s.Transact(context.Background(), func(m Mutator) error {
		var err error
		grant, err = m.InsertGrant(context.Background(), models.GrantSpec{
			OrgID:          testOrg,
			UserID:         &user,
			Flag:           "maxSeats",
			Value:          models.QuotaValue(3),
			Source:         models.SourceAddon,
			IdempotencyKey: "admin:42",
			GrantedAt:      now,
		})
		return err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, grant.ID)
	assert.Equal(t, int64(3), grant.Value.Quota)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertGrantRejectsUnknownSource(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.Transact(context.Background(), func(m Mutator) error {
		_, err := m.InsertGrant(context.Background(), models.GrantSpec{OrgID: testOrg, Flag: "x", Source: "gift"})
		return err
	})
	require.ErrorIs(t, err, models.ErrValidationFailure)
}

func TestSupersedeSourceReturnsIDs(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE entitlement_grants\s+SET superseded_at = \$4`).
		WithArgs(testOrg, "", "plan", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("g1").AddRow("g2"))
	mock.ExpectCommit()

	err := s.Transact(context.Background(), func(m Mutator) error {
		ids, err := m.SupersedeSource(context.Background(), testOrg, nil, models.SourcePlan, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"g1", "g2"}, ids)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func grantRowColumns() []string {
	return []string{"id", "org_id", "user_id", "flag", "kind", "value", "source", "granted_at",
		"expires_at", "idempotency_key", "superseded_at", "superseded_by", "inactive_at"}
}

func TestLoadOrgState(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	granted := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id::text, name, created_at FROM organizations WHERE id = $1`)).
		WithArgs(testOrg).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).AddRow(testOrg, "Acme", granted))
	mock.ExpectQuery(`FROM entitlement_grants\s+WHERE org_id = \$1\s+AND superseded_at IS NULL`).
		WithArgs(testOrg, now, nil).
		WillReturnRows(sqlmock.NewRows(grantRowColumns()).
			AddRow("g1", testOrg, nil, "canExportPDF", "bool", int64(1), "plan", granted, nil, "evt_1", nil, nil, nil).
			AddRow("g2", testOrg, nil, "maxSeats", "quota", int64(10), "plan", granted, nil, "evt_1", nil, nil, nil))
	mock.ExpectQuery(`FROM subscriptions WHERE org_id = \$1`).
		WithArgs(testOrg).
		WillReturnRows(sqlmock.NewRows([]string{"org_id", "provider_customer_id", "provider_subscription_id", "plan_code",
			"billing_cycle", "status", "current_period_end", "trial_end", "last_event_at", "updated_at"}).
			AddRow(testOrg, "cus_1", "sub_1", "pro", "monthly", "active", now.Add(720*time.Hour), nil, granted, granted))
	mock.ExpectRollback()

	state, err := s.LoadOrgState(context.Background(), testOrg, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "Acme", state.Org.Name)
	require.Len(t, state.Grants, 2)
	assert.True(t, state.Grants[0].Value.Bool)
	assert.Equal(t, int64(10), state.Grants[1].Value.Quota)
	require.NotNil(t, state.Subscription)
	assert.Equal(t, models.StatusActive, state.Subscription.Status)
	assert.Equal(t, "sub_1", *state.Subscription.ProviderSubscriptionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadOrgStateMissingOrg(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM organizations`).WithArgs(testOrg).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.LoadOrgState(context.Background(), testOrg, nil, time.Now())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestLoadOrgStateQueryFailureIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM organizations`).WithArgs(testOrg).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := s.LoadOrgState(context.Background(), testOrg, nil, time.Now())
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestExpireDueGrantsDedupesOrgs(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE entitlement_grants\s+SET inactive_at = \$1`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow("a").AddRow("b").AddRow("a"))

	orgs, count, err := s.ExpireDueGrants(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, orgs)
	assert.Equal(t, int64(3), count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeGrantNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE entitlement_grants\s+SET superseded_at = \$2`).
		WithArgs("g1", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Transact(context.Background(), func(m Mutator) error {
		_, err := m.RevokeGrant(context.Background(), "g1", now)
		return err
	})
	require.ErrorIs(t, err, models.ErrNotFound)
}
