// Package storetest provides an in-memory implementation of the store contracts
// for tests that exercise ingest, checkout and resolution end to end.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

type state struct {
	orgs   map[string]models.Organization
	subs   map[string]models.Subscription
	grants []models.Grant
	events map[string]models.WebhookEventRecord
}

func (s *state) clone() *state {
	c := &state{
		orgs:   make(map[string]models.Organization, len(s.orgs)),
		subs:   make(map[string]models.Subscription, len(s.subs)),
		grants: append([]models.Grant(nil), s.grants...),
		events: make(map[string]models.WebhookEventRecord, len(s.events)),
	}
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// Memory is a serializable in-memory store. Each Transact works on a private copy
// that replaces the shared state only when fn succeeds.
type Memory struct {
	mu      sync.Mutex
	data    *state
	failErr error
	commits int
}

// New returns an empty Memory store.
func New() *Memory {
	return &Memory{data: &state{
		orgs:   map[string]models.Organization{},
		subs:   map[string]models.Subscription{},
		events: map[string]models.WebhookEventRecord{},
	}}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Commits reports how many transactions committed.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// AddOrg seeds an organization.
func (m *Memory) AddOrg(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.orgs[id] = models.Organization{ID: id, Name: name, CreatedAt: time.Now().UTC()}
}

// Transact implements the Postgres Store's transaction contract.
func (m *Memory) Transact(ctx context.Context, fn func(store.Mutator) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, m.failErr)
	}
	work := &memTx{s: m.data.clone()}
	if err := fn(work); err != nil {
		return err
	}
	m.data = work.s
	m.commits++
	return nil
}

// LoadOrgState mirrors Store.LoadOrgState.
func (m *Memory) LoadOrgState(ctx context.Context, orgID string, userID *string, now time.Time) (store.OrgState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return store.OrgState{}, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, m.failErr)
	}
	org, ok := m.data.orgs[orgID]
	if !ok {
		return store.OrgState{}, models.ErrNotFound
	}
	st := store.OrgState{Org: org}
	for _, g := range m.data.grants {
		if g.OrgID != orgID || g.SupersededAt != nil || g.InactiveAt != nil {
			continue
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			continue
		}
		if g.UserScoped() && (userID == nil || *g.UserID != *userID) {
			continue
		}
		st.Grants = append(st.Grants, g)
	}
	sort.SliceStable(st.Grants, func(i, j int) bool {
		if !st.Grants[i].GrantedAt.Equal(st.Grants[j].GrantedAt) {
			return st.Grants[i].GrantedAt.Before(st.Grants[j].GrantedAt)
		}
		return st.Grants[i].ID < st.Grants[j].ID
	})
	if sub, ok := m.data.subs[orgID]; ok {
		st.Subscription = &sub
	}
	return st, nil
}

// CreateOrg mirrors Store.CreateOrg.
func (m *Memory) CreateOrg(ctx context.Context, orgID, name string) (models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.data.orgs[orgID]
	if !ok {
		org = models.Organization{ID: orgID, CreatedAt: time.Now().UTC()}
	}
	if name != "" {
		org.Name = name
	}
	m.data.orgs[orgID] = org
	return org, nil
}

// ListGrants mirrors Store.ListGrants.
func (m *Memory) ListGrants(ctx context.Context, orgID string, includeHistory bool, limit int) ([]models.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Grant
	for i := len(m.data.grants) - 1; i >= 0; i-- {
		g := m.data.grants[i]
		if g.OrgID != orgID || (!includeHistory && g.SupersededAt != nil) {
			continue
		}
		out = append(out, g)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ExpireDueGrants mirrors Store.ExpireDueGrants.
func (m *Memory) ExpireDueGrants(ctx context.Context, now time.Time) ([]string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	var orgs []string
	var count int64
	for i := range m.data.grants {
		g := &m.data.grants[i]
		if g.SupersededAt != nil || g.InactiveAt != nil || g.ExpiresAt == nil || g.ExpiresAt.After(now) {
			continue
		}
		at := now
		g.InactiveAt = &at
		count++
		if _, ok := seen[g.OrgID]; !ok {
			seen[g.OrgID] = struct{}{}
			orgs = append(orgs, g.OrgID)
		}
	}
	return orgs, count, nil
}

// Grants returns every stored grant, including history.
func (m *Memory) Grants() []models.Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Grant(nil), m.data.grants...)
}

// Events returns the recorded webhook events.
func (m *Memory) Events() map[string]models.WebhookEventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.WebhookEventRecord, len(m.data.events))
	for k, v := range m.data.events {
		out[k] = v
	}
	return out
}

// Subscription returns the stored subscription for orgID.
func (m *Memory) Subscription(orgID string) (models.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.data.subs[orgID]
	return sub, ok
}

type memTx struct {
	s *state
}

var _ store.Mutator = (*memTx)(nil)

func (t *memTx) RecordEvent(ctx context.Context, rec models.WebhookEventRecord) (bool, error) {
	if _, ok := t.s.events[rec.EventID]; ok {
		return false, nil
	}
	t.s.events[rec.EventID] = rec
	return true, nil
}

func (t *memTx) FinishEvent(ctx context.Context, eventID string, orgID *string, outcome models.EventOutcome, grantIDs []string) error {
	rec, ok := t.s.events[eventID]
	if !ok {
		return fmt.Errorf("storetest: event %s not recorded", eventID)
	}
	rec.OrgID = orgID
	rec.Outcome = outcome
	rec.GrantIDs = append([]string(nil), grantIDs...)
	t.s.events[eventID] = rec
	return nil
}

func (t *memTx) EnsureOrg(ctx context.Context, orgID string) error {
	if _, ok := t.s.orgs[orgID]; !ok {
		t.s.orgs[orgID] = models.Organization{ID: orgID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (t *memTx) LockOrg(ctx context.Context, orgID string) error {
	if _, ok := t.s.orgs[orgID]; !ok {
		return models.ErrNotFound
	}
	return nil
}

func (t *memTx) FindOrgBySubscription(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	for org, sub := range t.s.subs {
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == id {
			return org, nil
		}
	}
	return "", nil
}

func (t *memTx) FindOrgByCustomer(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	for org, sub := range t.s.subs {
		if sub.ProviderCustomerID != nil && *sub.ProviderCustomerID == id {
			return org, nil
		}
	}
	return "", nil
}

func (t *memTx) Subscription(ctx context.Context, orgID string) (*models.Subscription, error) {
	sub, ok := t.s.subs[orgID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (t *memTx) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	if _, ok := t.s.orgs[sub.OrgID]; !ok {
		return fmt.Errorf("storetest: org %s does not exist", sub.OrgID)
	}
	t.s.subs[sub.OrgID] = sub
	return nil
}

func (t *memTx) ActiveGrants(ctx context.Context, orgID string, source models.Source) ([]models.Grant, error) {
	var out []models.Grant
	for _, g := range t.s.grants {
		if g.OrgID == orgID && g.Source == source && g.SupersededAt == nil {
			out = append(out, g)
		}
	}
	return out, nil
}

func sameScope(a, b *string) bool {
	av, bv := "", ""
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

func (t *memTx) SupersedeSource(ctx context.Context, orgID string, userID *string, source models.Source, at time.Time) ([]string, error) {
	var ids []string
	for i := range t.s.grants {
		g := &t.s.grants[i]
		if g.OrgID == orgID && g.Source == source && g.SupersededAt == nil && sameScope(g.UserID, userID) {
			ts := at
			g.SupersededAt = &ts
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

func (t *memTx) InsertGrant(ctx context.Context, spec models.GrantSpec) (models.Grant, error) {
	if !spec.Source.IsValid() {
		return models.Grant{}, fmt.Errorf("%w: invalid source %q", models.ErrValidationFailure, spec.Source)
	}
	if _, ok := t.s.orgs[spec.OrgID]; !ok {
		return models.Grant{}, fmt.Errorf("storetest: org %s does not exist", spec.OrgID)
	}
	if spec.GrantedAt.IsZero() {
		spec.GrantedAt = time.Now().UTC()
	}
	id := uuid.NewString()
	for i := range t.s.grants {
		g := &t.s.grants[i]
		if g.OrgID == spec.OrgID && g.Flag == spec.Flag && g.Source == spec.Source &&
			g.SupersededAt == nil && sameScope(g.UserID, spec.UserID) {
			at := spec.GrantedAt
			by := id
			g.SupersededAt = &at
			g.SupersededBy = &by
		}
	}
	g := models.Grant{
		ID:             id,
		OrgID:          spec.OrgID,
		UserID:         spec.UserID,
		Flag:           spec.Flag,
		Value:          spec.Value,
		Source:         spec.Source,
		GrantedAt:      spec.GrantedAt,
		ExpiresAt:      spec.ExpiresAt,
		IdempotencyKey: spec.IdempotencyKey,
	}
	t.s.grants = append(t.s.grants, g)
	return g, nil
}

func (t *memTx) RevokeGrant(ctx context.Context, grantID string, at time.Time) (models.Grant, error) {
	for i := range t.s.grants {
		g := &t.s.grants[i]
		if g.ID == grantID && g.SupersededAt == nil {
			ts := at
			g.SupersededAt = &ts
			return *g, nil
		}
	}
	return models.Grant{}, models.ErrNotFound
}
