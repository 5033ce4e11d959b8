// Package ingest applies verified billing provider events to the entitlement store.
// Every event runs in one per-org transaction together with its dedupe record, so
// a delivery either lands completely or not at all.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/events"
	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/invalidation"
	"github.com/PortNumber53/entitlement-engine/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

// Transactor runs fn inside one store transaction.
type Transactor interface {
	Transact(ctx context.Context, fn func(store.Mutator) error) error
}

// Verifier checks a payload signature and parses the provider event.
type Verifier interface {
	VerifyEvent(payload []byte, sigHeader string) (stripelib.Event, error)
}

// Result describes what happened to one delivery.
type Result struct {
	EventID   string
	Type      string
	OrgID     string
	Outcome   models.EventOutcome
	Duplicate bool
	GrantIDs  []string
}

// Service is Webhook Ingest.
type Service struct {
	store       Transactor
	verifier    Verifier
	catalog     *catalog.Catalog
	invalidator invalidation.Invalidator
	now         func() time.Time
}

// NewService wires the ingest pipeline. invalidator may be nil.
func NewService(st Transactor, verifier Verifier, cat *catalog.Catalog, invalidator invalidation.Invalidator) *Service {
	return &Service{
		store:       st,
		verifier:    verifier,
		catalog:     cat,
		invalidator: invalidator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for grant timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Handle verifies, decodes and applies one raw delivery.
//
// Returned errors are models.ErrAuthenticationFailure (reject, no mutation),
// models.ErrDuplicateEvent (already processed) or a store failure the provider
// should retry. Malformed and uncorrelatable events are recorded as invalid and
// return a nil error.
func (s *Service) Handle(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	raw, err := s.verifier.VerifyEvent(payload, sigHeader)
	if err != nil {
		return Result{}, err
	}
	ev, err := events.Decode(raw, s.catalog)
	if err != nil {
		return s.recordInvalid(ctx, raw.ID, string(raw.Type), err)
	}
	return s.Process(ctx, ev)
}

func (s *Service) recordInvalid(ctx context.Context, eventID, eventType string, cause error) (Result, error) {
	res := Result{EventID: eventID, Type: eventType, Outcome: models.OutcomeInvalid}
	alertInvalid(eventID, eventType, cause)
	if eventID == "" {
		return res, nil
	}
	err := s.store.Transact(ctx, func(m store.Mutator) error {
		inserted, err := m.RecordEvent(ctx, models.WebhookEventRecord{
			EventID:     eventID,
			EventType:   eventType,
			Outcome:     models.OutcomeInvalid,
			ProcessedAt: s.now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return models.ErrDuplicateEvent
		}
		return nil
	})
	return s.finish(ctx, res, err)
}

func alertInvalid(eventID, eventType string, cause error) {
	log.Error().
		Err(cause).
		Bool("alert", true).
		Str("event_id", eventID).
		Str("type", eventType).
		Msg("ingest: invalid event")
}

// Process applies a decoded event.
func (s *Service) Process(ctx context.Context, ev events.Event) (Result, error) {
	res := Result{EventID: ev.EventID(), Type: ev.Type()}
	now := s.now()

	err := s.store.Transact(ctx, func(m store.Mutator) error {
		res.OrgID, res.Outcome, res.GrantIDs = "", "", nil

		inserted, err := m.RecordEvent(ctx, models.WebhookEventRecord{
			EventID:     ev.EventID(),
			EventType:   ev.Type(),
			Outcome:     models.OutcomeApplied,
			ProcessedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return models.ErrDuplicateEvent
		}

		a := &apply{m: m, cat: s.catalog, ev: ev, now: now}
		outcome, err := a.run(ctx)
		if err != nil {
			return err
		}
		if outcome == models.OutcomeInvalid {
			alertInvalid(ev.EventID(), ev.Type(), a.invalid)
		}

		var orgPtr *string
		if a.orgID != "" {
			orgPtr = &a.orgID
		}
		ids := a.change.IDs()
		if err := m.FinishEvent(ctx, ev.EventID(), orgPtr, outcome, ids); err != nil {
			return err
		}
		res.OrgID, res.Outcome, res.GrantIDs = a.orgID, outcome, ids
		return nil
	})
	return s.finish(ctx, res, err)
}

func (s *Service) finish(ctx context.Context, res Result, err error) (Result, error) {
	if errors.Is(err, models.ErrDuplicateEvent) {
		res.Duplicate = true
		res.Outcome = ""
		metrics.WebhookOutcomes.WithLabelValues("duplicate").Inc()
		log.Info().Str("event_id", res.EventID).Str("type", res.Type).Msg("ingest: duplicate event")
		return res, models.ErrDuplicateEvent
	}
	if err != nil {
		log.Error().Err(err).Str("event_id", res.EventID).Str("type", res.Type).Msg("ingest: transaction failed")
		if !errors.Is(err, models.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		return Result{EventID: res.EventID, Type: res.Type}, err
	}

	metrics.WebhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	log.Info().
		Str("event_id", res.EventID).
		Str("type", res.Type).
		Str("org_id", res.OrgID).
		Str("outcome", string(res.Outcome)).
		Int("grants", len(res.GrantIDs)).
		Msg("ingest: event processed")

	if res.Outcome == models.OutcomeApplied && res.OrgID != "" && s.invalidator != nil {
		s.invalidator.InvalidateOrg(ctx, res.OrgID)
	}
	return res, nil
}

// apply holds the state of one event inside its transaction.
type apply struct {
	m   store.Mutator
	cat *catalog.Catalog
	ev  events.Event
	now time.Time

	orgID   string
	change  grants.Change
	invalid error
}

func (a *apply) reject(format string, args ...any) (models.EventOutcome, error) {
	a.invalid = fmt.Errorf("%w: "+format, append([]any{models.ErrValidationFailure}, args...)...)
	return models.OutcomeInvalid, nil
}

func (a *apply) run(ctx context.Context) (models.EventOutcome, error) {
	if _, ok := a.ev.(events.Unhandled); ok {
		log.Debug().Str("event_id", a.ev.EventID()).Str("type", a.ev.Type()).Msg("ingest: unhandled event type")
		return models.OutcomeIgnored, nil
	}

	if cc, ok := a.ev.(events.CheckoutCompleted); ok {
		if _, known := a.cat.Get(cc.PlanCode); !known {
			return a.reject("checkout %s names unknown plan %q", cc.SessionID, cc.PlanCode)
		}
	}

	orgID, err := a.correlate(ctx)
	if err != nil {
		if errors.Is(err, models.ErrValidationFailure) {
			a.invalid = err
			return models.OutcomeInvalid, nil
		}
		return "", err
	}
	a.orgID = orgID

	sub, err := a.m.Subscription(ctx, orgID)
	if err != nil {
		return "", err
	}
	if sub != nil && sub.LastEventAt != nil && a.ev.Created().Before(*sub.LastEventAt) {
		log.Info().
			Str("event_id", a.ev.EventID()).
			Str("org_id", orgID).
			Time("created", a.ev.Created()).
			Time("last_event_at", *sub.LastEventAt).
			Msg("ingest: stale event skipped")
		return models.OutcomeStale, nil
	}
	if a.replaced(sub) {
		log.Info().
			Str("event_id", a.ev.EventID()).
			Str("org_id", orgID).
			Str("subscription_id", a.ev.Reference().SubscriptionID).
			Str("current_subscription_id", *sub.ProviderSubscriptionID).
			Msg("ingest: event for a replaced subscription skipped")
		return models.OutcomeStale, nil
	}

	switch ev := a.ev.(type) {
	case events.CheckoutCompleted:
		return a.checkoutCompleted(ctx, ev, sub)
	case events.InvoicePaid:
		return a.invoicePaid(ctx, ev, sub)
	case events.InvoicePaymentFailed:
		return a.invoicePaymentFailed(ctx, ev, sub)
	case events.SubscriptionUpdated:
		return a.subscriptionUpdated(ctx, ev, sub)
	case events.SubscriptionDeleted:
		return a.subscriptionDeleted(ctx, sub)
	case events.TrialWillEnd:
		log.Info().Str("org_id", orgID).Str("event_id", ev.EventID()).Msg("ingest: trial ending soon")
		return models.OutcomeIgnored, nil
	case events.Unhandled:
		return models.OutcomeIgnored, nil
	}
	return "", fmt.Errorf("ingest: no handler for %T", a.ev)
}

// replaced reports whether the event belongs to a provider subscription other than
// the org's live one. A checkout completion starts the new subscription, and once
// the current one is canceled any other subscription may take its place.
func (a *apply) replaced(sub *models.Subscription) bool {
	if _, ok := a.ev.(events.CheckoutCompleted); ok {
		return false
	}
	id := a.ev.Reference().SubscriptionID
	if sub == nil || sub.ProviderSubscriptionID == nil || id == "" {
		return false
	}
	return id != *sub.ProviderSubscriptionID && sub.Status != models.StatusCanceled
}

// correlate finds and locks the org an event belongs to: metadata org id first,
// then the provider subscription id, then the provider customer id.
func (a *apply) correlate(ctx context.Context) (string, error) {
	ref := a.ev.Reference()

	if ref.OrgID != "" {
		if _, err := uuid.Parse(ref.OrgID); err != nil {
			return "", fmt.Errorf("%w: org id %q is not a uuid", models.ErrValidationFailure, ref.OrgID)
		}
		if _, ok := a.ev.(events.CheckoutCompleted); ok {
			if err := a.m.EnsureOrg(ctx, ref.OrgID); err != nil {
				return "", err
			}
		}
		err := a.m.LockOrg(ctx, ref.OrgID)
		if err == nil {
			return ref.OrgID, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return "", err
		}
	}

	orgID, err := a.m.FindOrgBySubscription(ctx, ref.SubscriptionID)
	if err != nil {
		return "", err
	}
	if orgID == "" {
		if orgID, err = a.m.FindOrgByCustomer(ctx, ref.CustomerID); err != nil {
			return "", err
		}
	}
	if orgID == "" {
		return "", fmt.Errorf("%w: no organization for event %s", models.ErrValidationFailure, a.ev.EventID())
	}
	if err := a.m.LockOrg(ctx, orgID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: organization %s vanished", models.ErrValidationFailure, orgID)
		}
		return "", err
	}
	return orgID, nil
}

func (a *apply) baseSubscription(sub *models.Subscription) models.Subscription {
	var next models.Subscription
	if sub != nil {
		next = *sub
	}
	next.OrgID = a.orgID
	ref := a.ev.Reference()
	if ref.SubscriptionID != "" {
		id := ref.SubscriptionID
		next.ProviderSubscriptionID = &id
	}
	if ref.CustomerID != "" {
		id := ref.CustomerID
		next.ProviderCustomerID = &id
	}
	created := a.ev.Created()
	if next.LastEventAt == nil || created.After(*next.LastEventAt) {
		next.LastEventAt = &created
	}
	next.UpdatedAt = a.now
	return next
}

func (a *apply) save(ctx context.Context, sub models.Subscription) (models.EventOutcome, error) {
	if err := a.m.UpsertSubscription(ctx, sub); err != nil {
		return "", err
	}
	return models.OutcomeApplied, nil
}

func (a *apply) applyPlan(ctx context.Context, plan catalog.Plan, expiresAt *time.Time) error {
	change, err := grants.ApplyPlan(ctx, a.m, a.orgID, plan, a.ev.EventID(), expiresAt, a.now)
	if err != nil {
		return err
	}
	a.change.Merge(change)
	return nil
}

func (a *apply) endTrial(ctx context.Context) error {
	change, err := grants.EndTrial(ctx, a.m, a.orgID, a.now)
	if err != nil {
		return err
	}
	a.change.Merge(change)
	return nil
}

// convertTrial ends the trial and re-issues plan grants without an expiry.
func (a *apply) convertTrial(ctx context.Context, plan catalog.Plan) error {
	if err := a.endTrial(ctx); err != nil {
		return err
	}
	return a.applyPlan(ctx, plan, nil)
}

func (a *apply) checkoutCompleted(ctx context.Context, ev events.CheckoutCompleted, sub *models.Subscription) (models.EventOutcome, error) {
	plan, ok := a.cat.Get(ev.PlanCode)
	if !ok {
		return a.reject("checkout %s names unknown plan %q", ev.SessionID, ev.PlanCode)
	}

	next := a.baseSubscription(sub)
	next.PlanCode = plan.Code
	if ev.Cycle != "" {
		next.BillingCycle = ev.Cycle
	}

	trialEnd := ev.TrialEnd()
	if err := a.applyPlan(ctx, plan, trialEnd); err != nil {
		return "", err
	}
	if trialEnd != nil {
		change, err := grants.StartTrial(ctx, a.m, a.orgID, ev.EventID(), *trialEnd, a.now)
		if err != nil {
			return "", err
		}
		a.change.Merge(change)
		next.Status = models.StatusTrialing
		next.TrialEnd = trialEnd
	} else {
		if err := a.endTrial(ctx); err != nil {
			return "", err
		}
		next.Status = models.StatusActive
		next.TrialEnd = nil
	}
	return a.save(ctx, next)
}

func (a *apply) invoicePaid(ctx context.Context, ev events.InvoicePaid, sub *models.Subscription) (models.EventOutcome, error) {
	pricePlan, _, priced := a.cat.PlanForPrice(ev.PriceID)

	if sub == nil {
		if !priced {
			log.Info().Str("org_id", a.orgID).Str("event_id", ev.EventID()).Msg("ingest: invoice for org without subscription")
			return models.OutcomeIgnored, nil
		}
		next := a.baseSubscription(nil)
		next.PlanCode = pricePlan.Code
		next.Status = models.StatusActive
		next.CurrentPeriodEnd = ev.PeriodEnd
		if err := a.applyPlan(ctx, pricePlan, nil); err != nil {
			return "", err
		}
		return a.save(ctx, next)
	}

	next := a.baseSubscription(sub)
	if ev.PeriodEnd != nil {
		next.CurrentPeriodEnd = ev.PeriodEnd
	}

	plan, ok := a.cat.Get(next.PlanCode)
	if priced && pricePlan.Code != next.PlanCode {
		plan, ok = pricePlan, true
		next.PlanCode = pricePlan.Code
		if err := a.applyPlan(ctx, plan, nil); err != nil {
			return "", err
		}
	}

	switch next.Status {
	case models.StatusTrialing:
		// The zero-amount invoice issued when a trial starts does not end it.
		if next.TrialEnd != nil && ev.Created().Before(*next.TrialEnd) {
			return a.save(ctx, next)
		}
		if ok {
			if err := a.convertTrial(ctx, plan); err != nil {
				return "", err
			}
		}
		next.Status = models.StatusActive
		next.TrialEnd = nil
	case models.StatusPastDue, models.StatusNone:
		next.Status = models.StatusActive
	case models.StatusCanceled:
		log.Info().Str("org_id", a.orgID).Str("event_id", ev.EventID()).Msg("ingest: invoice paid for canceled subscription")
	}
	return a.save(ctx, next)
}

func (a *apply) invoicePaymentFailed(ctx context.Context, ev events.InvoicePaymentFailed, sub *models.Subscription) (models.EventOutcome, error) {
	if sub == nil || sub.Status == models.StatusCanceled {
		return models.OutcomeIgnored, nil
	}
	next := a.baseSubscription(sub)
	next.Status = models.StatusPastDue
	log.Warn().
		Str("org_id", a.orgID).
		Str("invoice_id", ev.InvoiceID).
		Int("attempt", ev.AttemptCount).
		Msg("ingest: payment failed, subscription past due")
	return a.save(ctx, next)
}

func (a *apply) subscriptionUpdated(ctx context.Context, ev events.SubscriptionUpdated, sub *models.Subscription) (models.EventOutcome, error) {
	// Cancellation is terminal for a provider subscription.
	if sub != nil && sub.Status == models.StatusCanceled && ev.Status != models.StatusCanceled &&
		sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == ev.SubscriptionID {
		log.Info().
			Str("event_id", ev.EventID()).
			Str("org_id", a.orgID).
			Str("subscription_id", ev.SubscriptionID).
			Str("status", string(ev.Status)).
			Msg("ingest: update for canceled subscription skipped")
		return models.OutcomeStale, nil
	}
	next := a.baseSubscription(sub)
	prev := next.Status
	if ev.Status != models.StatusNone {
		next.Status = ev.Status
	}
	if next.Status == models.StatusNone {
		return a.reject("subscription status %q is not recognised", ev.RawStatus)
	}
	if ev.Cycle != "" {
		next.BillingCycle = ev.Cycle
	}
	if ev.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = ev.CurrentPeriodEnd
	}
	if next.Status == models.StatusTrialing {
		if ev.TrialEnd != nil {
			next.TrialEnd = ev.TrialEnd
		}
	} else {
		next.TrialEnd = nil
	}

	var expiresAt *time.Time
	if next.Status == models.StatusTrialing {
		expiresAt = next.TrialEnd
	}

	plan, known := a.cat.Get(ev.PlanCode)
	switch {
	case known && plan.Code != next.PlanCode:
		next.PlanCode = plan.Code
		if err := a.applyPlan(ctx, plan, expiresAt); err != nil {
			return "", err
		}
		if next.Status != models.StatusTrialing {
			if err := a.endTrial(ctx); err != nil {
				return "", err
			}
		}
	case prev == models.StatusTrialing && next.Status == models.StatusActive:
		if current, ok := a.cat.Get(next.PlanCode); ok {
			if err := a.convertTrial(ctx, current); err != nil {
				return "", err
			}
		}
	case next.PlanCode == "":
		return a.reject("subscription %s has no known plan", ev.SubscriptionID)
	}
	return a.save(ctx, next)
}

func (a *apply) subscriptionDeleted(ctx context.Context, sub *models.Subscription) (models.EventOutcome, error) {
	if sub == nil {
		return models.OutcomeIgnored, nil
	}
	next := a.baseSubscription(sub)
	next.Status = models.StatusCanceled
	next.TrialEnd = nil
	if err := a.endTrial(ctx); err != nil {
		return "", err
	}
	return a.save(ctx, next)
}
