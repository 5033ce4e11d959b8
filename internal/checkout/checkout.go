// Package checkout starts plan purchases. Free plans are applied directly through
// the same supersession path webhook ingest uses; paid plans only open a hosted
// provider session and never grant anything until the provider confirms payment.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/invalidation"
	"github.com/PortNumber53/entitlement-engine/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/ratelimit"
	"github.com/PortNumber53/entitlement-engine/internal/store"
	billing "github.com/PortNumber53/entitlement-engine/internal/stripe"
)

// Request is one checkout attempt.
type Request struct {
	OrgID          string `json:"orgId" validate:"required,uuid"`
	UserID         string `json:"userId" validate:"omitempty,max=200"`
	PlanCode       string `json:"planCode" validate:"required,max=64"`
	BillingCycle   string `json:"billingCycle" validate:"required,oneof=monthly annual"`
	IdempotencyKey string `json:"-" validate:"omitempty,max=255"`
}

// Result tells the caller where to send the user next.
type Result struct {
	RedirectURL string `json:"redirectUrl"`
	SessionID   string `json:"sessionId,omitempty"`
	Free        bool   `json:"free,omitempty"`
}

// Transactor runs fn inside one store transaction.
type Transactor interface {
	Transact(ctx context.Context, fn func(store.Mutator) error) error
}

// SessionCreator opens hosted checkout sessions.
type SessionCreator interface {
	CreateCheckoutSession(req billing.SessionRequest) (billing.Session, error)
}

// RateLimiter bounds checkout attempts per org.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

// Config holds the redirect targets.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// Service is the checkout orchestrator.
type Service struct {
	store       Transactor
	sessions    SessionCreator
	catalog     *catalog.Catalog
	limiter     RateLimiter
	invalidator invalidation.Invalidator
	cfg         Config
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates a Service. limiter and invalidator may be nil.
func NewService(st Transactor, sessions SessionCreator, cat *catalog.Catalog, limiter RateLimiter, invalidator invalidation.Invalidator, cfg Config) *Service {
	return &Service{
		store:       st,
		sessions:    sessions,
		catalog:     cat,
		limiter:     limiter,
		invalidator: invalidator,
		cfg:         cfg,
		validate:    validator.New(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, rule := range e.Fields {
		parts = append(parts, f+" "+rule)
	}
	return "invalid checkout request: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return models.ErrValidationFailure }

func (s *Service) check(req Request) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", models.ErrValidationFailure, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

// CreateCheckout validates req and either applies a free plan or opens a paid
// hosted checkout.
func (s *Service) CreateCheckout(ctx context.Context, req Request) (Result, error) {
	req.PlanCode = strings.ToLower(strings.TrimSpace(req.PlanCode))
	req.BillingCycle = strings.ToLower(strings.TrimSpace(req.BillingCycle))
	if err := s.check(req); err != nil {
		s.count(req.PlanCode, "invalid")
		return Result{}, err
	}
	plan, ok := s.catalog.Get(req.PlanCode)
	if !ok {
		s.count(req.PlanCode, "invalid")
		return Result{}, fmt.Errorf("%w: %w: %s", models.ErrValidationFailure, models.ErrUnknownPlan, req.PlanCode)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "checkout_" + uuid.NewString()
	}

	if plan.Free() {
		return s.applyFree(ctx, req, plan)
	}
	return s.startPaid(ctx, req, plan)
}

func (s *Service) count(plan, outcome string) {
	metrics.CheckoutSessions.WithLabelValues(plan, outcome).Inc()
}

func (s *Service) applyFree(ctx context.Context, req Request, plan catalog.Plan) (Result, error) {
	now := s.now()
	var changed bool

	err := s.store.Transact(ctx, func(m store.Mutator) error {
		if err := m.LockOrg(ctx, req.OrgID); err != nil {
			return err
		}
		sub, err := m.Subscription(ctx, req.OrgID)
		if err != nil {
			return err
		}
		if sub != nil && sub.Status.Entitling() && sub.PlanCode != plan.Code {
			if current, ok := s.catalog.Get(sub.PlanCode); !ok || !current.Free() {
				return fmt.Errorf("%w: org has an active %s subscription", models.ErrConflict, sub.PlanCode)
			}
		}

		match, err := grants.PlanGrantsMatch(ctx, m, req.OrgID, plan)
		if err != nil {
			return err
		}
		if match && sub != nil && sub.PlanCode == plan.Code && sub.Status == models.StatusActive {
			return nil
		}

		if _, err := grants.ApplyPlan(ctx, m, req.OrgID, plan, req.IdempotencyKey, nil, now); err != nil {
			return err
		}
		if _, err := grants.EndTrial(ctx, m, req.OrgID, now); err != nil {
			return err
		}

		next := models.Subscription{OrgID: req.OrgID}
		if sub != nil {
			next = *sub
		}
		next.PlanCode = plan.Code
		next.BillingCycle = models.BillingCycle(req.BillingCycle)
		next.Status = models.StatusActive
		next.TrialEnd = nil
		next.UpdatedAt = now
		changed = true
		return m.UpsertSubscription(ctx, next)
	})
	if err != nil {
		s.count(plan.Code, outcomeFor(err))
		if !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrConflict) {
			log.Error().Err(err).Str("org_id", req.OrgID).Msg("checkout: free plan apply failed")
		}
		return Result{}, err
	}

	if changed && s.invalidator != nil {
		s.invalidator.InvalidateOrg(ctx, req.OrgID)
	}
	s.count(plan.Code, "free")
	log.Info().Str("org_id", req.OrgID).Str("plan", plan.Code).Bool("changed", changed).Msg("checkout: free plan applied")
	return Result{RedirectURL: s.cfg.SuccessURL, Free: true}, nil
}

func (s *Service) startPaid(ctx context.Context, req Request, plan catalog.Plan) (Result, error) {
	cycle := models.BillingCycle(req.BillingCycle)
	priceID := plan.PriceID(cycle)
	if priceID == "" {
		s.count(plan.Code, "invalid")
		return Result{}, fmt.Errorf("%w: plan %s is not offered %s", models.ErrValidationFailure, plan.Code, cycle)
	}

	var firstSubscription bool
	err := s.store.Transact(ctx, func(m store.Mutator) error {
		if err := m.LockOrg(ctx, req.OrgID); err != nil {
			return err
		}
		sub, err := m.Subscription(ctx, req.OrgID)
		if err != nil {
			return err
		}
		if sub != nil && sub.ProviderSubscriptionID != nil && sub.Status.Entitling() {
			return fmt.Errorf("%w: org already has a %s %s subscription, change plans on it instead",
				models.ErrConflict, sub.Status, sub.PlanCode)
		}
		firstSubscription = sub == nil || sub.ProviderSubscriptionID == nil
		return nil
	})
	if err != nil {
		s.count(plan.Code, outcomeFor(err))
		return Result{}, err
	}

	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, "checkout:"+req.OrgID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("org_id", req.OrgID).Msg("checkout: rate limiter unavailable")
		case !res.Allowed():
			s.count(plan.Code, "rate_limited")
			return Result{}, fmt.Errorf("%w: retry in %s", models.ErrRateLimited, res.ResetIn.Round(time.Second))
		}
	}

	trialDays := 0
	if firstSubscription {
		trialDays = plan.TrialDays
	}
	metadata := map[string]string{
		"org_id":        req.OrgID,
		"plan_code":     plan.Code,
		"billing_cycle": string(cycle),
		"trial_days":    strconv.Itoa(trialDays),
	}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}

	session, err := s.sessions.CreateCheckoutSession(billing.SessionRequest{
		PriceID:           priceID,
		SuccessURL:        s.cfg.SuccessURL,
		CancelURL:         s.cfg.CancelURL,
		ClientReferenceID: req.OrgID,
		TrialDays:         trialDays,
		Metadata:          metadata,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		s.count(plan.Code, "provider_error")
		log.Error().Err(err).Str("org_id", req.OrgID).Str("plan", plan.Code).Msg("checkout: create session failed")
		return Result{}, fmt.Errorf("%w: %v", models.ErrProviderFailure, err)
	}

	s.count(plan.Code, "session_created")
	log.Info().
		Str("org_id", req.OrgID).
		Str("plan", plan.Code).
		Str("cycle", string(cycle)).
		Str("session_id", session.ID).
		Int("trial_days", trialDays).
		Msg("checkout: session created")
	return Result{RedirectURL: session.URL, SessionID: session.ID}, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "org_not_found"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	}
	return "error"
}
