package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/invalidation"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

// Transactor runs fn inside one store transaction.
type Transactor interface {
	Transact(ctx context.Context, fn func(store.Mutator) error) error
}

// ExpiryScheduler arranges a cache invalidation for when a grant lapses.
type ExpiryScheduler interface {
	ScheduleInvalidation(ctx context.Context, orgID string, at time.Time) error
}

// AdminRequest is an operator-issued grant.
type AdminRequest struct {
	OrgID     string       `json:"orgId" validate:"required,uuid"`
	UserID    *string      `json:"userId,omitempty" validate:"omitempty,max=200"`
	Flag      string       `json:"flag" validate:"required,max=100"`
	Value     models.Value `json:"value"`
	Source    string       `json:"source" validate:"required,oneof=manual_override addon promo"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
	Reason    string       `json:"reason,omitempty" validate:"max=500"`
}

// Admin applies operator grants and revocations.
type Admin struct {
	store       Transactor
	invalidator invalidation.Invalidator
	scheduler   ExpiryScheduler
	validate    *validator.Validate
	now         func() time.Time
}

// NewAdmin creates an Admin. invalidator and scheduler may be nil.
func NewAdmin(st Transactor, invalidator invalidation.Invalidator, scheduler ExpiryScheduler) *Admin {
	return &Admin{
		store:       st,
		invalidator: invalidator,
		scheduler:   scheduler,
		validate:    validator.New(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (a *Admin) WithClock(now func() time.Time) *Admin {
	a.now = now
	return a
}

func (a *Admin) check(req *AdminRequest) error {
	if err := a.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", models.ErrValidationFailure, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", models.ErrValidationFailure, err)
	}
	req.Flag = catalog.Canonical(strings.TrimSpace(req.Flag))
	switch {
	case req.Value.Kind == "":
		return fmt.Errorf("%w: value is required", models.ErrValidationFailure)
	case catalog.IsQuota(req.Flag) && req.Value.Kind != models.KindQuota:
		return fmt.Errorf("%w: %s is a quota and needs a numeric value", models.ErrValidationFailure, req.Flag)
	case !catalog.IsQuota(req.Flag) && req.Value.Kind != models.KindBool:
		return fmt.Errorf("%w: %s is a flag and needs a boolean value", models.ErrValidationFailure, req.Flag)
	case req.Value.Kind == models.KindQuota && req.Value.Quota < models.Unlimited:
		return fmt.Errorf("%w: quota must be -1 (unlimited) or non-negative", models.ErrValidationFailure)
	}
	if req.UserID != nil && strings.TrimSpace(*req.UserID) == "" {
		req.UserID = nil
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(a.now()) {
		return fmt.Errorf("%w: expiresAt must be in the future", models.ErrValidationFailure)
	}
	return nil
}

// Grant inserts an operator grant, superseding the active grant of the same
// (org, user, flag, source) tuple.
func (a *Admin) Grant(ctx context.Context, req AdminRequest) (models.Grant, error) {
	if err := a.check(&req); err != nil {
		return models.Grant{}, err
	}
	now := a.now()

	var g models.Grant
	err := a.store.Transact(ctx, func(m store.Mutator) error {
		if err := m.LockOrg(ctx, req.OrgID); err != nil {
			return err
		}
		var err error
		g, err = m.InsertGrant(ctx, models.GrantSpec{
			OrgID:          req.OrgID,
			UserID:         req.UserID,
			Flag:           req.Flag,
			Value:          req.Value,
			Source:         models.Source(req.Source),
			ExpiresAt:      req.ExpiresAt,
			IdempotencyKey: "admin_" + uuid.NewString(),
			GrantedAt:      now,
		})
		return err
	})
	if err != nil {
		return models.Grant{}, err
	}

	a.changed(ctx, g.OrgID)
	if g.ExpiresAt != nil && a.scheduler != nil {
		if err := a.scheduler.ScheduleInvalidation(ctx, g.OrgID, *g.ExpiresAt); err != nil {
			log.Warn().Err(err).Str("org_id", g.OrgID).Msg("admin: schedule expiry invalidation failed")
		}
	}
	log.Info().
		Str("org_id", g.OrgID).
		Str("grant_id", g.ID).
		Str("flag", g.Flag).
		Str("source", string(g.Source)).
		Str("value", g.Value.String()).
		Str("reason", req.Reason).
		Msg("admin: grant issued")
	return g, nil
}

// Revoke supersedes a grant without a replacement. Revoking an already retired
// grant returns models.ErrNotFound.
func (a *Admin) Revoke(ctx context.Context, grantID string) (models.Grant, error) {
	if _, err := uuid.Parse(grantID); err != nil {
		return models.Grant{}, fmt.Errorf("%w: grant id must be a uuid", models.ErrValidationFailure)
	}
	now := a.now()

	var g models.Grant
	err := a.store.Transact(ctx, func(m store.Mutator) error {
		var err error
		g, err = m.RevokeGrant(ctx, grantID, now)
		return err
	})
	if err != nil {
		return models.Grant{}, err
	}

	a.changed(ctx, g.OrgID)
	log.Info().Str("org_id", g.OrgID).Str("grant_id", g.ID).Str("flag", g.Flag).Msg("admin: grant revoked")
	return g, nil
}

func (a *Admin) changed(ctx context.Context, orgID string) {
	if a.invalidator != nil {
		a.invalidator.InvalidateOrg(ctx, orgID)
	}
}
