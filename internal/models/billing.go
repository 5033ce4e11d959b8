package models

import "time"

// SubscriptionStatus mirrors the provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = ""
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// NormalizeStatus folds provider statuses into the four the engine understands.
// Statuses such as "unpaid" or "incomplete_expired" are treated as canceled and
// "incomplete" or "paused" as past_due.
func NormalizeStatus(raw string) SubscriptionStatus {
	switch raw {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due", "incomplete", "paused":
		return StatusPastDue
	case "canceled", "unpaid", "incomplete_expired":
		return StatusCanceled
	}
	return StatusNone
}

// Entitling reports whether plan grants count while in this status. past_due keeps
// access during dunning.
func (s SubscriptionStatus) Entitling() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	}
	return false
}

// BillingCycle is the checkout billing interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// IsValid reports whether c is a supported cycle.
func (c BillingCycle) IsValid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// Organization is the tenant that owns grants and a subscription.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription mirrors the provider subscription for one org.
type Subscription struct {
	OrgID                  string             `json:"org_id"`
	ProviderCustomerID     *string            `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string            `json:"provider_subscription_id,omitempty"`
	PlanCode               string             `json:"plan_code"`
	BillingCycle           BillingCycle       `json:"billing_cycle,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// InTrial reports whether the trial window is open at now.
func (s *Subscription) InTrial(now time.Time) bool {
	if s == nil || s.Status != StatusTrialing {
		return false
	}
	return s.TrialEnd == nil || now.Before(*s.TrialEnd)
}

// EventOutcome records what Webhook Ingest did with an event.
type EventOutcome string

const (
	OutcomeApplied EventOutcome = "applied"
	OutcomeIgnored EventOutcome = "ignored"
	OutcomeInvalid EventOutcome = "invalid"
	OutcomeStale   EventOutcome = "stale"
)

// WebhookEventRecord is one processed provider event. EventID is unique.
type WebhookEventRecord struct {
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	OrgID       *string      `json:"org_id,omitempty"`
	Outcome     EventOutcome `json:"outcome"`
	GrantIDs    []string     `json:"grant_ids"`
	ProcessedAt time.Time    `json:"processed_at"`
}
