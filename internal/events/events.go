// Package events turns verified billing provider payloads into a closed set of
// typed events. Dispatch on Event is an exhaustive type switch; anything the
// engine does not act on arrives as Unhandled.
package events

import (
	"time"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// Provider event types.
const (
	TypeCheckoutCompleted    = "checkout.session.completed"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoiceSucceeded     = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
	TypeSubscriptionCreated  = "customer.subscription.created"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeTrialWillEnd         = "customer.subscription.trial_will_end"
)

// Event is one decoded provider event.
type Event interface {
	EventID() string
	Type() string
	Created() time.Time
	// Reference carries the identifiers used to find the owning org.
	Reference() Ref
	sealed()
}

// Ref identifies the org an event belongs to, most specific first.
type Ref struct {
	OrgID          string
	SubscriptionID string
	CustomerID     string
}

func (r Ref) Reference() Ref { return r }

// Envelope holds the fields every event shares.
type Envelope struct {
	ID        string
	RawType   string
	CreatedAt time.Time
}

func (e Envelope) EventID() string    { return e.ID }
func (e Envelope) Type() string       { return e.RawType }
func (e Envelope) Created() time.Time { return e.CreatedAt }
func (Envelope) sealed()              {}

// CheckoutCompleted is a finished hosted checkout.
type CheckoutCompleted struct {
	Envelope
	Ref
	SessionID string
	UserID    string
	PlanCode  string
	Cycle     models.BillingCycle
	TrialDays int
}

// TrialEnd is the end of the trial the checkout started, or nil.
func (e CheckoutCompleted) TrialEnd() *time.Time {
	if e.TrialDays <= 0 {
		return nil
	}
	end := e.CreatedAt.Add(time.Duration(e.TrialDays) * 24 * time.Hour)
	return &end
}

// InvoicePaid is a successful payment for a subscription period.
type InvoicePaid struct {
	Envelope
	Ref
	InvoiceID string
	PriceID   string
	PeriodEnd *time.Time
}

// InvoicePaymentFailed is a failed renewal attempt.
type InvoicePaymentFailed struct {
	Envelope
	Ref
	InvoiceID    string
	AttemptCount int
}

// SubscriptionUpdated covers subscription creation and updates.
type SubscriptionUpdated struct {
	Envelope
	Ref
	PlanCode         string
	PriceID          string
	Cycle            models.BillingCycle
	Status           models.SubscriptionStatus
	RawStatus        string
	CurrentPeriodEnd *time.Time
	TrialEnd         *time.Time
}

// SubscriptionDeleted is a terminated subscription.
type SubscriptionDeleted struct {
	Envelope
	Ref
}

// TrialWillEnd is the provider's advance notice of a trial ending.
type TrialWillEnd struct {
	Envelope
	Ref
	TrialEnd *time.Time
}

// Unhandled is any event type the engine does not act on.
type Unhandled struct {
	Envelope
}

func (Unhandled) Reference() Ref { return Ref{} }
