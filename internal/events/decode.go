package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// Decode converts a signature-verified Stripe event into an Event. Malformed
// payloads of known types return models.ErrValidationFailure.
func Decode(ev stripelib.Event, cat *catalog.Catalog) (Event, error) {
	env := Envelope{ID: ev.ID, RawType: string(ev.Type), CreatedAt: time.Unix(ev.Created, 0).UTC()}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: event without id", models.ErrValidationFailure)
	}
	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch env.RawType {
	case TypeCheckoutCompleted:
		var session checkoutSession
		if err := unmarshal(raw, &session); err != nil {
			return nil, err
		}
		return session.event(env), nil

	case TypeInvoicePaid, TypeInvoiceSucceeded:
		var inv invoice
		if err := unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		return InvoicePaid{
			Envelope:  env,
			Ref:       inv.ref(),
			InvoiceID: inv.ID,
			PriceID:   inv.priceID(),
			PeriodEnd: inv.periodEnd(),
		}, nil

	case TypeInvoicePaymentFailed:
		var inv invoice
		if err := unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{
			Envelope:     env,
			Ref:          inv.ref(),
			InvoiceID:    inv.ID,
			AttemptCount: inv.AttemptCount,
		}, nil

	case TypeSubscriptionCreated, TypeSubscriptionUpdated:
		var sub subscription
		if err := unmarshal(raw, &sub); err != nil {
			return nil, err
		}
		return sub.updated(env, cat), nil

	case TypeSubscriptionDeleted:
		var sub subscription
		if err := unmarshal(raw, &sub); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{Envelope: env, Ref: sub.ref()}, nil

	case TypeTrialWillEnd:
		var sub subscription
		if err := unmarshal(raw, &sub); err != nil {
			return nil, err
		}
		return TrialWillEnd{Envelope: env, Ref: sub.ref(), TrialEnd: unixPtr(sub.TrialEnd)}, nil
	}
	return Unhandled{Envelope: env}, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty event object", models.ErrValidationFailure)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode event object: %v", models.ErrValidationFailure, err)
	}
	return nil
}

// expandable accepts either an id string or an expanded object carrying an id.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type metadata map[string]string

func (m metadata) first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func (m metadata) orgID() string    { return m.first("org_id", "orgId") }
func (m metadata) userID() string   { return m.first("user_id", "userId", "supabase_user_id") }
func (m metadata) planCode() string { return m.first("plan_code", "planCode", "plan_id") }

func (m metadata) cycle() models.BillingCycle {
	switch strings.ToLower(m.first("billing_cycle", "billingCycle")) {
	case "annual", "yearly", "year":
		return models.CycleAnnual
	case "monthly", "month":
		return models.CycleMonthly
	}
	return ""
}

func (m metadata) trialDays() int {
	n, err := strconv.Atoi(m.first("trial_days", "trialDays"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type checkoutSession struct {
	ID                string     `json:"id"`
	Mode              string     `json:"mode"`
	Customer          expandable `json:"customer"`
	Subscription      expandable `json:"subscription"`
	ClientReferenceID string     `json:"client_reference_id"`
	Metadata          metadata   `json:"metadata"`
}

func (s checkoutSession) event(env Envelope) CheckoutCompleted {
	org := s.Metadata.orgID()
	if org == "" {
		org = strings.TrimSpace(s.ClientReferenceID)
	}
	return CheckoutCompleted{
		Envelope: env,
		Ref: Ref{
			OrgID:          org,
			SubscriptionID: string(s.Subscription),
			CustomerID:     string(s.Customer),
		},
		SessionID: s.ID,
		UserID:    s.Metadata.userID(),
		PlanCode:  s.Metadata.planCode(),
		Cycle:     s.Metadata.cycle(),
		TrialDays: s.Metadata.trialDays(),
	}
}

type price struct {
	ID        string `json:"id"`
	Recurring *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type subscription struct {
	ID       string     `json:"id"`
	Customer expandable `json:"customer"`
	Status   string     `json:"status"`
	// Pre-basil API versions carry the period on the subscription itself.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	TrialEnd         int64 `json:"trial_end"`
	Items            struct {
		Data []struct {
			Price            price `json:"price"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata metadata `json:"metadata"`
}

func (s subscription) ref() Ref {
	return Ref{OrgID: s.Metadata.orgID(), SubscriptionID: s.ID, CustomerID: string(s.Customer)}
}

func (s subscription) updated(env Envelope, cat *catalog.Catalog) SubscriptionUpdated {
	ev := SubscriptionUpdated{
		Envelope:  env,
		Ref:       s.ref(),
		PlanCode:  s.Metadata.planCode(),
		Cycle:     s.Metadata.cycle(),
		Status:    models.NormalizeStatus(s.Status),
		RawStatus: s.Status,
		TrialEnd:  unixPtr(s.TrialEnd),
	}

	periodEnd := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if ev.PriceID == "" && item.Price.ID != "" {
			ev.PriceID = item.Price.ID
			if ev.Cycle == "" && item.Price.Recurring != nil {
				ev.Cycle = cycleFromInterval(item.Price.Recurring.Interval)
			}
		}
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	ev.CurrentPeriodEnd = unixPtr(periodEnd)

	if cat != nil && ev.PriceID != "" {
		if plan, cycle, ok := cat.PlanForPrice(ev.PriceID); ok {
			if ev.PlanCode == "" {
				ev.PlanCode = plan.Code
			}
			if ev.Cycle == "" {
				ev.Cycle = cycle
			}
		}
	}
	return ev
}

type invoice struct {
	ID           string     `json:"id"`
	Customer     expandable `json:"customer"`
	Subscription expandable `json:"subscription"`
	AttemptCount int        `json:"attempt_count"`
	PeriodEnd    int64      `json:"period_end"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
			Metadata     metadata   `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price   *price `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (i invoice) ref() Ref {
	ref := Ref{SubscriptionID: string(i.Subscription), CustomerID: string(i.Customer)}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		details := i.Parent.SubscriptionDetails
		if ref.SubscriptionID == "" {
			ref.SubscriptionID = string(details.Subscription)
		}
		ref.OrgID = details.Metadata.orgID()
	}
	return ref
}

func (i invoice) priceID() string {
	for _, line := range i.Lines.Data {
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
	}
	return ""
}

// periodEnd prefers the latest line item period, which is the subscription period
// the invoice pays for. The invoice's own period_end is the previous period.
func (i invoice) periodEnd() *time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		end = i.PeriodEnd
	}
	return unixPtr(end)
}

func cycleFromInterval(interval string) models.BillingCycle {
	switch interval {
	case "year":
		return models.CycleAnnual
	case "month":
		return models.CycleMonthly
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
