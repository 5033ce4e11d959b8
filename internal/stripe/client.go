package stripe

import (
	"errors"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// ErrNotConfigured is returned when the secret key or webhook secret is missing.
var ErrNotConfigured = errors.New("stripe: not configured")

// Client wraps the Stripe calls the engine makes: hosted checkout sessions and
// webhook signature verification.
type Client struct {
	secretKey     string
	webhookSecret string
	api           *stripeclient.API

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewClient creates a Stripe client. Either secret may be empty; the matching
// calls then return ErrNotConfigured.
func NewClient(secretKey, webhookSecret string) *Client {
	c := &Client{
		secretKey:     strings.TrimSpace(secretKey),
		webhookSecret: strings.TrimSpace(webhookSecret),
	}
	// Each client carries its own key; the package-level stripe.Key stays untouched.
	c.api = stripeclient.New(c.secretKey, nil)
	c.createCheckoutSession = c.api.CheckoutSessions.New
	return c
}

// WithSessionFunc replaces the checkout session call, for tests.
func (c *Client) WithSessionFunc(fn func(*stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)) *Client {
	c.createCheckoutSession = fn
	return c
}

// SessionRequest describes a subscription checkout.
type SessionRequest struct {
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	TrialDays         int
	Metadata          map[string]string
	IdempotencyKey    string
}

// Session is the created hosted checkout.
type Session struct {
	ID  string
	URL string
}

// CreateCheckoutSession opens a subscription-mode hosted checkout. The metadata is
// copied onto the subscription so later subscription and invoice events carry it.
func (c *Client) CreateCheckoutSession(req SessionRequest) (Session, error) {
	if c.secretKey == "" {
		return Session{}, ErrNotConfigured
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(req.SuccessURL),
		CancelURL:  stripelib.String(req.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
		Metadata: req.Metadata,
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripelib.String(req.ClientReferenceID)
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripelib.Int64(int64(req.TrialDays))
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := c.createCheckoutSession(params)
	if err != nil {
		return Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return Session{}, errors.New("create checkout session: missing session URL in response")
	}
	return Session{ID: session.ID, URL: session.URL}, nil
}

// VerifyEvent checks the Stripe-Signature header against the webhook secret and
// parses the event. Any failure is models.ErrAuthenticationFailure.
func (c *Client) VerifyEvent(payload []byte, sigHeader string) (stripelib.Event, error) {
	if c.webhookSecret == "" {
		return stripelib.Event{}, ErrNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripelib.Event{}, fmt.Errorf("%w: missing Stripe signature", models.ErrAuthenticationFailure)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, fmt.Errorf("%w: %v", models.ErrAuthenticationFailure, err)
	}
	return event, nil
}
