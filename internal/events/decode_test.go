package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

var testCatalog = catalog.Default(catalog.PriceIDs{
	catalog.PlanPro: {
		models.CycleMonthly: "price_pro_m",
		models.CycleAnnual:  "price_pro_y",
	},
	catalog.PlanEnterprise: {
		models.CycleAnnual: "price_ent_y",
	},
})

func stripeEvent(t *testing.T, id, typ string, created int64, obj any) stripelib.Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return stripelib.Event{
		ID:      id,
		Type:    stripelib.EventType(typ),
		Created: created,
		Data:    &stripelib.EventData{Raw: raw},
	}
}

func TestDecodeCheckoutCompleted(t *testing.T) {
	ev := stripeEvent(t, "evt_1", TypeCheckoutCompleted, 1767225600, map[string]any{
		"id":           "cs_1",
		"mode":         "subscription",
		"customer":     "cus_1",
		"subscription": map[string]any{"id": "sub_1", "object": "subscription"},
		"metadata": map[string]string{
			"org_id":        "org-1",
			"user_id":       "user-1",
			"plan_code":     "pro",
			"billing_cycle": "annual",
			"trial_days":    "14",
		},
	})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	cc, ok := decoded.(CheckoutCompleted)
	require.True(t, ok)
	assert.Equal(t, "evt_1", cc.EventID())
	assert.Equal(t, Ref{OrgID: "org-1", SubscriptionID: "sub_1", CustomerID: "cus_1"}, cc.Reference())
	assert.Equal(t, "user-1", cc.UserID)
	assert.Equal(t, "pro", cc.PlanCode)
	assert.Equal(t, models.CycleAnnual, cc.Cycle)
	require.NotNil(t, cc.TrialEnd())
	assert.Equal(t, cc.Created().Add(14*24*time.Hour), *cc.TrialEnd())
}

func TestDecodeCheckoutFallsBackToClientReference(t *testing.T) {
	ev := stripeEvent(t, "evt_2", TypeCheckoutCompleted, 1, map[string]any{
		"id":                  "cs_2",
		"client_reference_id": "org-9",
		"metadata":            map[string]string{"planCode": "creator", "billingCycle": "monthly"},
	})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	cc := decoded.(CheckoutCompleted)
	assert.Equal(t, "org-9", cc.OrgID)
	assert.Equal(t, "creator", cc.PlanCode)
	assert.Equal(t, models.CycleMonthly, cc.Cycle)
	assert.Nil(t, cc.TrialEnd())
}

func TestDecodeSubscriptionUpdatedBasilShape(t *testing.T) {
	ev := stripeEvent(t, "evt_3", TypeSubscriptionUpdated, 100, map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "past_due",
		"items": map[string]any{
			"data": []map[string]any{{
				"price":              map[string]any{"id": "price_ent_y", "recurring": map[string]string{"interval": "year"}},
				"current_period_end": 1798761600,
			}},
		},
	})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	su := decoded.(SubscriptionUpdated)
	assert.Equal(t, models.StatusPastDue, su.Status)
	assert.Equal(t, "enterprise", su.PlanCode, "plan resolved from price id")
	assert.Equal(t, models.CycleAnnual, su.Cycle)
	require.NotNil(t, su.CurrentPeriodEnd)
	assert.Equal(t, int64(1798761600), su.CurrentPeriodEnd.Unix())
	assert.Equal(t, "sub_1", su.SubscriptionID)
}

func TestDecodeSubscriptionCreatedUsesMetadataPlan(t *testing.T) {
	ev := stripeEvent(t, "evt_4", TypeSubscriptionCreated, 100, map[string]any{
		"id":                 "sub_2",
		"status":             "trialing",
		"trial_end":          500,
		"current_period_end": 400,
		"metadata":           map[string]string{"org_id": "org-2", "plan_id": "pro"},
		"items":              map[string]any{"data": []map[string]any{{"price": map[string]any{"id": "price_pro_m"}}}},
	})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	su := decoded.(SubscriptionUpdated)
	assert.Equal(t, "org-2", su.OrgID)
	assert.Equal(t, "pro", su.PlanCode)
	assert.Equal(t, models.CycleMonthly, su.Cycle)
	assert.Equal(t, models.StatusTrialing, su.Status)
	assert.Equal(t, int64(500), su.TrialEnd.Unix())
	assert.Equal(t, int64(400), su.CurrentPeriodEnd.Unix())
}

func TestDecodeInvoiceParentSubscription(t *testing.T) {
	ev := stripeEvent(t, "evt_5", TypeInvoicePaid, 100, map[string]any{
		"id":         "in_1",
		"customer":   "cus_1",
		"period_end": 10,
		"parent": map[string]any{
			"subscription_details": map[string]any{
				"subscription": "sub_1",
				"metadata":     map[string]string{"org_id": "org-1"},
			},
		},
		"lines": map[string]any{"data": []map[string]any{{
			"period":  map[string]int64{"end": 2000},
			"pricing": map[string]any{"price_details": map[string]string{"price": "price_pro_m"}},
		}}},
	})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	paid := decoded.(InvoicePaid)
	assert.Equal(t, Ref{OrgID: "org-1", SubscriptionID: "sub_1", CustomerID: "cus_1"}, paid.Reference())
	assert.Equal(t, "price_pro_m", paid.PriceID)
	assert.Equal(t, int64(2000), paid.PeriodEnd.Unix())
}

func TestDecodeLegacyInvoiceFailure(t *testing.T) {
	ev := stripeEvent(t, "evt_6", TypeInvoicePaymentFailed, 100, map[string]any{
		"id":            "in_2",
		"subscription":  "sub_7",
		"attempt_count": 2,
	})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	failed := decoded.(InvoicePaymentFailed)
	assert.Equal(t, "sub_7", failed.SubscriptionID)
	assert.Equal(t, 2, failed.AttemptCount)
}

func TestDecodeUnhandled(t *testing.T) {
	ev := stripeEvent(t, "evt_7", "charge.refunded", 100, map[string]any{"id": "ch_1"})

	decoded, err := Decode(ev, testCatalog)
	require.NoError(t, err)
	u, ok := decoded.(Unhandled)
	require.True(t, ok)
	assert.Equal(t, "charge.refunded", u.Type())
	assert.Equal(t, Ref{}, u.Reference())
}

func TestDecodeMalformed(t *testing.T) {
	ev := stripelib.Event{
		ID:   "evt_8",
		Type: stripelib.EventType(TypeSubscriptionDeleted),
		Data: &stripelib.EventData{Raw: json.RawMessage(`{"id": 42}`)},
	}
	_, err := Decode(ev, testCatalog)
	require.ErrorIs(t, err, models.ErrValidationFailure)

	ev = stripelib.Event{ID: "evt_9", Type: stripelib.EventType(TypeInvoicePaid)}
	_, err = Decode(ev, testCatalog)
	require.ErrorIs(t, err, models.ErrValidationFailure)

	_, err = Decode(stripelib.Event{Type: "invoice.paid"}, testCatalog)
	require.ErrorIs(t, err, models.ErrValidationFailure)
}
