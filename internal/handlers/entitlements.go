package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/gate"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// EntitlementGate answers snapshot and flag queries.
type EntitlementGate interface {
	Snapshot(ctx context.Context, orgID string, userID *string) (models.Snapshot, error)
	Check(ctx context.Context, orgID string, userID *string, flag string) gate.Decision
	CheckQuota(ctx context.Context, orgID string, userID *string, metric string) gate.Decision
	CheckOperation(ctx context.Context, orgID string, userID *string, op string) gate.Decision
}

func queryIdentity(r *http.Request) (string, *string) {
	q := r.URL.Query()
	orgID := strings.TrimSpace(q.Get("orgId"))
	if u := strings.TrimSpace(q.Get("userId")); u != "" {
		return orgID, &u
	}
	return orgID, nil
}

// Entitlements handles GET /api/entitlements?orgId=&userId=.
func Entitlements(g EntitlementGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, userID := queryIdentity(r)
		if orgID == "" {
			writeError(w, http.StatusBadRequest, "orgId is required")
			return
		}
		snap, err := g.Snapshot(r.Context(), orgID, userID)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				status = http.StatusServiceUnavailable
			}
			if status == http.StatusServiceUnavailable {
				log.Error().Err(err).Str("org_id", orgID).Msg("entitlements: resolve failed")
			}
			writeError(w, status, publicMessage(err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// GateCheck handles GET /api/gate/check?orgId=&userId=&flag= and
// ?orgId=&operation=. Quota names are checked against current usage.
func GateCheck(g EntitlementGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, userID := queryIdentity(r)
		flag := strings.TrimSpace(r.URL.Query().Get("flag"))
		op := strings.TrimSpace(r.URL.Query().Get("operation"))
		if orgID == "" || (flag == "" && op == "") {
			writeError(w, http.StatusBadRequest, "orgId and one of flag or operation are required")
			return
		}

		var d gate.Decision
		switch {
		case flag == "":
			d = g.CheckOperation(r.Context(), orgID, userID, op)
		case catalog.IsQuota(flag):
			d = g.CheckQuota(r.Context(), orgID, userID, flag)
		default:
			d = g.Check(r.Context(), orgID, userID, flag)
		}
		status := http.StatusOK
		switch d.Reason {
		case gate.ReasonOrgNotFound, gate.ReasonUnavailable:
			status = gate.StatusFor(d)
		}
		writeJSON(w, status, d)
	}
}

type planResponse struct {
	Code              string                  `json:"code"`
	Name              string                  `json:"name"`
	Version           int                     `json:"version"`
	MonthlyPriceCents int64                   `json:"monthlyPriceCents"`
	AnnualPriceCents  int64                   `json:"annualPriceCents"`
	TrialDays         int                     `json:"trialDays"`
	Cycles            []string                `json:"billingCycles"`
	Features          map[string]models.Value `json:"features"`
}

// Plans handles GET /api/plans.
func Plans(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans := cat.Plans()
		out := make([]planResponse, 0, len(plans))
		for _, p := range plans {
			resp := planResponse{
				Code:              p.Code,
				Name:              p.Name,
				Version:           p.Version,
				MonthlyPriceCents: p.MonthlyPrice,
				AnnualPriceCents:  p.AnnualPrice,
				TrialDays:         p.TrialDays,
				Cycles:            []string{},
				Features:          make(map[string]models.Value, len(p.Defaults)),
			}
			for _, cycle := range []models.BillingCycle{models.CycleMonthly, models.CycleAnnual} {
				if p.Free() || p.PriceID(cycle) != "" {
					resp.Cycles = append(resp.Cycles, string(cycle))
				}
			}
			for _, d := range p.Defaults {
				resp.Features[d.Flag] = d.Value
			}
			out = append(out, resp)
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": out})
	}
}
