package gate

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
)

// Protected operations and the flag each one requires.
var operations = map[string]string{
	"export_pdf":     catalog.FlagExportPDF,
	"export_json":    catalog.FlagExportJSON,
	"export_bundle":  catalog.FlagExportBundleZip,
	"export_custom":  catalog.FlagExportCustomFormats,
	"api_access":     catalog.FlagAPI,
	"gpt_test":       catalog.FlagGptTestReal,
	"create_module":  catalog.FlagCreateModules,
	"view_analytics": catalog.FlagViewAnalytics,
	"use_advanced":   catalog.FlagAdvancedFeatures,
}

// FlagForOperation returns the flag an operation requires.
func FlagForOperation(op string) (string, bool) {
	f, ok := operations[op]
	return f, ok
}

// CheckOperation evaluates the flag behind op. Unknown operations are denied.
func (g *Gate) CheckOperation(ctx context.Context, orgID string, userID *string, op string) Decision {
	flag, ok := FlagForOperation(op)
	if !ok {
		return g.record(orgID, Decision{Flag: op, Reason: ReasonNotEntitled})
	}
	return g.Check(ctx, orgID, userID, flag)
}

// Identity extracts the org and optional user a request acts for.
type Identity func(r *http.Request) (orgID string, userID *string)

// HeaderIdentity reads X-Org-ID and X-User-ID.
func HeaderIdentity(r *http.Request) (string, *string) {
	orgID := r.Header.Get("X-Org-ID")
	if u := r.Header.Get("X-User-ID"); u != "" {
		return orgID, &u
	}
	return orgID, nil
}

// Require guards next with flag.
func (g *Gate) Require(flag string, identify Identity) func(http.Handler) http.Handler {
	return g.guard(flag, identify, func(r *http.Request, orgID string, userID *string) Decision {
		return g.Check(r.Context(), orgID, userID, flag)
	})
}

// RequireOperation guards next with the flag behind op. Unknown operations deny.
func (g *Gate) RequireOperation(op string, identify Identity) func(http.Handler) http.Handler {
	return g.guard(op, identify, func(r *http.Request, orgID string, userID *string) Decision {
		return g.CheckOperation(r.Context(), orgID, userID, op)
	})
}

func (g *Gate) guard(name string, identify Identity, check func(r *http.Request, orgID string, userID *string) Decision) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, userID := identify(r)
			if orgID == "" {
				writeDecision(w, http.StatusBadRequest, Decision{Flag: name, Reason: ReasonNotEntitled})
				return
			}
			d := check(r, orgID, userID)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			writeDecision(w, StatusFor(d), d)
		})
	}
}

// StatusFor maps a denial onto an HTTP status.
func StatusFor(d Decision) int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Reason == ReasonOrgNotFound:
		return http.StatusNotFound
	case d.Reason == ReasonUnavailable:
		return http.StatusServiceUnavailable
	case d.Reason == ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func writeDecision(w http.ResponseWriter, status int, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(d); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gate: encode decision")
	}
}
