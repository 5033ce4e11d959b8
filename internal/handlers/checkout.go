package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/checkout"
)

// CheckoutStarter begins a plan purchase.
type CheckoutStarter interface {
	CreateCheckout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

// Checkout handles POST /api/checkout.
func Checkout(svc CheckoutStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkout.Request
		if !decodeJSON(w, r, &req) {
			return
		}
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

		res, err := svc.CreateCheckout(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			var verr *checkout.ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, status, errorResponse{Error: "invalid checkout request", Fields: verr.Fields})
				return
			}
			if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
				log.Error().Err(err).Str("org_id", req.OrgID).Msg("checkout: request failed")
			}
			writeError(w, status, publicMessage(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
