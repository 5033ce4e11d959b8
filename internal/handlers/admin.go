package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// OrgDirectory creates orgs and lists their grant history.
type OrgDirectory interface {
	CreateOrg(ctx context.Context, orgID, name string) (models.Organization, error)
	ListGrants(ctx context.Context, orgID string, includeHistory bool, limit int) ([]models.Grant, error)
}

// GrantAdmin issues and revokes operator grants.
type GrantAdmin interface {
	Grant(ctx context.Context, req grants.AdminRequest) (models.Grant, error)
	Revoke(ctx context.Context, grantID string) (models.Grant, error)
}

// AdminHandler serves the /api/admin routes.
type AdminHandler struct {
	orgs     OrgDirectory
	grants   GrantAdmin
	validate *validator.Validate
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(orgs OrgDirectory, admin GrantAdmin) *AdminHandler {
	return &AdminHandler{orgs: orgs, grants: admin, validate: validator.New()}
}

// RegisterRoutes mounts the admin endpoints on r. Authentication is applied by
// the caller.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/orgs", h.CreateOrg)
	r.Get("/orgs/{orgID}/grants", h.ListGrants)
	r.Post("/grants", h.CreateGrant)
	r.Post("/grants/{grantID}/revoke", h.RevokeGrant)
}

type createOrgRequest struct {
	ID   string `json:"id" validate:"omitempty,uuid"`
	Name string `json:"name" validate:"required,max=200"`
}

// CreateOrg handles POST /api/admin/orgs. A missing id is generated.
func (h *AdminHandler) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "name is required and id must be a uuid")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	org, err := h.orgs.CreateOrg(r.Context(), req.ID, req.Name)
	if err != nil {
		log.Error().Err(err).Str("org_id", req.ID).Msg("admin: create org failed")
		writeError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}
	log.Info().Str("org_id", org.ID).Str("name", org.Name).Msg("admin: organization created")
	writeJSON(w, http.StatusCreated, org)
}

// ListGrants handles GET /api/admin/orgs/{orgID}/grants?history=true&limit=N.
func (h *AdminHandler) ListGrants(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, err := uuid.Parse(orgID); err != nil {
		writeError(w, http.StatusBadRequest, "orgID must be a uuid")
		return
	}
	history, _ := strconv.ParseBool(r.URL.Query().Get("history"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.orgs.ListGrants(r.Context(), orgID, history, limit)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("admin: list grants failed")
		writeError(w, http.StatusInternalServerError, "failed to list grants")
		return
	}
	if list == nil {
		list = []models.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": list})
}

// CreateGrant handles POST /api/admin/grants.
func (h *AdminHandler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req grants.AdminRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	g, err := h.grants.Grant(r.Context(), req)
	if err != nil {
		h.fail(w, err, req.OrgID)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// RevokeGrant handles POST /api/admin/grants/{grantID}/revoke.
func (h *AdminHandler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	g, err := h.grants.Revoke(r.Context(), chi.URLParam(r, "grantID"))
	if err != nil {
		h.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *AdminHandler) fail(w http.ResponseWriter, err error, orgID string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("org_id", orgID).Msg("admin: grant change failed")
	}
	writeError(w, status, publicMessage(err))
}
