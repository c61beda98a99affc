package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/garmaxai/backend/internal/logging"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/pipeline"
	"github.com/garmaxai/backend/internal/sessions"
)

// SessionHandler exposes the try-on session lifecycle.
type SessionHandler struct {
	Sessions SessionService
}

type createSessionRequest struct {
	AvatarID            string   `json:"avatarId" validate:"required_without=PhotoID,max=128"`
	PhotoID             string   `json:"photoId" validate:"required_without=AvatarID,max=128"`
	GarmentIDs          []string `json:"garmentIds" validate:"required,min=1,max=10,dive,required,max=128"`
	OverlayGarmentIDs   []string `json:"overlayGarmentIds" validate:"omitempty,max=10,dive,required,max=128"`
	Quality             string   `json:"quality" validate:"required"`
	Scene               string   `json:"scene" validate:"omitempty,max=64"`
	CustomBackground    string   `json:"customBackground" validate:"omitempty,max=500"`
	OrganizationID      string   `json:"organizationId" validate:"omitempty,max=128"`
	ExternalCustomerID  string   `json:"externalCustomerId" validate:"omitempty,max=128"`
	RequireConfirmation *bool    `json:"requireConfirmation"`
}

type confirmRequest struct {
	Approved        *bool `json:"approved" validate:"required"`
	UpgradeToAIOnly bool  `json:"upgradeToAiOnly"`
}

type sessionResponse struct {
	Session models.Session `json:"session"`
}

type sessionListResponse struct {
	Sessions []models.Session `json:"sessions"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// Create handles POST /api/v1/tryon/sessions.
func (h SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := requireUser(ctx, w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if errResp := decodeJSON(w, r, &req); errResp != nil {
		respondJSON(ctx, w, http.StatusBadRequest, errResp)
		return
	}
	quality, err := models.ParseQuality(req.Quality)
	if err != nil {
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request", Field: "quality"})
		return
	}

	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID != "" && orgID != strings.TrimSpace(r.Header.Get(OrganizationIDHeader)) {
		respondJSON(ctx, w, http.StatusForbidden, errorResponse{Error: "organization does not match caller", Code: "forbidden", Field: "organizationId"})
		return
	}

	session, err := h.Sessions.CreateSession(ctx, owner, pipeline.CreateRequest{
		AvatarID:            req.AvatarID,
		PhotoID:             req.PhotoID,
		GarmentIDs:          req.GarmentIDs,
		OverlayGarmentIDs:   req.OverlayGarmentIDs,
		Quality:             quality,
		Scene:               req.Scene,
		CustomBackground:    req.CustomBackground,
		OrganizationID:      orgID,
		ExternalCustomerID:  req.ExternalCustomerID,
		RequireConfirmation: req.RequireConfirmation,
	})
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	logging.FromContext(ctx).Info("session accepted", "sessionId", session.ID, "status", session.Status)
	w.Header().Set("Location", "/api/v1/tryon/sessions/"+session.ID)
	respondJSON(ctx, w, http.StatusAccepted, sessionResponse{Session: session})
}

// List handles GET /api/v1/tryon/sessions?status=a,b&limit=n&offset=m.
func (h SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := requireUser(ctx, w, r)
	if !ok {
		return
	}

	filter, field, err := parseListFilter(r)
	if err != nil {
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request", Field: field})
		return
	}

	list, err := h.Sessions.ListSessions(ctx, owner, filter)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	filter = filter.Normalize()
	respondJSON(ctx, w, http.StatusOK, sessionListResponse{Sessions: list, Limit: filter.Limit, Offset: filter.Offset})
}

// Get handles GET /api/v1/tryon/sessions/{id}.
func (h SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.owned(w, r)
	if !ok {
		return
	}
	respondJSON(ctx, w, http.StatusOK, sessionResponse{Session: session})
}

// Confirm handles POST /api/v1/tryon/sessions/{id}/confirm.
func (h SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req confirmRequest
	if errResp := decodeJSON(w, r, &req); errResp != nil {
		respondJSON(ctx, w, http.StatusBadRequest, errResp)
		return
	}
	session, ok := h.owned(w, r)
	if !ok {
		return
	}

	updated, err := h.Sessions.ConfirmPreview(ctx, session.ID, *req.Approved, req.UpgradeToAIOnly)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, sessionResponse{Session: updated})
}

// Cancel handles POST /api/v1/tryon/sessions/{id}/cancel.
func (h SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.owned(w, r)
	if !ok {
		return
	}

	cancelled, err := h.Sessions.CancelSession(ctx, session.ID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, sessionResponse{Session: cancelled})
}

// owned loads the session named in the path and checks the caller owns it.
// Sessions of other owners are reported as missing.
func (h SessionHandler) owned(w http.ResponseWriter, r *http.Request) (models.Session, bool) {
	ctx := r.Context()
	owner, ok := requireUser(ctx, w, r)
	if !ok {
		return models.Session{}, false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "session id is required", Code: "invalid_request", Field: "id"})
		return models.Session{}, false
	}

	session, err := h.Sessions.GetSessionStatus(ctx, id)
	if err != nil {
		respondError(ctx, w, err)
		return models.Session{}, false
	}
	if session.OwnerID != owner {
		respondError(ctx, w, pipeline.ErrNotFound)
		return models.Session{}, false
	}
	return session, true
}

func parseListFilter(r *http.Request) (sessions.ListFilter, string, error) {
	q := r.URL.Query()
	var filter sessions.ListFilter

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := models.ParseStatus(part)
			if err != nil {
				return filter, "status", err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, "limit", errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, "offset", errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, "", nil
}
