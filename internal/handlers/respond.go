package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/logging"
	"github.com/garmaxai/backend/internal/pipeline"
)

// UserIDHeader carries the authenticated caller. Authentication happens
// upstream of this service.
const UserIDHeader = "X-User-ID"

// OrganizationIDHeader carries the caller's organization, when any.
const OrganizationIDHeader = "X-Organization-ID"

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

// decodeJSON reads a size-limited body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *errorResponse {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &errorResponse{Error: "invalid request body", Code: "invalid_body"}
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &errorResponse{Error: fe.Field() + " failed " + fe.Tag() + " validation", Code: "invalid_request", Field: fe.Field()}
		}
		return &errorResponse{Error: "invalid request body", Code: "invalid_request"}
	}
	return nil
}

// respondError maps domain errors onto HTTP statuses.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Code: "invalid_request", Field: verr.Field})
	case errors.Is(err, pipeline.ErrInsufficientCredits):
		respondJSON(ctx, w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credits", Code: "insufficient_credits"})
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		respondJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "not found", Code: "not_found"})
	case errors.Is(err, pipeline.ErrAlreadyRendering):
		respondJSON(ctx, w, http.StatusConflict, errorResponse{Error: "session is already rendering", Code: "already_rendering"})
	case errors.Is(err, pipeline.ErrAlreadyTerminal):
		respondJSON(ctx, w, http.StatusConflict, errorResponse{Error: "session has already finished", Code: "already_terminal"})
	case errors.Is(err, pipeline.ErrInvalidState):
		respondJSON(ctx, w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_state"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request", Field: "amount"})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		logging.FromContext(ctx).Info("request cancelled by client")
	default:
		logging.FromContext(ctx).Error("unhandled error", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func requireUser(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if owner == "" {
		respondJSON(ctx, w, http.StatusUnauthorized, errorResponse{Error: UserIDHeader + " header is required", Code: "unauthenticated"})
		return "", false
	}
	return owner, true
}
