package handlers

import (
	"net/http"
	"strings"
)

// CreditHandler exposes account balances and purchase top-ups.
type CreditHandler struct {
	Credits CreditService
}

type purchaseRequest struct {
	AccountID string `json:"accountId" validate:"required,max=128"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	PaymentID string `json:"paymentId" validate:"omitempty,max=128"`
}

// Purchase handles POST /api/v1/credits/purchases. The payment provider
// calls it after a completed checkout.
func (h CreditHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req purchaseRequest
	if errResp := decodeJSON(w, r, &req); errResp != nil {
		respondJSON(ctx, w, http.StatusBadRequest, errResp)
		return
	}

	if err := h.Credits.CreditsPurchased(ctx, strings.TrimSpace(req.AccountID), req.Amount); err != nil {
		respondError(ctx, w, err)
		return
	}
	account, err := h.Credits.Account(ctx, strings.TrimSpace(req.AccountID))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, account)
}

// Account handles GET /api/v1/credits/{accountId}. Callers may read their
// own account or their organization's.
func (h CreditHandler) Account(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := requireUser(ctx, w, r)
	if !ok {
		return
	}
	accountID := strings.TrimSpace(r.PathValue("accountId"))
	org := strings.TrimSpace(r.Header.Get(OrganizationIDHeader))
	if accountID != owner && (org == "" || accountID != org) {
		respondJSON(ctx, w, http.StatusForbidden, errorResponse{Error: "account does not belong to caller", Code: "forbidden"})
		return
	}

	account, err := h.Credits.Account(ctx, accountID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, account)
}
