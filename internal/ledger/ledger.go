// Package ledger keeps per-account credit balances and subscription quota.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/garmaxai/backend/internal/models"
)

var (
	// ErrInsufficientCredits indicates the account cannot fund the reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount indicates a negative credit amount.
	ErrInvalidAmount = errors.New("credit amount must not be negative")
	// ErrAccountNotFound indicates the account has never been funded.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrReservationNotFound indicates a refund for a key that was never reserved.
	ErrReservationNotFound = errors.New("reservation not found")
)

// ReserveRequest asks the ledger to set aside funds for one unit of work.
// Key identifies the unit (a session id, or a session id plus a suffix for
// surcharges) and makes both Reserve and Refund idempotent.
type ReserveRequest struct {
	AccountID  string
	Key        string
	Tier       models.Quality
	Credits    int64
	AllowQuota bool
}

// Ledger is the atomic balance holder consulted by the session pipeline.
type Ledger interface {
	// Reserve debits quota first (when allowed and the tier is covered), then
	// the raw balance. Concurrent reservations on one account are serialised.
	Reserve(ctx context.Context, req ReserveRequest) (models.Reservation, error)
	// Refund returns exactly what the reservation under key consumed. The
	// boolean is false when the key was already refunded.
	Refund(ctx context.Context, accountID, key string) (models.Reservation, bool, error)
	// AddCredits tops up an account, creating it if needed.
	AddCredits(ctx context.Context, accountID string, amount int64) error
	// Account returns the current balance and quota counters.
	Account(ctx context.Context, accountID string) (models.CreditAccount, error)
}

// UpgradeKey is the reservation key used for the AI-only upgrade surcharge.
func UpgradeKey(sessionID string) string {
	return sessionID + ":upgrade"
}

// Pricing maps render tiers to credit costs.
type Pricing struct {
	Standard         int64
	HD               int64
	Ultra            int64
	UpgradeSurcharge int64
}

// DefaultPricing mirrors the product price list.
func DefaultPricing() Pricing {
	return Pricing{Standard: 10, HD: 20, Ultra: 30, UpgradeSurcharge: 5}
}

// Cost returns the credit cost for a tier.
func (p Pricing) Cost(q models.Quality) (int64, error) {
	switch q {
	case models.QualityStandard:
		return p.Standard, nil
	case models.QualityHD:
		return p.HD, nil
	case models.QualityUltra:
		return p.Ultra, nil
	default:
		return 0, fmt.Errorf("no price for quality %q", q)
	}
}
