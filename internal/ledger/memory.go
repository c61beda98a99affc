package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

type accountState struct {
	mu           sync.Mutex
	account      models.CreditAccount
	reservations map[string]models.Reservation
	refunded     map[string]struct{}
}

// MemoryLedger implements Ledger with one mutex per account. It backs tests and
// single-process deployments.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*accountState
	now      func() time.Time
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*accountState),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) state(accountID string, create bool) *accountState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.accounts[accountID]
	if !ok && create {
		st = &accountState{
			account:      models.CreditAccount{ID: accountID},
			reservations: make(map[string]models.Reservation),
			refunded:     make(map[string]struct{}),
		}
		l.accounts[accountID] = st
	}
	return st
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(ctx context.Context, req ReserveRequest) (models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return models.Reservation{}, err
	}
	if req.Credits < 0 {
		return models.Reservation{}, ErrInvalidAmount
	}
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.Key) == "" {
		return models.Reservation{}, ErrAccountNotFound
	}

	st := l.state(req.AccountID, false)
	if st == nil {
		if req.Credits > 0 {
			return models.Reservation{}, ErrInsufficientCredits
		}
		st = l.state(req.AccountID, true)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.reservations[req.Key]; ok {
		return existing, nil
	}

	res := models.Reservation{AccountID: req.AccountID, Key: req.Key, Tier: req.Tier}
	switch {
	case req.AllowQuota && st.account.QuotaCovers(req.Tier):
		st.account.QuotaUsed++
		res.QuotaUnits = 1
	case st.account.Balance >= req.Credits:
		st.account.Balance -= req.Credits
		res.Credits = req.Credits
	default:
		return models.Reservation{}, ErrInsufficientCredits
	}

	st.account.UpdatedAt = l.now()
	st.reservations[req.Key] = res
	return res, nil
}

// Refund implements Ledger.
func (l *MemoryLedger) Refund(ctx context.Context, accountID, key string) (models.Reservation, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Reservation{}, false, err
	}
	st := l.state(accountID, false)
	if st == nil {
		return models.Reservation{}, false, ErrReservationNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	res, ok := st.reservations[key]
	if !ok {
		return models.Reservation{}, false, ErrReservationNotFound
	}
	if _, done := st.refunded[key]; done {
		return res, false, nil
	}

	st.account.Balance += res.Credits
	st.account.QuotaUsed -= res.QuotaUnits
	if st.account.QuotaUsed < 0 {
		st.account.QuotaUsed = 0
	}
	st.account.UpdatedAt = l.now()
	st.refunded[key] = struct{}{}
	return res, true, nil
}

// AddCredits implements Ledger.
func (l *MemoryLedger) AddCredits(ctx context.Context, accountID string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(accountID) == "" {
		return ErrAccountNotFound
	}
	st := l.state(accountID, true)
	st.mu.Lock()
	st.account.Balance += amount
	st.account.UpdatedAt = l.now()
	st.mu.Unlock()
	return nil
}

// SetQuota configures the subscription allotment for an account.
func (l *MemoryLedger) SetQuota(_ context.Context, accountID string, limit int, tier models.Quality) error {
	if limit < 0 {
		return ErrInvalidAmount
	}
	st := l.state(accountID, true)
	st.mu.Lock()
	st.account.QuotaLimit = limit
	st.account.QuotaTier = tier
	st.account.UpdatedAt = l.now()
	st.mu.Unlock()
	return nil
}

// Account implements Ledger.
func (l *MemoryLedger) Account(ctx context.Context, accountID string) (models.CreditAccount, error) {
	if err := ctx.Err(); err != nil {
		return models.CreditAccount{}, err
	}
	st := l.state(accountID, false)
	if st == nil {
		return models.CreditAccount{}, ErrAccountNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account, nil
}

var _ Ledger = (*MemoryLedger)(nil)
