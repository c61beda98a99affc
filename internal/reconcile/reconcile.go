// Package reconcile parks compensating actions that failed and retries them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
)

// ErrEntryNotFound indicates an unknown reconciliation entry.
var ErrEntryNotFound = errors.New("reconciliation entry not found")

// Store persists open and resolved entries.
type Store interface {
	Record(ctx context.Context, entry models.ReconciliationEntry) error
	ListOpen(ctx context.Context, limit int) ([]models.ReconciliationEntry, error)
	Resolve(ctx context.Context, id string, at time.Time) error
	IncrementAttempts(ctx context.Context, id string) error
}

// Refunder is the ledger operation a reconciliation retry re-runs.
type Refunder interface {
	Refund(ctx context.Context, accountID, key string) (models.Reservation, bool, error)
}

// Reconciler records failed refunds and retries them. Ledger refunds are
// idempotent per key, so a retry never pays out twice.
type Reconciler struct {
	store    Store
	refunder Refunder
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Reconciler.
func New(store Store, refunder Refunder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		refunder: refunder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record queues a refund of key on accountID for a later retry.
func (r *Reconciler) Record(ctx context.Context, entry models.ReconciliationEntry, cause error) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	if entry.Reason == "" && cause != nil {
		entry.Reason = cause.Error()
	}
	if err := r.store.Record(ctx, entry); err != nil {
		return fmt.Errorf("record reconciliation entry: %w", err)
	}
	metrics.ReconciliationQueued.Inc()
	r.logger.Error("refund queued for reconciliation",
		"entryId", entry.ID,
		"sessionId", entry.SessionID,
		"accountId", entry.AccountID,
		"key", entry.ReservationKey,
		"reason", entry.Reason,
	)
	return nil
}

// Retry re-runs up to limit open refunds and returns how many resolved.
func (r *Reconciler) Retry(ctx context.Context, limit int) (int, error) {
	entries, err := r.store.ListOpen(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list open reconciliation entries: %w", err)
	}

	resolved := 0
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		_, applied, err := r.refunder.Refund(ctx, entry.AccountID, entry.ReservationKey)
		switch {
		case errors.Is(err, ledger.ErrReservationNotFound):
			// Nothing was ever charged under the key.
			r.logger.Warn("reconciliation entry has no reservation", "entryId", entry.ID, "key", entry.ReservationKey)
		case err != nil:
			metrics.Refunds.WithLabelValues("failed").Inc()
			if incErr := r.store.IncrementAttempts(ctx, entry.ID); incErr != nil {
				errs = append(errs, incErr)
			}
			r.logger.Warn("reconciliation retry failed", "entryId", entry.ID, "attempts", entry.Attempts+1, "error", err)
			continue
		case applied:
			metrics.Refunds.WithLabelValues("applied").Inc()
		default:
			metrics.Refunds.WithLabelValues("duplicate").Inc()
		}
		if err := r.store.Resolve(ctx, entry.ID, r.now()); err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", entry.ID, err))
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// Run retries open entries every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Retry(ctx, 100)
			if err != nil {
				r.logger.Error("reconciliation pass", "error", err)
			}
			if n > 0 {
				r.logger.Info("reconciliation pass resolved entries", "resolved", n)
			}
		}
	}
}
