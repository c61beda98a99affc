package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/reconcile"
)

// PostgresReconciliationStore persists failed refunds awaiting a retry.
type PostgresReconciliationStore struct {
	pool db.Pool
}

// NewPostgresReconciliationStore constructs a reconciliation store backed by
// PostgreSQL.
func NewPostgresReconciliationStore(pool db.Pool) *PostgresReconciliationStore {
	return &PostgresReconciliationStore{pool: pool}
}

// Record implements reconcile.Store.
func (r *PostgresReconciliationStore) Record(ctx context.Context, entry models.ReconciliationEntry) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO reconciliation_entries (id, session_id, account_id, reservation_key, credits, quota_units, reason, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, entry.ID, entry.SessionID, entry.AccountID, entry.ReservationKey, entry.Credits, entry.QuotaUnits, entry.Reason, entry.Attempts, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert reconciliation entry: %w", err)
	}
	return nil
}

// ListOpen implements reconcile.Store. Oldest entries come first.
func (r *PostgresReconciliationStore) ListOpen(ctx context.Context, limit int) ([]models.ReconciliationEntry, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, session_id, account_id, reservation_key, credits, quota_units, reason, attempts, created_at
        FROM reconciliation_entries
        WHERE resolved_at IS NULL
        ORDER BY created_at ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ReconciliationEntry
	for rows.Next() {
		var e models.ReconciliationEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AccountID, &e.ReservationKey, &e.Credits, &e.QuotaUnits, &e.Reason, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconciliation entries: %w", err)
	}
	return entries, nil
}

// Resolve implements reconcile.Store.
func (r *PostgresReconciliationStore) Resolve(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE reconciliation_entries SET resolved_at = $2 WHERE id = $1`, id, at)
}

// IncrementAttempts implements reconcile.Store.
func (r *PostgresReconciliationStore) IncrementAttempts(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE reconciliation_entries SET attempts = attempts + 1 WHERE id = $1`, id)
}

func (r *PostgresReconciliationStore) exec(ctx context.Context, query string, args ...any) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update reconciliation entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntryNotFound
	}
	return nil
}

var _ reconcile.Store = (*PostgresReconciliationStore)(nil)
