package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/render"
)

// PostgresBatchStore persists render batches and their per-session
// deliveries.
type PostgresBatchStore struct {
	pool db.Pool
}

// NewPostgresBatchStore constructs a batch store backed by PostgreSQL.
func NewPostgresBatchStore(pool db.Pool) *PostgresBatchStore {
	return &PostgresBatchStore{pool: pool}
}

// CreateBatch implements render.BatchStore.
func (r *PostgresBatchStore) CreateBatch(ctx context.Context, job models.BatchJob) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO batch_jobs (id, status, session_ids, manifest_ref, provider_job_id, cost, error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, job.ID, string(job.Status), nonNil(job.SessionIDs), job.ManifestRef, job.ProviderJobID, job.Cost, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch implements render.BatchStore.
func (r *PostgresBatchStore) GetBatch(ctx context.Context, id string) (models.BatchJob, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var (
		job    models.BatchJob
		status string
	)
	err = conn.QueryRow(ctx, `
        SELECT b.id, b.status, b.session_ids, b.manifest_ref, b.provider_job_id, b.cost, b.error, b.created_at, b.updated_at,
               COALESCE((SELECT array_agg(d.session_id ORDER BY d.delivered_at) FROM batch_deliveries d WHERE d.batch_id = b.id), ARRAY[]::TEXT[])
        FROM batch_jobs b
        WHERE b.id = $1
    `, id).Scan(&job.ID, &status, &job.SessionIDs, &job.ManifestRef, &job.ProviderJobID, &job.Cost, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.Delivered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BatchJob{}, render.ErrBatchNotFound
		}
		return models.BatchJob{}, fmt.Errorf("select batch: %w", err)
	}
	job.Status = models.BatchStatus(status)
	return job, nil
}

// UpdateBatch implements render.BatchStore. Terminal batches keep their
// status; empty providerJobID or errText leave the stored values.
func (r *PostgresBatchStore) UpdateBatch(ctx context.Context, id string, status models.BatchStatus, providerJobID, errText string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE batch_jobs
        SET status = CASE WHEN status IN ('completed', 'failed') THEN status ELSE $2::TEXT END,
            provider_job_id = CASE WHEN $3::TEXT = '' OR status IN ('completed', 'failed') THEN provider_job_id ELSE $3 END,
            error = CASE WHEN $4::TEXT = '' OR status IN ('completed', 'failed') THEN error ELSE $4 END,
            updated_at = NOW()
        WHERE id = $1
    `, id, string(status), providerJobID, errText)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return render.ErrBatchNotFound
	}
	return nil
}

// MarkDelivered implements render.BatchStore. The primary key on
// (batch_id, session_id) makes the first caller win.
func (r *PostgresBatchStore) MarkDelivered(ctx context.Context, batchID, sessionID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        INSERT INTO batch_deliveries (batch_id, session_id) VALUES ($1, $2)
        ON CONFLICT (batch_id, session_id) DO NOTHING
    `, batchID, sessionID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, render.ErrBatchNotFound
		}
		return false, fmt.Errorf("insert batch delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UnmarkDelivered implements render.BatchStore.
func (r *PostgresBatchStore) UnmarkDelivered(ctx context.Context, batchID, sessionID string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
        DELETE FROM batch_deliveries WHERE batch_id = $1 AND session_id = $2
    `, batchID, sessionID); err != nil {
		return fmt.Errorf("delete batch delivery: %w", err)
	}
	return nil
}

var _ render.BatchStore = (*PostgresBatchStore)(nil)
