package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	crdbpgxv5 "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"

	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/sessions"
)

const sessionColumns = `
    id, owner_id, organization_id, external_customer_id, subject_kind, subject_id,
    garment_ids, overlay_garment_ids, quality, scene, custom_background,
    require_confirmation, status, progress, preview_expires_at,
    base_image_ref, preview_image_ref, guidance_refs, rendered_image_ref,
    credits_charged, upgrade_charged, credits_refunded,
    quota_funded, quota_restored, upgraded_to_ai_only, failure_reason,
    created_at, updated_at, completed_at`

// PostgresSessionStore persists try-on sessions. Every status change runs
// the transition guard inside a transaction holding the row lock, so racing
// writers are decided by the database.
type PostgresSessionStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgresSessionStore constructs a session store backed by PostgreSQL.
func NewPostgresSessionStore(pool db.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Create persists a new session in queued.
func (r *PostgresSessionStore) Create(ctx context.Context, session models.Session) (models.Session, error) {
	prepared, err := sessions.PrepareNew(session, r.now())
	if err != nil {
		return models.Session{}, err
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO tryon_sessions (`+sessionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
                $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
    `, sessionArgs(prepared)...)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Session{}, sessions.ErrConflict
		}
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return prepared, nil
}

// Get fetches a session by id.
func (r *PostgresSessionStore) Get(ctx context.Context, id string) (models.Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	s, err := scanSession(conn.QueryRow(ctx, `SELECT `+sessionColumns+` FROM tryon_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, sessions.ErrNotFound
		}
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}
	return s, nil
}

// UpdateStatus applies a guarded transition. Retryable serialization errors
// re-run the whole read-guard-write cycle.
func (r *PostgresSessionStore) UpdateStatus(ctx context.Context, id string, from, to models.Status, changes sessions.Changes) (models.Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var next models.Session
	err = crdbpgxv5.ExecuteTx(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM tryon_sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return sessions.ErrNotFound
			}
			return fmt.Errorf("lock session: %w", err)
		}

		next, err = sessions.Apply(current, from, to, changes, r.now())
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
            UPDATE tryon_sessions
            SET status = $2, progress = $3, preview_expires_at = $4,
                base_image_ref = $5, preview_image_ref = $6, guidance_refs = $7, rendered_image_ref = $8,
                upgrade_charged = $9, credits_refunded = $10, quota_restored = $11,
                upgraded_to_ai_only = $12, failure_reason = $13, updated_at = $14, completed_at = $15
            WHERE id = $1
        `, next.ID, string(next.Status), next.Progress, next.PreviewExpiresAt,
			next.BaseImageRef, next.PreviewImageRef, guidanceRefs(next.GuidanceRefs), next.RenderedImageRef,
			next.UpgradeCharged, next.CreditsRefunded, next.QuotaRestored,
			next.UpgradedToAIOnly, next.FailureReason, next.UpdatedAt, next.CompletedAt)
		if err != nil {
			if isCheckViolation(err) {
				return sessions.ErrRefundExceedsCharge
			}
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return next, nil
}

// ListByOwner pages through an owner's sessions, newest first.
func (r *PostgresSessionStore) ListByOwner(ctx context.Context, ownerID string, filter sessions.ListFilter) ([]models.Session, error) {
	filter = filter.Normalize()
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+sessionColumns+`
        FROM tryon_sessions
        WHERE owner_id = $1 AND (cardinality($2::TEXT[]) = 0 OR status = ANY($2::TEXT[]))
        ORDER BY created_at DESC, id DESC
        LIMIT $3 OFFSET $4
    `, ownerID, statusStrings(filter.Statuses), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListStale returns sessions in one of statuses not updated since before,
// oldest first.
func (r *PostgresSessionStore) ListStale(ctx context.Context, statuses []models.Status, before time.Time, limit int) ([]models.Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+sessionColumns+`
        FROM tryon_sessions
        WHERE status = ANY($1::TEXT[]) AND updated_at < $2
        ORDER BY updated_at ASC
        LIMIT $3
    `, statusStrings(statuses), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		s                    models.Session
		subjectKind, quality string
		status               string
		garments, overlays   []string
		refs                 map[string]string
	)
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.OrganizationID, &s.ExternalCustomerID, &subjectKind, &s.Subject.ID,
		&garments, &overlays, &quality, &s.Scene, &s.CustomBackground,
		&s.RequireConfirmation, &status, &s.Progress, &s.PreviewExpiresAt,
		&s.BaseImageRef, &s.PreviewImageRef, &refs, &s.RenderedImageRef,
		&s.CreditsCharged, &s.UpgradeCharged, &s.CreditsRefunded,
		&s.QuotaFunded, &s.QuotaRestored, &s.UpgradedToAIOnly, &s.FailureReason,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		return models.Session{}, err
	}
	s.Subject.Kind = models.SubjectKind(subjectKind)
	s.Quality = models.Quality(quality)
	s.Status = models.Status(status)
	s.GarmentIDs = garments
	s.OverlayGarmentIDs = overlays
	if len(refs) > 0 {
		s.GuidanceRefs = refs
	}
	return s, nil
}

func sessionArgs(s models.Session) []any {
	return []any{
		s.ID, s.OwnerID, s.OrganizationID, s.ExternalCustomerID, string(s.Subject.Kind), s.Subject.ID,
		nonNil(s.GarmentIDs), nonNil(s.OverlayGarmentIDs), string(s.Quality), s.Scene, s.CustomBackground,
		s.RequireConfirmation, string(s.Status), s.Progress, s.PreviewExpiresAt,
		s.BaseImageRef, s.PreviewImageRef, guidanceRefs(s.GuidanceRefs), s.RenderedImageRef,
		s.CreditsCharged, s.UpgradeCharged, s.CreditsRefunded,
		s.QuotaFunded, s.QuotaRestored, s.UpgradedToAIOnly, s.FailureReason,
		s.CreatedAt, s.UpdatedAt, s.CompletedAt,
	}
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func guidanceRefs(refs map[string]string) map[string]string {
	if refs == nil {
		return map[string]string{}
	}
	return refs
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ sessions.Store = (*PostgresSessionStore)(nil)
