package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/notify"
)

// PostgresWebhookStore keeps enterprise webhook registrations and dead
// letters.
type PostgresWebhookStore struct {
	pool db.Pool
}

// NewPostgresWebhookStore constructs a webhook store backed by PostgreSQL.
func NewPostgresWebhookStore(pool db.Pool) *PostgresWebhookStore {
	return &PostgresWebhookStore{pool: pool}
}

// Register adds an endpoint for an owner.
func (r *PostgresWebhookStore) Register(ctx context.Context, endpoint models.WebhookEndpoint) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if endpoint.ID == "" {
		endpoint.ID = uuid.NewString()
	}
	_, err = conn.Exec(ctx, `
        INSERT INTO webhook_endpoints (id, owner_id, url, secret)
        VALUES ($1, $2, $3, $4)
    `, endpoint.ID, endpoint.OwnerID, endpoint.URL, endpoint.Secret)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

// ListEndpoints implements notify.EndpointStore.
func (r *PostgresWebhookStore) ListEndpoints(ctx context.Context, ownerID string) ([]models.WebhookEndpoint, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, owner_id, url, secret, failure_count, created_at
        FROM webhook_endpoints
        WHERE owner_id = $1
        ORDER BY created_at ASC
    `, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.WebhookEndpoint
	for rows.Next() {
		var e models.WebhookEndpoint
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.URL, &e.Secret, &e.FailureCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook endpoints: %w", err)
	}
	return endpoints, nil
}

// RecordFailure implements notify.EndpointStore.
func (r *PostgresWebhookStore) RecordFailure(ctx context.Context, endpointID string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `UPDATE webhook_endpoints SET failure_count = failure_count + 1 WHERE id = $1`, endpointID)
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDeadLetter implements notify.DeadLetterStore.
func (r *PostgresWebhookStore) SaveDeadLetter(ctx context.Context, letter models.DeadLetter) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	_, err = conn.Exec(ctx, `
        INSERT INTO webhook_dead_letters (id, endpoint_id, session_id, payload, attempts, last_error)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, letter.ID, letter.EndpointID, letter.SessionID, letter.Payload, letter.Attempts, letter.LastError)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

var (
	_ notify.EndpointStore   = (*PostgresWebhookStore)(nil)
	_ notify.DeadLetterStore = (*PostgresWebhookStore)(nil)
)
