package handlers

import (
	"context"

	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/pipeline"
	"github.com/garmaxai/backend/internal/sessions"
)

// SessionService captures the session pipeline operations exposed over HTTP.
type SessionService interface {
	CreateSession(ctx context.Context, ownerID string, req pipeline.CreateRequest) (models.Session, error)
	GetSessionStatus(ctx context.Context, id string) (models.Session, error)
	ListSessions(ctx context.Context, ownerID string, filter sessions.ListFilter) ([]models.Session, error)
	ConfirmPreview(ctx context.Context, id string, approved, upgradeToAIOnly bool) (models.Session, error)
	CancelSession(ctx context.Context, id string) (models.Session, error)
}

// CreditService captures the ledger operations exposed over HTTP.
type CreditService interface {
	CreditsPurchased(ctx context.Context, accountID string, amount int64) error
	Account(ctx context.Context, accountID string) (models.CreditAccount, error)
}

// EventSource streams encoded status events for a topic.
type EventSource interface {
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
