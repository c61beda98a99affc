package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/sessions"
)

func newSessionID() string { return uuid.NewString() }

// CreateRequest is what a caller submits to start a try-on.
type CreateRequest struct {
	AvatarID           string
	PhotoID            string
	GarmentIDs         []string
	OverlayGarmentIDs  []string
	Quality            models.Quality
	Scene              string
	CustomBackground   string
	OrganizationID     string
	ExternalCustomerID string
	// RequireConfirmation overrides the configured default when set.
	RequireConfirmation *bool
}

// CreateSession validates the request, reserves credits, persists the session
// in queued and hands it to the guidance stage. It returns once the session
// is persisted; all further work is asynchronous.
//
// Validation and funding errors leave no trace. If the session cannot be
// persisted the reservation is refunded. If the guidance handoff fails the
// session is returned already failed and refunded.
func (m *Machine) CreateSession(ctx context.Context, ownerID string, req CreateRequest) (models.Session, error) {
	subject, err := sessions.NewSubject(req.AvatarID, req.PhotoID)
	if err != nil {
		return models.Session{}, err
	}
	requireConfirmation := m.cfg.RequireConfirmation
	if req.RequireConfirmation != nil {
		requireConfirmation = *req.RequireConfirmation
	}

	draft, err := sessions.PrepareNew(models.Session{
		ID:                  m.newID(),
		OwnerID:             strings.TrimSpace(ownerID),
		OrganizationID:      strings.TrimSpace(req.OrganizationID),
		ExternalCustomerID:  strings.TrimSpace(req.ExternalCustomerID),
		Subject:             subject,
		GarmentIDs:          req.GarmentIDs,
		OverlayGarmentIDs:   req.OverlayGarmentIDs,
		Quality:             req.Quality,
		Scene:               strings.TrimSpace(req.Scene),
		CustomBackground:    strings.TrimSpace(req.CustomBackground),
		RequireConfirmation: requireConfirmation,
	}, m.now())
	if err != nil {
		return models.Session{}, err
	}
	cost, err := m.cfg.Pricing.Cost(draft.Quality)
	if err != nil {
		return models.Session{}, &ValidationError{Field: "quality", Message: err.Error()}
	}

	ctx, logger := m.scoped(ctx, draft.ID)
	var steps saga

	res, err := m.ledger.Reserve(ctx, ledger.ReserveRequest{
		AccountID:  draft.AccountID(),
		Key:        draft.ID,
		Tier:       draft.Quality,
		Credits:    cost,
		AllowQuota: true,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			metrics.ReservationsRejected.Inc()
			logger.Info("session rejected: insufficient credits", "accountId", draft.AccountID(), "cost", cost)
			return models.Session{}, fmt.Errorf("reserve %d credits: %w", cost, ErrInsufficientCredits)
		}
		return models.Session{}, fmt.Errorf("reserve credits: %w", err)
	}
	steps.onFailure(func(ctx context.Context) {
		m.refundKey(ctx, draft, draft.ID)
	})

	draft.CreditsCharged = res.Credits
	draft.QuotaFunded = res.QuotaFunded()

	created, err := m.store.Create(ctx, draft)
	if err != nil {
		steps.compensate(ctx)
		return models.Session{}, fmt.Errorf("persist session: %w", err)
	}
	logger.Info("session created",
		"ownerId", created.OwnerID,
		"accountId", created.AccountID(),
		"quality", created.Quality,
		"creditsCharged", created.CreditsCharged,
		"quotaFunded", created.QuotaFunded,
	)

	metrics.Transitions.WithLabelValues("", string(models.StatusQueued)).Inc()
	ctx, cancel := detach(ctx)
	defer cancel()
	if pubErr := m.publisher.Publish(ctx, models.NewStatusEvent("", created, m.now())); pubErr != nil {
		logger.Error("guidance handoff failed; failing session", "error", pubErr)
		return m.failStage(ctx, created, "stage handoff failed: "+pubErr.Error())
	}
	return created, nil
}

// GetSessionStatus returns the current copy of a session.
func (m *Machine) GetSessionStatus(ctx context.Context, id string) (models.Session, error) {
	return m.get(ctx, id)
}

// ListSessions pages through an owner's sessions, newest first.
func (m *Machine) ListSessions(ctx context.Context, ownerID string, filter sessions.ListFilter) ([]models.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, &ValidationError{Field: "ownerId", Message: "is required"}
	}
	list, err := m.store.ListByOwner(ctx, ownerID, filter.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

// CreditsPurchased tops up an account after a completed payment.
func (m *Machine) CreditsPurchased(ctx context.Context, accountID string, amount int64) error {
	if strings.TrimSpace(accountID) == "" {
		return &ValidationError{Field: "accountId", Message: "is required"}
	}
	if amount < 0 {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if err := m.ledger.AddCredits(ctx, accountID, amount); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	m.logger.Info("credits purchased", "accountId", accountID, "amount", amount)
	return nil
}

// Account returns the balance and quota of an account.
func (m *Machine) Account(ctx context.Context, accountID string) (models.CreditAccount, error) {
	return m.ledger.Account(ctx, accountID)
}
