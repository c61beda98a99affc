package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garmaxai/backend/internal/confirm"
	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/sessions"
)

// ConfirmPreview records the user's decision on a preview. Rejecting cancels
// and refunds the session. Approving starts the render; with upgrade the
// surcharge is reserved first, and a failed reservation leaves the session
// waiting with its countdown still running.
func (m *Machine) ConfirmPreview(ctx context.Context, id string, approved, upgradeToAIOnly bool) (models.Session, error) {
	ctx, logger := m.scoped(ctx, id)
	s, err := m.get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if s.Status != models.StatusAwaitingConfirmation {
		return s, fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}

	if !approved {
		cancelled, err := m.terminate(ctx, s, models.StatusCancelled, "preview rejected", awaitingOnly)
		if err != nil {
			return cancelled, stateError(err)
		}
		logger.Info("preview rejected", "creditsRefunded", cancelled.CreditsRefunded)
		return cancelled, nil
	}

	if !upgradeToAIOnly {
		rendering, err := m.transition(ctx, s, models.StatusRendering, sessions.Changes{})
		if err != nil {
			return s, stateError(err)
		}
		m.disarmTimer(id)
		return rendering, nil
	}
	return m.upgrade(ctx, s)
}

func (m *Machine) upgrade(ctx context.Context, s models.Session) (models.Session, error) {
	logger := m.loggerFor(ctx)
	var steps saga

	key := ledger.UpgradeKey(s.ID)
	res, err := m.ledger.Reserve(ctx, ledger.ReserveRequest{
		AccountID: s.AccountID(),
		Key:       key,
		Tier:      s.Quality,
		Credits:   m.cfg.Pricing.UpgradeSurcharge,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			metrics.ReservationsRejected.Inc()
			logger.Info("upgrade rejected: insufficient credits", "surcharge", m.cfg.Pricing.UpgradeSurcharge)
			return s, fmt.Errorf("reserve upgrade surcharge: %w", ErrInsufficientCredits)
		}
		return s, fmt.Errorf("reserve upgrade surcharge: %w", err)
	}
	steps.onFailure(func(ctx context.Context) {
		m.refundKey(ctx, s, key)
	})

	rendering, err := m.transition(ctx, s, models.StatusRendering, sessions.Changes{
		UpgradeCharged:   sessions.Int64Ptr(res.Credits),
		UpgradedToAIOnly: sessions.BoolPtr(true),
	})
	if err != nil {
		steps.compensate(ctx)
		return s, stateError(err)
	}
	m.disarmTimer(s.ID)
	logger.Info("preview approved with upgrade", "surcharge", res.Credits)
	return rendering, nil
}

// CancelSession cancels a session that has not started rendering and
// refunds it in full.
func (m *Machine) CancelSession(ctx context.Context, id string) (models.Session, error) {
	ctx, logger := m.scoped(ctx, id)
	s, err := m.get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	cancelled, err := m.terminate(ctx, s, models.StatusCancelled, "cancelled by user", cancellableOnly)
	if err != nil {
		return cancelled, err
	}
	logger.Info("session cancelled", "creditsRefunded", cancelled.CreditsRefunded, "quotaRestored", cancelled.QuotaRestored)
	return cancelled, nil
}

func awaitingOnly(s models.Session) error {
	if s.Status != models.StatusAwaitingConfirmation {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}
	return nil
}

func cancellableOnly(s models.Session) error {
	if s.Status == models.StatusRendering {
		return ErrAlreadyRendering
	}
	if !s.Status.Cancellable() {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}
	return nil
}

// confirmationExpired is the timer callback. It applies the timeout policy
// only if the session is still waiting; a user action that already won is
// left alone.
func (m *Machine) confirmationExpired(sessionID string) {
	metrics.PendingConfirmations.Set(float64(m.timers.Len()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.ConfirmationExpired(ctx, sessionID); err != nil {
		m.logger.Error("confirmation expiry", "sessionId", sessionID, "error", err)
	}
}

// ConfirmationExpired resolves a lapsed confirmation window with the
// configured policy.
func (m *Machine) ConfirmationExpired(ctx context.Context, id string) (models.Session, error) {
	ctx, logger := m.scoped(ctx, id)
	s, err := m.get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if s.Status != models.StatusAwaitingConfirmation {
		logger.Debug("confirmation window lapsed after the session moved on", "status", s.Status)
		return s, nil
	}

	var next models.Session
	switch m.cfg.TimeoutPolicy {
	case confirm.PolicyAutoReject:
		next, err = m.terminate(ctx, s, models.StatusCancelled, "confirmation window expired", awaitingOnly)
	default:
		next, err = m.transition(ctx, s, models.StatusRendering, sessions.Changes{})
	}
	switch {
	case err == nil:
		logger.Info("confirmation window expired", "policy", m.cfg.TimeoutPolicy, "status", next.Status)
		return next, nil
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, sessions.ErrStatusConflict), errors.Is(err, sessions.ErrTerminal):
		logger.Debug("user action won the confirmation race")
		return m.get(ctx, id)
	default:
		return s, err
	}
}
