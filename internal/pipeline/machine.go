// Package pipeline drives try-on sessions through their lifecycle and keeps
// the credit ledger consistent with every outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garmaxai/backend/internal/confirm"
	"github.com/garmaxai/backend/internal/guidance"
	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/logging"
	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/render"
	"github.com/garmaxai/backend/internal/sessions"
)

// maxTransitionAttempts bounds re-reads after losing a transition race.
const maxTransitionAttempts = 5

// Publisher receives one event per applied transition. An error means the
// next stage could not be handed off.
type Publisher interface {
	Publish(ctx context.Context, ev models.StatusEvent) error
}

// Reconciler parks refunds that failed.
type Reconciler interface {
	Record(ctx context.Context, entry models.ReconciliationEntry, cause error) error
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Store      sessions.Store
	Ledger     ledger.Ledger
	Publisher  Publisher
	Timers     *confirm.Scheduler
	Reconciler Reconciler
	Guidance   guidance.Generator
	Renderer   render.Renderer
	Logger     *slog.Logger
	Clock      func() time.Time
	NewID      func() string
}

// Machine is the session state machine. It is safe for concurrent use; the
// store's guarded UpdateStatus decides every race.
type Machine struct {
	cfg        Config
	store      sessions.Store
	ledger     ledger.Ledger
	publisher  Publisher
	timers     *confirm.Scheduler
	reconciler Reconciler
	guidance   guidance.Generator
	renderer   render.Renderer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// New validates the dependencies and returns a Machine.
func New(cfg Config, deps Deps) (*Machine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: session store is required")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case deps.Publisher == nil:
		return nil, errors.New("pipeline: publisher is required")
	case deps.Reconciler == nil:
		return nil, errors.New("pipeline: reconciler is required")
	case deps.Guidance == nil:
		return nil, errors.New("pipeline: guidance generator is required")
	case deps.Renderer == nil:
		return nil, errors.New("pipeline: renderer is required")
	}
	if deps.Timers == nil {
		deps.Timers = confirm.NewScheduler()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewID == nil {
		deps.NewID = newSessionID
	}
	return &Machine{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		ledger:     deps.Ledger,
		publisher:  deps.Publisher,
		timers:     deps.Timers,
		reconciler: deps.Reconciler,
		guidance:   deps.Guidance,
		renderer:   deps.Renderer,
		logger:     deps.Logger,
		now:        deps.Clock,
		newID:      deps.NewID,
	}, nil
}

// Config returns the effective configuration.
func (m *Machine) Config() Config { return m.cfg }

func (m *Machine) scoped(ctx context.Context, sessionID string) (context.Context, *slog.Logger) {
	return logging.WithSession(ctx, m.logger, sessionID)
}

func (m *Machine) loggerFor(ctx context.Context) *slog.Logger {
	return logging.FromContextOr(ctx, m.logger)
}

func (m *Machine) get(ctx context.Context, id string) (models.Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return models.Session{}, err
		}
		return models.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

// transition applies one guarded edge, then logs, counts and publishes it.
// When the publish fails for a session that is still running, its next stage
// was never handed off, so the session is failed and refunded instead of
// being left to stall.
func (m *Machine) transition(ctx context.Context, current models.Session, to models.Status, ch sessions.Changes) (models.Session, error) {
	from := current.Status
	updated, err := m.store.UpdateStatus(ctx, current.ID, from, to, ch)
	if err != nil {
		return models.Session{}, err
	}

	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	logger := m.loggerFor(ctx)
	if from == to {
		logger.Debug("session progress", "status", to, "progress", updated.Progress)
	} else {
		logger.Info("session transition", "from", from, "to", to, "progress", updated.Progress)
	}

	ctx, cancel := detach(ctx)
	defer cancel()
	pubErr := m.publisher.Publish(ctx, models.NewStatusEvent(from, updated, m.now()))
	if pubErr == nil || updated.Status.Terminal() {
		return updated, nil
	}
	logger.Error("stage handoff failed; failing session", "status", updated.Status, "error", pubErr)
	return m.terminate(ctx, updated, models.StatusFailed, "stage handoff failed: "+pubErr.Error(), nil)
}

// handoffTimeout bounds the publish that follows a stored transition.
const handoffTimeout = 30 * time.Second

// detach keeps ctx's values but not its cancellation. Once a transition is
// stored its handoff and any compensation must finish even if the caller
// has gone away.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
}

// guardFunc vets the freshest copy of a session before a terminal transition.
type guardFunc func(models.Session) error

// terminate moves a session to cancelled or failed, re-reading on lost races,
// then refunds what it charged. The refund runs after the transition so the
// billing state of the session never depends on the ledger being reachable.
func (m *Machine) terminate(ctx context.Context, current models.Session, to models.Status, reason string, guard guardFunc) (models.Session, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if current.Status.Terminal() {
			return current, ErrAlreadyTerminal
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return current, err
			}
		}

		ch := sessions.Changes{
			CreditsRefunded: sessions.Int64Ptr(current.RefundableCredits()),
			QuotaRestored:   sessions.BoolPtr(current.QuotaFunded),
		}
		if reason != "" {
			ch.FailureReason = sessions.StringPtr(reason)
		}

		updated, err := m.transition(ctx, current, to, ch)
		switch {
		case err == nil:
			m.disarmTimer(updated.ID)
			m.refund(ctx, updated)
			return updated, nil
		case errors.Is(err, sessions.ErrStatusConflict), errors.Is(err, sessions.ErrTerminal):
			fresh, getErr := m.get(ctx, current.ID)
			if getErr != nil {
				return models.Session{}, getErr
			}
			current = fresh
		default:
			return models.Session{}, fmt.Errorf("move session %s to %s: %w", current.ID, to, err)
		}
	}
	return current, fmt.Errorf("move session %s to %s: %w", current.ID, to, sessions.ErrStatusConflict)
}

// refund returns the main charge and any upgrade surcharge. Each key refunds
// at most once, so calling this again for the same session is harmless.
func (m *Machine) refund(ctx context.Context, s models.Session) {
	ctx = context.WithoutCancel(ctx)
	keys := []string{s.ID}
	if s.UpgradeCharged > 0 {
		keys = append(keys, ledger.UpgradeKey(s.ID))
	}
	for _, key := range keys {
		m.refundKey(ctx, s, key)
	}
}

func (m *Machine) refundKey(ctx context.Context, s models.Session, key string) {
	logger := m.loggerFor(ctx)
	res, applied, err := m.ledger.Refund(ctx, s.AccountID(), key)
	switch {
	case err != nil:
		metrics.Refunds.WithLabelValues("failed").Inc()
		entry := models.ReconciliationEntry{
			SessionID:      s.ID,
			AccountID:      s.AccountID(),
			ReservationKey: key,
			Credits:        s.CreditsCharged,
		}
		if key != s.ID {
			entry.Credits = s.UpgradeCharged
		} else if s.QuotaFunded {
			entry.QuotaUnits = 1
		}
		if recErr := m.reconciler.Record(ctx, entry, err); recErr != nil {
			logger.Error("refund failed and could not be queued", "key", key, "error", err, "recordError", recErr)
		}
	case applied:
		metrics.Refunds.WithLabelValues("applied").Inc()
		logger.Info("refund applied", "key", key, "credits", res.Credits, "quotaUnits", res.QuotaUnits)
	default:
		metrics.Refunds.WithLabelValues("duplicate").Inc()
		logger.Debug("refund already applied", "key", key)
	}
}

// failStage is the common handler for upstream failures and handoff errors.
func (m *Machine) failStage(ctx context.Context, s models.Session, reason string) (models.Session, error) {
	failed, err := m.terminate(ctx, s, models.StatusFailed, reason, nil)
	if errors.Is(err, ErrAlreadyTerminal) {
		return failed, nil
	}
	return failed, err
}

// enterAwaiting moves a fresh preview into the confirmation window and arms
// its timer.
func (m *Machine) enterAwaiting(ctx context.Context, s models.Session) (models.Session, error) {
	expires := m.now().Add(m.cfg.ConfirmationWindow)
	awaiting, err := m.transition(ctx, s, models.StatusAwaitingConfirmation, sessions.Changes{
		PreviewExpiresAt: sessions.TimePtr(expires),
	})
	if err != nil {
		return models.Session{}, err
	}
	if awaiting.Status == models.StatusAwaitingConfirmation {
		m.armTimer(awaiting.ID, m.cfg.ConfirmationWindow)
	}
	return awaiting, nil
}

func (m *Machine) armTimer(sessionID string, window time.Duration) {
	m.timers.Start(sessionID, window, m.confirmationExpired)
	metrics.PendingConfirmations.Set(float64(m.timers.Len()))
}

func (m *Machine) disarmTimer(sessionID string) {
	m.timers.Cancel(sessionID)
	metrics.PendingConfirmations.Set(float64(m.timers.Len()))
}

// stateError maps guard failures on a confirmation onto ErrInvalidState.
func stateError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidState):
		return err
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, sessions.ErrTerminal),
		errors.Is(err, sessions.ErrStatusConflict), errors.Is(err, sessions.ErrIllegalTransition):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	default:
		return err
	}
}
