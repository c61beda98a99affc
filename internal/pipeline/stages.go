package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/garmaxai/backend/internal/dispatch"
	"github.com/garmaxai/backend/internal/guidance"
	"github.com/garmaxai/backend/internal/logging"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/render"
	"github.com/garmaxai/backend/internal/sessions"
)

// HandleJob starts the stage a dispatch job names. Jobs are delivered at
// least once, so a job for a session that already moved on is a no-op. A
// returned error makes the job eligible for retry.
func (m *Machine) HandleJob(ctx context.Context, job dispatch.Job) (err error) {
	ctx, _ = m.scoped(ctx, job.SessionID)
	ctx, span := logging.StartSpan(ctx, string(job.Kind)+"_job")
	defer func() { span.EndErr(err) }()

	switch job.Kind {
	case dispatch.KindGuidance:
		return m.startGuidance(ctx, job.SessionID)
	case dispatch.KindRender:
		return m.startRender(ctx, job.SessionID)
	default:
		m.loggerFor(ctx).Warn("dropping job of unknown kind", "kind", job.Kind)
		return nil
	}
}

// JobExhausted fails a session whose stage could not be started.
func (m *Machine) JobExhausted(ctx context.Context, job dispatch.Job, cause error) {
	ctx, logger := m.scoped(context.WithoutCancel(ctx), job.SessionID)
	if _, err := m.Fail(ctx, job.SessionID, fmt.Sprintf("%s stage could not start: %v", job.Kind, cause)); err != nil {
		logger.Error("fail session after exhausted job", "error", err)
	}
}

func (m *Machine) startGuidance(ctx context.Context, id string) error {
	s, err := m.get(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			m.loggerFor(ctx).Warn("guidance job for unknown session")
			return nil
		}
		return err
	}
	if s.Status != models.StatusQueued {
		m.loggerFor(ctx).Debug("guidance job is stale", "status", s.Status)
		return nil
	}

	processing, err := m.transition(ctx, s, models.StatusProcessingGuidance, sessions.Changes{Progress: sessions.IntPtr(0)})
	if err != nil {
		if errors.Is(err, sessions.ErrStatusConflict) || errors.Is(err, sessions.ErrTerminal) {
			return nil
		}
		return err
	}
	if processing.Status != models.StatusProcessingGuidance {
		return nil
	}

	if err := m.guidance.RequestGuidance(ctx, guidance.NewRequest(processing)); err != nil {
		_, failErr := m.failStage(ctx, processing, "guidance processor rejected the request: "+err.Error())
		return failErr
	}
	return nil
}

func (m *Machine) startRender(ctx context.Context, id string) error {
	s, err := m.get(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			m.loggerFor(ctx).Warn("render job for unknown session")
			return nil
		}
		return err
	}
	if s.Status != models.StatusRendering {
		m.loggerFor(ctx).Debug("render job is stale", "status", s.Status)
		return nil
	}
	if err := m.renderer.RequestRender(ctx, render.NewRequest(s)); err != nil {
		_, failErr := m.failStage(ctx, s, "renderer rejected the request: "+err.Error())
		return failErr
	}
	return nil
}

// GuidanceCompleted stores the preview and moves the session on: into the
// confirmation window, or straight to rendering when no confirmation is
// required. A signal for a session that already finished is ignored.
func (m *Machine) GuidanceCompleted(ctx context.Context, id string, out guidance.Output) error {
	ctx, _ = m.scoped(ctx, id)
	s, err := m.running(ctx, id, models.StatusProcessingGuidance)
	if err != nil || s.Status.Terminal() {
		return err
	}

	ch := sessions.Changes{
		PreviewImageRef: sessions.StringPtr(out.PreviewImageRef),
		GuidanceRefs:    out.Assets,
	}
	if out.BaseImageRef != "" {
		ch.BaseImageRef = sessions.StringPtr(out.BaseImageRef)
	}

	if !s.RequireConfirmation {
		if _, err := m.transition(ctx, s, models.StatusRendering, ch); err != nil {
			return m.signalError(err)
		}
		return nil
	}

	ready, err := m.transition(ctx, s, models.StatusPreviewReady, ch)
	if err != nil {
		return m.signalError(err)
	}
	if ready.Status != models.StatusPreviewReady {
		return nil
	}
	if _, err := m.enterAwaiting(ctx, ready); err != nil {
		return m.signalError(err)
	}
	return nil
}

// GuidanceFailed fails and refunds the session.
func (m *Machine) GuidanceFailed(ctx context.Context, id, reason string) error {
	ctx, _ = m.scoped(ctx, id)
	s, err := m.running(ctx, id, models.StatusQueued, models.StatusProcessingGuidance)
	if err != nil || s.Status.Terminal() {
		return err
	}
	_, err = m.failStage(ctx, s, "guidance failed: "+reason)
	return err
}

// RenderCompleted finishes the session with the rendered image. The charge
// stands; nothing is refunded.
func (m *Machine) RenderCompleted(ctx context.Context, id, imageRef string) error {
	ctx, _ = m.scoped(ctx, id)
	s, err := m.running(ctx, id, models.StatusRendering)
	if err != nil || s.Status.Terminal() {
		return err
	}
	if _, err := m.transition(ctx, s, models.StatusCompleted, sessions.Changes{
		RenderedImageRef: sessions.StringPtr(imageRef),
	}); err != nil {
		return m.signalError(err)
	}
	return nil
}

// RenderFailed fails and refunds the session, surcharge included.
func (m *Machine) RenderFailed(ctx context.Context, id, reason string) error {
	ctx, _ = m.scoped(ctx, id)
	s, err := m.running(ctx, id, models.StatusRendering)
	if err != nil || s.Status.Terminal() {
		return err
	}
	_, err = m.failStage(ctx, s, "render failed: "+reason)
	return err
}

// ReportProgress records progress within the running stage. Stale or
// backwards updates are dropped.
func (m *Machine) ReportProgress(ctx context.Context, id string, status models.Status, progress int) error {
	ctx, logger := m.scoped(ctx, id)
	s, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != status {
		logger.Debug("dropping progress for another stage", "status", s.Status, "reported", status)
		return nil
	}
	_, err = m.transition(ctx, s, status, sessions.Changes{Progress: sessions.IntPtr(progress)})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sessions.ErrProgressRegression),
		errors.Is(err, sessions.ErrStatusConflict),
		errors.Is(err, sessions.ErrTerminal):
		return nil
	case errors.Is(err, sessions.ErrIllegalTransition):
		return fmt.Errorf("%w: no progress in %s", ErrInvalidState, status)
	default:
		return err
	}
}

// Fail moves any running session to failed and refunds it. Failing a
// finished session returns it unchanged.
func (m *Machine) Fail(ctx context.Context, id, reason string) (models.Session, error) {
	ctx, _ = m.scoped(ctx, id)
	s, err := m.get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	return m.failStage(ctx, s, reason)
}

// running loads a session for a completion signal. It returns the session
// unchanged when it is terminal (the signal is stale) and ErrInvalidState
// when it is in none of the expected statuses.
func (m *Machine) running(ctx context.Context, id string, expected ...models.Status) (models.Session, error) {
	s, err := m.get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if s.Status.Terminal() {
		m.loggerFor(ctx).Info("ignoring signal for finished session", "status", s.Status)
		return s, nil
	}
	for _, status := range expected {
		if s.Status == status {
			return s, nil
		}
	}
	return models.Session{}, fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
}

// signalError drops lost races on completion signals: the session was
// cancelled or failed while the upstream worked.
func (m *Machine) signalError(err error) error {
	if errors.Is(err, sessions.ErrStatusConflict) || errors.Is(err, sessions.ErrTerminal) {
		return nil
	}
	return err
}

var (
	_ dispatch.Handler          = (*Machine)(nil)
	_ dispatch.ExhaustedHandler = (*Machine)(nil)
	_ guidance.Results          = (*Machine)(nil)
	_ render.Results            = (*Machine)(nil)
)
