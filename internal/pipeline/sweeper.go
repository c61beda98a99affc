package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
)

const sweepBatch = 200

// SweepReport summarises one sweep.
type SweepReport struct {
	Expired  int
	Rearmed  int
	Resumed  int
	TimedOut map[models.Status]int
}

// Sweep repairs sessions that lost their in-process driver: countdowns that
// died with a previous instance, previews stuck between preview_ready and
// awaiting_confirmation, and stages that never reported back within
// StageTimeout.
func (m *Machine) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{TimedOut: make(map[models.Status]int)}
	now := m.now()
	var errs []error

	awaiting, err := m.store.ListStale(ctx, []models.Status{models.StatusAwaitingConfirmation}, now, sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list awaiting sessions: %w", err)
	}
	for _, s := range awaiting {
		if m.timers.Pending(s.ID) {
			continue
		}
		remaining := time.Duration(0)
		if s.PreviewExpiresAt != nil {
			remaining = s.PreviewExpiresAt.Sub(now)
		}
		if remaining > 0 {
			m.armTimer(s.ID, remaining)
			report.Rearmed++
			continue
		}
		if _, err := m.ConfirmationExpired(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Expired++
	}

	ready, err := m.store.ListStale(ctx, []models.Status{models.StatusPreviewReady}, now.Add(-m.cfg.ConfirmationWindow), sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list preview_ready sessions: %w", err)
	}
	for _, s := range ready {
		sctx, _ := m.scoped(ctx, s.ID)
		if _, err := m.enterAwaiting(sctx, s); err != nil {
			errs = append(errs, m.signalError(err))
			continue
		}
		report.Resumed++
	}

	for _, status := range []models.Status{models.StatusQueued, models.StatusProcessingGuidance, models.StatusRendering} {
		stuck, err := m.store.ListStale(ctx, []models.Status{status}, now.Add(-m.cfg.StageTimeout), sweepBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s sessions: %w", status, err))
			continue
		}
		metrics.StuckSessions.WithLabelValues(string(status)).Set(float64(len(stuck)))
		for _, s := range stuck {
			sctx, logger := m.scoped(ctx, s.ID)
			logger.Warn("session exceeded stage timeout", "status", status, "updatedAt", s.UpdatedAt)
			if _, err := m.failStage(sctx, s, fmt.Sprintf("timed out in %s after %s", status, m.cfg.StageTimeout)); err != nil {
				errs = append(errs, err)
				continue
			}
			report.TimedOut[status]++
		}
	}
	return report, errors.Join(errs...)
}

// Sweeper runs Machine.Sweep on an interval.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweeper. A non-positive interval defaults to 30s.
func NewSweeper(machine *Machine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{machine: machine, interval: interval, logger: logger}
}

// Run sweeps once immediately, then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		report, err := s.machine.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("session sweep", "error", err)
		}
		if report.Expired+report.Rearmed+report.Resumed > 0 || len(report.TimedOut) > 0 {
			s.logger.Info("session sweep repaired sessions",
				"expired", report.Expired,
				"rearmed", report.Rearmed,
				"resumed", report.Resumed,
				"timedOut", report.TimedOut,
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
