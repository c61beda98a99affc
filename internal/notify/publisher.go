// Package notify fans session status events out to subscribers, the next
// pipeline stage and enterprise webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garmaxai/backend/internal/logging"
	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
)

// Sink receives status events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev models.StatusEvent) error
}

// PublisherConfig controls retries for critical sinks.
type PublisherConfig struct {
	CriticalAttempts int
	RetryDelay       time.Duration
}

// Publisher delivers each event to every registered sink. Critical sinks are
// retried and their failure is returned; best-effort sinks only log.
type Publisher struct {
	cfg        PublisherConfig
	critical   []Sink
	bestEffort []Sink
}

// NewPublisher constructs a publisher with no sinks.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.CriticalAttempts <= 0 {
		cfg.CriticalAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &Publisher{cfg: cfg}
}

// AddCritical registers a sink whose delivery must not be dropped.
func (p *Publisher) AddCritical(s Sink) *Publisher {
	p.critical = append(p.critical, s)
	return p
}

// AddBestEffort registers a sink whose failures are only logged.
func (p *Publisher) AddBestEffort(s Sink) *Publisher {
	p.bestEffort = append(p.bestEffort, s)
	return p
}

// Publish delivers ev to every sink.
func (p *Publisher) Publish(ctx context.Context, ev models.StatusEvent) error {
	logger := logging.FromContext(ctx)

	var errs []error
	for _, sink := range p.critical {
		if err := p.deliverWithRetry(ctx, sink, ev); err != nil {
			metrics.HandoffFailures.WithLabelValues(sink.Name()).Inc()
			logger.Error("critical status sink failed", "sink", sink.Name(), "sessionId", ev.SessionID, "status", ev.Status, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	for _, sink := range p.bestEffort {
		if err := sink.Deliver(ctx, ev); err != nil {
			logger.Warn("status sink failed", "sink", sink.Name(), "sessionId", ev.SessionID, "status", ev.Status, "error", err)
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) deliverWithRetry(ctx context.Context, sink Sink, ev models.StatusEvent) error {
	var err error
	for attempt := 0; attempt < p.cfg.CriticalAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(p.cfg.RetryDelay << (attempt - 1)):
			}
		}
		if err = sink.Deliver(ctx, ev); err == nil {
			return nil
		}
	}
	return err
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	Label string
	Fn    func(ctx context.Context, ev models.StatusEvent) error
}

// Name implements Sink.
func (s SinkFunc) Name() string { return s.Label }

// Deliver implements Sink.
func (s SinkFunc) Deliver(ctx context.Context, ev models.StatusEvent) error { return s.Fn(ctx, ev) }
