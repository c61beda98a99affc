// Package dispatch hands pipeline stages to background workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/garmaxai/backend/internal/models"
)

// Kind names the stage a job starts.
type Kind string

const (
	KindGuidance Kind = "guidance"
	KindRender   Kind = "render"
)

// Job is one unit of stage work for a session.
type Job struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`
	Attempt   int    `json:"attempt"`
}

// ErrQueueClosed indicates the queue no longer accepts jobs.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Queue accepts stage work.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler runs a job. A returned error makes the job eligible for retry.
type Handler interface {
	HandleJob(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// HandleJob implements Handler.
func (f HandlerFunc) HandleJob(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// ExhaustedHandler is implemented by handlers that want to know when a job
// ran out of attempts.
type ExhaustedHandler interface {
	JobExhausted(ctx context.Context, job Job, err error)
}

func notifyExhausted(ctx context.Context, h Handler, job Job, err error) {
	if eh, ok := h.(ExhaustedHandler); ok {
		eh.JobExhausted(ctx, job, err)
	}
}

// StageTrigger turns status events into stage jobs: a newly queued session
// gets a guidance job, a session entering rendering gets a render job.
type StageTrigger struct {
	queue Queue
}

// NewStageTrigger wires the trigger to a queue.
func NewStageTrigger(queue Queue) *StageTrigger {
	return &StageTrigger{queue: queue}
}

// Name identifies the sink in logs.
func (t *StageTrigger) Name() string { return "stage-trigger" }

// Deliver enqueues the next stage. Progress updates within a stage are ignored.
func (t *StageTrigger) Deliver(ctx context.Context, ev models.StatusEvent) error {
	if ev.PreviousStatus == ev.Status {
		return nil
	}
	var kind Kind
	switch ev.Status {
	case models.StatusQueued:
		kind = KindGuidance
	case models.StatusRendering:
		kind = KindRender
	default:
		return nil
	}
	if err := t.queue.Enqueue(ctx, Job{Kind: kind, SessionID: ev.SessionID}); err != nil {
		return fmt.Errorf("enqueue %s job for session %s: %w", kind, ev.SessionID, err)
	}
	return nil
}
