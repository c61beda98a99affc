package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/models"
)

// ErrBatchNotFound indicates an unknown batch id.
var ErrBatchNotFound = errors.New("batch job not found")

// BatchStore persists batch jobs and which sessions already got their outcome.
type BatchStore interface {
	CreateBatch(ctx context.Context, job models.BatchJob) error
	GetBatch(ctx context.Context, id string) (models.BatchJob, error)
	UpdateBatch(ctx context.Context, id string, status models.BatchStatus, providerJobID, errText string) error
	// MarkDelivered records the session outcome for the batch. It returns
	// false when the outcome was already delivered.
	MarkDelivered(ctx context.Context, batchID, sessionID string) (bool, error)
	// UnmarkDelivered releases a delivery claim so a repeated completion can
	// deliver the outcome again.
	UnmarkDelivered(ctx context.Context, batchID, sessionID string) error
}

// BatchSubmitter hands a manifest to the upstream provider.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, job models.BatchJob, requests []Request) (providerJobID string, err error)
}

// Outcome is the provider result for one session in a batch.
type Outcome struct {
	SessionID string `json:"sessionId"`
	ImageRef  string `json:"imageRef,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchConfig controls grouping.
type BatchConfig struct {
	MaxSize       int
	FlushInterval time.Duration
}

// BatchRenderer groups render requests into provider batches and fans each
// batch result back to the sessions it covers exactly once.
type BatchRenderer struct {
	cfg       BatchConfig
	store     BatchStore
	objects   ObjectStore
	submitter BatchSubmitter
	pricing   ledger.Pricing
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []Request
	results Results
}

// NewBatchRenderer wires a batch renderer.
func NewBatchRenderer(cfg BatchConfig, store BatchStore, objects ObjectStore, submitter BatchSubmitter, pricing ledger.Pricing, logger *slog.Logger) *BatchRenderer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRenderer{
		cfg:       cfg,
		store:     store,
		objects:   objects,
		submitter: submitter,
		pricing:   pricing,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Bind sets the receiver of completions.
func (b *BatchRenderer) Bind(results Results) {
	b.mu.Lock()
	b.results = results
	b.mu.Unlock()
}

// SetSubmitter replaces the provider submitter.
func (b *BatchRenderer) SetSubmitter(s BatchSubmitter) {
	b.mu.Lock()
	b.submitter = s
	b.mu.Unlock()
}

// RequestRender implements Renderer. A full buffer is flushed on the
// caller's goroutine.
func (b *BatchRenderer) RequestRender(ctx context.Context, req Request) error {
	b.mu.Lock()
	if b.results == nil {
		b.mu.Unlock()
		return errNotBound
	}
	b.pending = append(b.pending, req)
	full := len(b.pending) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		if _, err := b.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes on FlushInterval until ctx is cancelled, then flushes once more.
func (b *BatchRenderer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := b.Flush(flushCtx); err != nil {
				b.logger.Error("final batch flush", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil {
				b.logger.Error("batch flush", "error", err)
			}
		}
	}
}

// Flush submits everything pending as one batch. It returns the batch id, or
// an empty string when nothing was pending.
func (b *BatchRenderer) Flush(ctx context.Context) (string, error) {
	b.mu.Lock()
	requests := b.pending
	b.pending = nil
	submitter := b.submitter
	b.mu.Unlock()
	if len(requests) == 0 {
		return "", nil
	}

	now := b.now()
	job := models.BatchJob{
		ID:        uuid.NewString(),
		Status:    models.BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, req := range requests {
		job.SessionIDs = append(job.SessionIDs, req.SessionID)
		if cost, err := b.pricing.Cost(req.Quality); err == nil {
			job.Cost += cost
		}
	}

	manifest, err := encodeManifest(requests)
	if err != nil {
		return "", b.abandon(ctx, job, requests, err)
	}
	ref, err := b.objects.Save(ctx, path.Join("batches", job.ID, "manifest.jsonl"), bytes.NewReader(manifest), "application/x-ndjson")
	if err != nil {
		return "", b.abandon(ctx, job, requests, fmt.Errorf("upload batch manifest: %w", err))
	}
	job.ManifestRef = ref

	if err := b.store.CreateBatch(ctx, job); err != nil {
		return "", b.abandon(ctx, job, requests, fmt.Errorf("create batch: %w", err))
	}

	if submitter == nil {
		return job.ID, b.Fail(ctx, job.ID, "no batch submitter configured")
	}
	providerID, err := submitter.SubmitBatch(ctx, job, requests)
	if err != nil {
		b.logger.Error("submit batch", "batchId", job.ID, "error", err)
		return job.ID, b.Fail(ctx, job.ID, fmt.Sprintf("submit batch: %v", err))
	}
	// A fast submitter may have completed the batch already.
	if current, err := b.store.GetBatch(ctx, job.ID); err == nil && current.Status.Terminal() {
		return job.ID, nil
	}
	if err := b.store.UpdateBatch(ctx, job.ID, models.BatchSubmitted, providerID, ""); err != nil {
		return job.ID, fmt.Errorf("mark batch submitted: %w", err)
	}
	b.logger.Info("batch submitted", "batchId", job.ID, "sessions", len(requests), "providerJobId", providerID)
	return job.ID, nil
}

// abandon fails every request of a batch that never reached the store.
func (b *BatchRenderer) abandon(ctx context.Context, job models.BatchJob, requests []Request, cause error) error {
	b.logger.Error("batch abandoned", "batchId", job.ID, "error", cause)
	results := b.boundResults()
	for _, req := range requests {
		if err := results.RenderFailed(ctx, req.SessionID, cause.Error()); err != nil {
			b.logger.Error("deliver batch failure", "sessionId", req.SessionID, "error", err)
		}
	}
	return cause
}

func (b *BatchRenderer) boundResults() Results {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results
}

// MarkProcessing records that the provider started the batch.
func (b *BatchRenderer) MarkProcessing(ctx context.Context, batchID string) error {
	return b.store.UpdateBatch(ctx, batchID, models.BatchProcessing, "", "")
}

// Complete fans provider outcomes back to sessions. Sessions without an
// outcome fail; outcomes for sessions outside the batch are ignored.
func (b *BatchRenderer) Complete(ctx context.Context, batchID string, outcomes []Outcome) error {
	job, err := b.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	byID := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		if !job.Covers(o.SessionID) {
			b.logger.Warn("batch outcome for foreign session", "batchId", batchID, "sessionId", o.SessionID)
			continue
		}
		byID[o.SessionID] = o
	}

	if err := b.store.UpdateBatch(ctx, batchID, models.BatchCompleted, "", ""); err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}

	var errs []error
	for _, sessionID := range job.SessionIDs {
		o, ok := byID[sessionID]
		if !ok {
			o = Outcome{SessionID: sessionID, Error: "missing from batch results"}
		}
		if err := b.deliver(ctx, batchID, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fail marks the batch failed and fails every undelivered session.
func (b *BatchRenderer) Fail(ctx context.Context, batchID, reason string) error {
	job, err := b.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if err := b.store.UpdateBatch(ctx, batchID, models.BatchFailed, "", reason); err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	var errs []error
	for _, sessionID := range job.SessionIDs {
		if err := b.deliver(ctx, batchID, Outcome{SessionID: sessionID, Error: reason}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *BatchRenderer) deliver(ctx context.Context, batchID string, o Outcome) error {
	first, err := b.store.MarkDelivered(ctx, batchID, o.SessionID)
	if err != nil {
		return fmt.Errorf("mark %s delivered: %w", o.SessionID, err)
	}
	if !first {
		return nil
	}

	results := b.boundResults()
	if o.Error == "" && o.ImageRef != "" {
		err = results.RenderCompleted(ctx, o.SessionID, o.ImageRef)
	} else {
		reason := o.Error
		if reason == "" {
			reason = "batch returned no image"
		}
		err = results.RenderFailed(ctx, o.SessionID, reason)
	}
	if err == nil {
		return nil
	}
	b.logger.Error("deliver batch outcome", "batchId", batchID, "sessionId", o.SessionID, "error", err)
	// The claim is released so the provider's next callback delivers it.
	if uerr := b.store.UnmarkDelivered(context.WithoutCancel(ctx), batchID, o.SessionID); uerr != nil {
		return errors.Join(fmt.Errorf("deliver %s: %w", o.SessionID, err), fmt.Errorf("unmark %s delivered: %w", o.SessionID, uerr))
	}
	return fmt.Errorf("deliver %s: %w", o.SessionID, err)
}

func encodeManifest(requests []Request) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, req := range requests {
		if err := enc.Encode(req); err != nil {
			return nil, fmt.Errorf("encode manifest line: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// SequentialSubmitter fulfils a batch by rendering each request in turn on a
// single-image renderer, then completing the batch.
type SequentialSubmitter struct {
	Renderer interface {
		Render(ctx context.Context, req Request) (string, error)
	}
	Batches *BatchRenderer
	Logger  *slog.Logger
}

// SubmitBatch implements BatchSubmitter.
func (s *SequentialSubmitter) SubmitBatch(_ context.Context, job models.BatchJob, requests []Request) (string, error) {
	go func() {
		ctx := context.Background()
		if err := s.Batches.MarkProcessing(ctx, job.ID); err != nil && s.Logger != nil {
			s.Logger.Warn("mark batch processing", "batchId", job.ID, "error", err)
		}
		outcomes := make([]Outcome, 0, len(requests))
		for _, req := range requests {
			ref, err := s.Renderer.Render(ctx, req)
			o := Outcome{SessionID: req.SessionID, ImageRef: ref}
			if err != nil {
				o.Error = err.Error()
			}
			outcomes = append(outcomes, o)
		}
		if err := s.Batches.Complete(ctx, job.ID, outcomes); err != nil && s.Logger != nil {
			s.Logger.Error("complete batch", "batchId", job.ID, "error", err)
		}
	}()
	return "sequential-" + job.ID, nil
}

var _ Renderer = (*BatchRenderer)(nil)
