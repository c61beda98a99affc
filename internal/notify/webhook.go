package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/models"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Garmax-Signature"
	// DeliveryHeader carries a unique id per delivery attempt chain.
	DeliveryHeader = "X-Garmax-Delivery"
	// EventHeader names the event type.
	EventHeader = "X-Garmax-Event"
)

var (
	errWebhooksClosed = errors.New("webhook dispatcher closed")
	errWebhookBacklog = errors.New("webhook queue full")
)

// EndpointStore lists webhook registrations and tracks failing endpoints.
type EndpointStore interface {
	ListEndpoints(ctx context.Context, ownerID string) ([]models.WebhookEndpoint, error)
	RecordFailure(ctx context.Context, endpointID string) error
}

// DeadLetterStore keeps deliveries that exhausted their retries.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, letter models.DeadLetter) error
}

// WebhookConfig controls delivery concurrency, retries and pacing.
type WebhookConfig struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	BaseBackoff   time.Duration
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type webhookJob struct {
	endpoint models.WebhookEndpoint
	event    models.StatusEvent
}

// WebhookDispatcher posts signed status events to enterprise endpoints on a
// background worker pool.
type WebhookDispatcher struct {
	cfg         WebhookConfig
	endpoints   EndpointStore
	deadLetters DeadLetterStore
	client      *http.Client
	logger      *slog.Logger

	jobs   chan webhookJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	once     sync.Once
	limiters map[string]*rate.Limiter
	limMu    sync.Mutex
}

// NewWebhookDispatcher starts cfg.Workers delivery goroutines.
func NewWebhookDispatcher(cfg WebhookConfig, endpoints EndpointStore, deadLetters DeadLetterStore, client *http.Client, logger *slog.Logger) *WebhookDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		cfg:         cfg,
		endpoints:   endpoints,
		deadLetters: deadLetters,
		client:      client,
		logger:      logger,
		jobs:        make(chan webhookJob, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		limiters:    make(map[string]*rate.Limiter),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Name implements Sink.
func (d *WebhookDispatcher) Name() string { return "webhooks" }

// Deliver queues ev for every endpoint registered by the event owner. It never
// waits for queue space: when the queue is full the delivery is dead-lettered
// so a slow endpoint cannot hold up session transitions.
func (d *WebhookDispatcher) Deliver(ctx context.Context, ev models.StatusEvent) error {
	if ev.OwnerID == "" {
		return nil
	}
	endpoints, err := d.endpoints.ListEndpoints(ctx, ev.OwnerID)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errWebhooksClosed
	}
	for _, endpoint := range endpoints {
		job := webhookJob{endpoint: endpoint, event: ev}
		select {
		case d.jobs <- job:
		default:
			d.logger.Warn("webhook queue full, dropping delivery", "endpointId", endpoint.ID, "sessionId", ev.SessionID)
			d.deadLetter(job, uuid.NewString(), 0, errWebhookBacklog)
		}
	}
	return nil
}

// Shutdown stops accepting events and waits for in-flight deliveries.
func (d *WebhookDispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	case <-done:
		d.cancel()
		return nil
	}
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.deliver(job)
	}
}

func (d *WebhookDispatcher) limiter(endpointID string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[endpointID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.Burst)
		d.limiters[endpointID] = lim
	}
	return lim
}

func (d *WebhookDispatcher) deliver(job webhookJob) {
	logger := d.logger.With("endpointId", job.endpoint.ID, "sessionId", job.event.SessionID, "status", job.event.Status)

	payload, err := json.Marshal(job.event)
	if err != nil {
		logger.Error("encode webhook payload", "error", err)
		return
	}
	deliveryID := uuid.NewString()

	var lastErr error
	attempts := 0
	for attempts < d.cfg.MaxAttempts {
		if attempts > 0 {
			backoff := d.cfg.BaseBackoff << (attempts - 1)
			select {
			case <-d.ctx.Done():
				lastErr = errors.Join(lastErr, d.ctx.Err())
				attempts = d.cfg.MaxAttempts
				continue
			case <-time.After(backoff):
			}
		}
		attempts++

		if err := d.limiter(job.endpoint.ID).Wait(d.ctx); err != nil {
			lastErr = err
			break
		}
		if lastErr = d.post(job.endpoint, deliveryID, payload); lastErr == nil {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			return
		}
		logger.Warn("webhook delivery failed", "attempt", attempts, "error", lastErr)
	}

	logger.Error("webhook delivery exhausted retries", "attempts", attempts, "error", lastErr)
	d.deadLetter(job, deliveryID, attempts, lastErr)
}

// deadLetter stores a delivery that will not be attempted again and counts
// it against the endpoint.
func (d *WebhookDispatcher) deadLetter(job webhookJob, deliveryID string, attempts int, lastErr error) {
	logger := d.logger.With("endpointId", job.endpoint.ID, "sessionId", job.event.SessionID)
	if errors.Is(lastErr, errWebhookBacklog) {
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
	} else {
		metrics.WebhookDeliveries.WithLabelValues("dead_letter").Inc()
	}

	payload, err := json.Marshal(job.event)
	if err != nil {
		logger.Error("encode webhook payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	letter := models.DeadLetter{
		ID:         deliveryID,
		EndpointID: job.endpoint.ID,
		SessionID:  job.event.SessionID,
		Payload:    payload,
		Attempts:   attempts,
		LastError:  errString(lastErr),
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.deadLetters.SaveDeadLetter(ctx, letter); err != nil {
		logger.Error("save webhook dead letter", "error", err)
	}
	if err := d.endpoints.RecordFailure(ctx, job.endpoint.ID); err != nil {
		logger.Error("record webhook endpoint failure", "error", err)
	}
}

func (d *WebhookDispatcher) post(endpoint models.WebhookEndpoint, deliveryID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, "session.status")
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(SignatureHeader, Sign(endpoint.Secret, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
