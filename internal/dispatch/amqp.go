package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/garmaxai/backend/internal/logging"
)

// AMQPConfig describes the durable stage queue.
type AMQPConfig struct {
	URL         string
	Queue       string
	Prefetch    int
	Concurrency int
	JobTimeout  time.Duration
}

// AMQPQueue publishes stage jobs to a durable RabbitMQ queue and consumes
// them with manual acknowledgements. Rejected messages land in <queue>.dlq.
type AMQPQueue struct {
	cfg    AMQPConfig
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
}

// DialAMQP connects and declares the work queue and its dead-letter queue.
func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQPQueue, error) {
	if cfg.Queue == "" {
		cfg.Queue = "garmax.stage-jobs"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.Prefetch
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	dlq := cfg.Queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare stage queue: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set amqp qos: %w", err)
	}

	return &AMQPQueue{cfg: cfg, logger: logger, conn: conn, ch: ch}, nil
}

// Enqueue implements Queue.
func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode stage job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.Publish("", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%s:%d", job.SessionID, job.Kind, job.Attempt),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish stage job: %w", err)
	}
	return nil
}

// Consume delivers jobs to handler until ctx is cancelled. A failed job is
// requeued once; a second failure dead-letters it and notifies the handler.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	deliveries, err := q.ch.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume stage queue: %w", err)
	}

	sem := make(chan struct{}, q.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer func() { <-sem; wg.Done() }()
				q.handleDelivery(ctx, handler, d)
			}(d)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, handler Handler, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Error("invalid stage job payload", "error", err)
		_ = d.Nack(false, false)
		return
	}

	logger := q.logger.With("kind", job.Kind, "sessionId", job.SessionID, "redelivered", d.Redelivered)
	jobCtx, cancel := context.WithTimeout(logging.WithLogger(ctx, logger), q.cfg.JobTimeout)
	defer cancel()

	if err := handler.HandleJob(jobCtx, job); err != nil {
		if d.Redelivered {
			logger.Error("stage job failed twice; dead-lettering", "error", err)
			_ = d.Nack(false, false)
			notifyExhausted(jobCtx, handler, job, err)
			return
		}
		logger.Warn("stage job failed; requeueing once", "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close releases the channel and connection.
func (q *AMQPQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var (
	_ Queue = (*AMQPQueue)(nil)
	_ Queue = (*WorkerPool)(nil)
)
