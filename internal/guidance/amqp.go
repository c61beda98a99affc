package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQPConfig names the processor's request and event queues.
type AMQPConfig struct {
	URL           string
	RequestQueue  string
	EventQueue    string
	Prefetch      int
	HandleTimeout time.Duration
}

// AMQPClient publishes guidance requests and consumes processor events.
type AMQPClient struct {
	cfg    AMQPConfig
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
}

// DialAMQP connects and declares both queues.
func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQPClient, error) {
	if cfg.RequestQueue == "" {
		cfg.RequestQueue = "garmax.smpl-requests"
	}
	if cfg.EventQueue == "" {
		cfg.EventQueue = "garmax.smpl-events"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
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
	for _, name := range []string{cfg.RequestQueue, cfg.EventQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set amqp qos: %w", err)
	}
	return &AMQPClient{cfg: cfg, logger: logger, conn: conn, ch: ch}, nil
}

// RequestGuidance implements Generator.
func (c *AMQPClient) RequestGuidance(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode guidance request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.ch.Publish("", c.cfg.RequestQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.SessionID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish guidance request: %w", err)
	}
	return nil
}

// Consume forwards processor events to results until ctx is cancelled.
// Unknown or malformed events are dropped; handler errors requeue once.
func (c *AMQPClient) Consume(ctx context.Context, results Results) error {
	c.mu.Lock()
	deliveries, err := c.ch.Consume(c.cfg.EventQueue, "", false, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume guidance events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			handleCtx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
			err := HandleEvent(handleCtx, d.Body, results)
			cancel()

			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, ErrUnknownEvent):
				c.logger.Warn("dropping guidance event", "error", err)
				_ = d.Nack(false, false)
			case d.Redelivered:
				c.logger.Error("guidance event failed twice; dropping", "error", err)
				_ = d.Nack(false, false)
			default:
				c.logger.Warn("guidance event failed; requeueing", "error", err)
				_ = d.Nack(false, true)
			}
		}
	}
}

// Close releases the channel and connection.
func (c *AMQPClient) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ Generator = (*AMQPClient)(nil)
