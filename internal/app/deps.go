package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/garmaxai/backend/internal/config"
	"github.com/garmaxai/backend/internal/confirm"
	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/dispatch"
	"github.com/garmaxai/backend/internal/guidance"
	"github.com/garmaxai/backend/internal/handlers"
	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/metrics"
	"github.com/garmaxai/backend/internal/notify"
	"github.com/garmaxai/backend/internal/pipeline"
	"github.com/garmaxai/backend/internal/reconcile"
	"github.com/garmaxai/backend/internal/render"
	"github.com/garmaxai/backend/internal/repositories"
	"github.com/garmaxai/backend/internal/sessions"
	"github.com/garmaxai/backend/internal/storage"
)

// stores groups the persistence backends. Without a database every store
// lives in process memory.
type stores struct {
	sessions  sessions.Store
	ledger    ledger.Ledger
	reconcile reconcile.Store
	webhooks  interface {
		notify.EndpointStore
		notify.DeadLetterStore
	}
	batches render.BatchStore
}

func buildStores(pool db.Pool) stores {
	if pool == nil {
		return stores{
			sessions:  sessions.NewMemoryStore(),
			ledger:    ledger.NewMemoryLedger(),
			reconcile: reconcile.NewMemoryStore(),
			webhooks:  notify.NewMemoryWebhookStore(),
			batches:   render.NewMemoryBatchStore(),
		}
	}
	return stores{
		sessions:  repositories.NewPostgresSessionStore(pool),
		ledger:    repositories.NewPostgresLedger(pool),
		reconcile: repositories.NewPostgresReconciliationStore(pool),
		webhooks:  repositories.NewPostgresWebhookStore(pool),
		batches:   repositories.NewPostgresBatchStore(pool),
	}
}

// stageQueue is where stage jobs wait for a worker.
type stageQueue interface {
	dispatch.Queue
	consume(ctx context.Context, handler dispatch.Handler) error
	close(ctx context.Context) error
}

type poolQueue struct{ *dispatch.WorkerPool }

func (q poolQueue) consume(ctx context.Context, handler dispatch.Handler) error {
	q.Start(handler)
	<-ctx.Done()
	return nil
}

func (q poolQueue) close(ctx context.Context) error { return q.Shutdown(ctx) }

type amqpQueue struct{ *dispatch.AMQPQueue }

func (q amqpQueue) consume(ctx context.Context, handler dispatch.Handler) error {
	return q.Consume(ctx, handler)
}

func (q amqpQueue) close(context.Context) error { return q.Close() }

// runtime is the assembled service: the state machine, its collaborators
// and the background loops that keep it moving.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	machine *pipeline.Machine
	hub     *notify.Hub
	deps    handlers.Dependencies

	queue      stageQueue
	guidanceMQ *guidance.AMQPClient
	relay      *notify.RedisRelay
	redis      *redis.Client
	webhooks   *notify.WebhookDispatcher
	batches    *render.BatchRenderer
	gemini     *render.GeminiRenderer
	reconciler *reconcile.Reconciler
	timers     *confirm.Scheduler

	wg sync.WaitGroup
}

// buildRuntime wires concrete implementations together. pool may be nil, in
// which case every store is in memory.
func buildRuntime(ctx context.Context, cfg config.Config, pool db.Pool, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &runtime{cfg: cfg, logger: logger, timers: confirm.NewScheduler()}
	st := buildStores(pool)

	var objects render.ObjectStore = storage.NewMemoryStorage()
	if cfg.ObjectStore.Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		objects = s3
	}

	if cfg.AMQP.URL != "" {
		q, err := dispatch.DialAMQP(dispatch.AMQPConfig{
			URL:         cfg.AMQP.URL,
			Queue:       cfg.AMQP.StageQueue,
			Prefetch:    cfg.AMQP.Prefetch,
			Concurrency: cfg.Workers.Count,
			JobTimeout:  cfg.Workers.JobTimeout,
		}, logger.With("component", "stage-queue"))
		if err != nil {
			return nil, err
		}
		rt.queue = amqpQueue{q}
	} else {
		rt.queue = poolQueue{dispatch.NewWorkerPool(dispatch.PoolConfig{
			QueueSize:   cfg.Workers.QueueSize,
			Workers:     cfg.Workers.Count,
			MaxAttempts: cfg.Workers.MaxAttempts,
			RetryDelay:  cfg.Workers.RetryDelay,
			JobTimeout:  cfg.Workers.JobTimeout,
		}, logger.With("component", "stage-workers"))}
	}

	rt.hub = notify.NewHub()
	rt.webhooks = notify.NewWebhookDispatcher(notify.WebhookConfig{
		Workers:       cfg.Webhooks.Workers,
		MaxAttempts:   cfg.Webhooks.MaxAttempts,
		BaseBackoff:   cfg.Webhooks.BaseBackoff,
		Timeout:       cfg.Webhooks.Timeout,
		RatePerSecond: cfg.Webhooks.RatePerSecond,
		Burst:         cfg.Webhooks.Burst,
	}, st.webhooks, st.webhooks, nil, logger.With("component", "webhooks"))

	publisher := notify.NewPublisher(notify.PublisherConfig{}).
		AddCritical(dispatch.NewStageTrigger(rt.queue))
	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.relay = notify.NewRedisRelay(rt.redis, cfg.Redis.Channel, rt.hub, logger.With("component", "redis-relay"))
		publisher.AddBestEffort(rt.relay)
	} else {
		publisher.AddBestEffort(rt.hub)
	}
	publisher.AddBestEffort(rt.webhooks)

	var generator guidance.Generator
	local := &guidance.LocalProcessor{Delay: 500 * time.Millisecond, Logger: logger.With("component", "guidance")}
	if cfg.AMQP.URL != "" {
		client, err := guidance.DialAMQP(guidance.AMQPConfig{
			URL:          cfg.AMQP.URL,
			RequestQueue: cfg.AMQP.GuidanceRequestQueue,
			EventQueue:   cfg.AMQP.GuidanceEventQueue,
			Prefetch:     cfg.AMQP.Prefetch,
		}, logger.With("component", "guidance"))
		if err != nil {
			rt.abort()
			return nil, err
		}
		rt.guidanceMQ = client
		generator = client
	} else {
		generator = local
	}

	var single interface {
		render.Renderer
		Render(ctx context.Context, req render.Request) (string, error)
		Bind(results render.Results)
	}
	if cfg.Gemini.APIKey != "" {
		g, err := render.NewGeminiRenderer(ctx, render.GeminiConfig{
			APIKey:      cfg.Gemini.APIKey,
			Model:       cfg.Gemini.Model,
			Concurrency: cfg.Gemini.Concurrency,
			Timeout:     cfg.Gemini.Timeout,
		}, objects, logger.With("component", "renderer"))
		if err != nil {
			rt.abort()
			return nil, err
		}
		rt.gemini = g
		single = g
	} else {
		single = &render.LocalRenderer{Objects: objects, Delay: time.Second, Logger: logger.With("component", "renderer")}
	}

	var renderer render.Renderer = single
	if cfg.Batch.Enabled {
		pricing := pricingFrom(cfg.Pricing)
		rt.batches = render.NewBatchRenderer(render.BatchConfig{
			MaxSize:       cfg.Batch.MaxSize,
			FlushInterval: cfg.Batch.FlushInterval,
		}, st.batches, objects, nil, pricing, logger.With("component", "batch-renderer"))
		rt.batches.SetSubmitter(&render.SequentialSubmitter{Renderer: single, Batches: rt.batches, Logger: logger})
		renderer = rt.batches
	}

	rt.reconciler = reconcile.New(st.reconcile, st.ledger, logger.With("component", "reconciler"))

	policy, err := confirm.ParsePolicy(cfg.Session.TimeoutPolicy)
	if err != nil {
		rt.abort()
		return nil, err
	}
	machine, err := pipeline.New(pipeline.Config{
		ConfirmationWindow:  cfg.Session.ConfirmationWindow,
		TimeoutPolicy:       policy,
		RequireConfirmation: cfg.Session.RequireConfirmation,
		StageTimeout:        cfg.Session.StageTimeout,
		Pricing:             pricingFrom(cfg.Pricing),
	}, pipeline.Deps{
		Store:      st.sessions,
		Ledger:     st.ledger,
		Publisher:  publisher,
		Timers:     rt.timers,
		Reconciler: rt.reconciler,
		Guidance:   generator,
		Renderer:   renderer,
		Logger:     logger,
	})
	if err != nil {
		rt.abort()
		return nil, fmt.Errorf("build session pipeline: %w", err)
	}
	rt.machine = machine

	local.Bind(machine)
	single.Bind(machine)
	if rt.batches != nil {
		rt.batches.Bind(machine)
	}

	rt.deps = handlers.Dependencies{
		Sessions: machine,
		Credits:  machine,
		Events:   rt.hub,
		Metrics:  metrics.Handler(),
	}
	if pool != nil {
		rt.deps.Database = pool
	}
	return rt, nil
}

func pricingFrom(p config.PricingConfig) ledger.Pricing {
	return ledger.Pricing{
		Standard:         p.Standard,
		HD:               p.HD,
		Ultra:            p.Ultra,
		UpgradeSurcharge: p.UpgradeSurcharge,
	}
}

// start launches the background loops. They stop when ctx is cancelled;
// call shutdown afterwards to drain them.
func (rt *runtime) start(ctx context.Context) {
	rt.goRun(func() { rt.hub.Run(ctx) })
	rt.goRun(func() {
		if err := rt.queue.consume(ctx, rt.machine); err != nil {
			rt.logger.Error("stage queue consumer stopped", "error", err)
		}
	})
	if rt.guidanceMQ != nil {
		rt.goRun(func() {
			if err := rt.guidanceMQ.Consume(ctx, rt.machine); err != nil {
				rt.logger.Error("guidance event consumer stopped", "error", err)
			}
		})
	}
	if rt.relay != nil {
		rt.goRun(func() {
			if err := rt.relay.Run(ctx); err != nil {
				rt.logger.Error("redis relay stopped", "error", err)
			}
		})
	}
	if rt.batches != nil {
		rt.goRun(func() { rt.batches.Run(ctx) })
	}
	rt.goRun(func() {
		pipeline.NewSweeper(rt.machine, rt.cfg.Session.SweepInterval, rt.logger.With("component", "sweeper")).Run(ctx)
	})
	rt.goRun(func() { rt.reconciler.Run(ctx, rt.cfg.Session.ReconcileInterval) })
}

func (rt *runtime) goRun(fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fn()
	}()
}

// shutdown drains workers and releases connections. The context passed to
// start must already be cancelled.
func (rt *runtime) shutdown(ctx context.Context) error {
	var errs []error
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
	}

	if err := rt.queue.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close stage queue: %w", err))
	}
	if rt.gemini != nil {
		if err := rt.gemini.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown renderer: %w", err))
		}
	}
	if err := rt.webhooks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown webhooks: %w", err))
	}
	rt.timers.Stop()
	rt.closeQuietly()
	return errors.Join(errs...)
}

// abort releases whatever buildRuntime had set up before it failed.
func (rt *runtime) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.queue != nil {
		_ = rt.queue.close(ctx)
	}
	if rt.webhooks != nil {
		_ = rt.webhooks.Shutdown(ctx)
	}
	if rt.gemini != nil {
		_ = rt.gemini.Shutdown(ctx)
	}
	rt.closeQuietly()
}

// closeQuietly releases broker and cache connections, logging failures.
func (rt *runtime) closeQuietly() {
	if rt.guidanceMQ != nil {
		if err := rt.guidanceMQ.Close(); err != nil {
			rt.logger.Warn("close guidance broker", "error", err)
		}
		rt.guidanceMQ = nil
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("close redis", "error", err)
		}
		rt.redis = nil
	}
}
