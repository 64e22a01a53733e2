// Package worker consumes queued events and applies them to the event store.
//
// The pool runs N competing consumers over a shared queue. Delivery is
// at-least-once: a worker that dies between dequeue and apply loses at most
// the entry it held, and a redelivered entry is dropped by the store's keyed
// deduplication. Retries are therefore always safe.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/config"
	"github.com/aggrelog-io/aggrelog/internal/event"
	"github.com/aggrelog-io/aggrelog/internal/queue"
	"github.com/aggrelog-io/aggrelog/internal/storage"
)

const (
	defaultWorkerCount        = 4
	defaultDequeueTimeout     = 5 * time.Second
	defaultRetryBudget        = 5
	defaultBaseBackoff        = 50 * time.Millisecond
	defaultMaxBackoff         = time.Second
	defaultHealthPollInterval = time.Second
)

// ErrPoolAlreadyStarted is returned when Start is called twice.
var ErrPoolAlreadyStarted = errors.New("worker pool already started")

// Config holds worker pool settings.
type Config struct {
	Count              int           // Number of concurrent workers
	DequeueTimeout     time.Duration // Blocking dequeue timeout per poll
	RetryBudget        int           // Apply attempts per event before dead-lettering
	BaseBackoff        time.Duration // First retry delay, doubled per attempt
	MaxBackoff         time.Duration // Retry delay cap
	HealthPollInterval time.Duration // Store health poll cadence while paused
}

// LoadConfig loads worker configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Count:              config.GetEnvInt("WORKER_COUNT", defaultWorkerCount),
		DequeueTimeout:     config.GetEnvDuration("WORKER_DEQUEUE_TIMEOUT", defaultDequeueTimeout),
		RetryBudget:        config.GetEnvInt("WORKER_RETRY_BUDGET", defaultRetryBudget),
		BaseBackoff:        defaultBaseBackoff,
		MaxBackoff:         defaultMaxBackoff,
		HealthPollInterval: defaultHealthPollInterval,
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Duplicates   int64 `json:"duplicates"`
	DeadLettered int64 `json:"dead_lettered"`
	Malformed    int64 `json:"malformed"`
}

// Pool drains the event queue into the store with a fixed set of workers.
//
// All workers share one store. The database/sql pool underneath leases each
// transaction its own session, so workers never share transactional state.
type Pool struct {
	cfg    *Config
	queue  queue.Queue
	store  event.Store
	logger *slog.Logger

	processed    atomic.Int64
	duplicates   atomic.Int64
	deadLettered atomic.Int64
	malformed    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over the given queue and store.
func NewPool(cfg *Config, q queue.Queue, store event.Store) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = defaultWorkerCount
	}

	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = defaultDequeueTimeout
	}

	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = defaultHealthPollInterval
	}

	return &Pool{
		cfg:   cfg,
		queue: q,
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Count returns the configured worker count.
func (p *Pool) Count() int {
	return p.cfg.Count
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Duplicates:   p.duplicates.Load(),
		DeadLettered: p.deadLettered.Load(),
		Malformed:    p.malformed.Load(),
	}
}

// Start launches the workers. They run until Stop is called or ctx is canceled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrPoolAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)

		go p.run(ctx, i)
	}

	p.logger.Info("worker pool started", slog.Int("workers", p.cfg.Count))

	return nil
}

// Stop signals all workers and waits for them to finish their current entry.
// Workers stop between dequeues, never mid-apply.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", slog.Any("stats", p.Stats()))
}

// run is a single worker's dequeue loop.
func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		e, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, queue.ErrMalformedEntry) {
				// A corrupt entry is already popped; dropping it is the
				// only way to keep the queue moving.
				p.malformed.Add(1)
				logger.Error("discarding malformed queue entry", slog.String("error", err.Error()))

				continue
			}

			logger.Error("dequeue failed", slog.String("error", err.Error()))
			p.sleep(ctx, p.cfg.BaseBackoff)

			continue
		}

		if e == nil {
			// Timeout marker, poll again.
			continue
		}

		p.apply(ctx, logger, e)
	}
}

// apply stores one event, retrying with bounded backoff. Connection loss
// pauses the worker on the store's health signal instead of burning the
// retry budget against a dead database.
//
// The popped entry is the worker's to finish: the store call runs on a
// context detached from the shutdown signal, so Stop never aborts an
// in-flight transaction. Shutdown is observed between attempts only, and an
// entry the worker cannot finish before exiting is dead-lettered rather than
// dropped without trace.
func (p *Pool) apply(ctx context.Context, logger *slog.Logger, e *event.Event) {
	storeCtx := context.WithoutCancel(ctx)
	backoff := p.cfg.BaseBackoff

	for attempt := 1; attempt <= p.cfg.RetryBudget; attempt++ {
		outcome, err := p.store.ApplyEvent(storeCtx, e)
		if err == nil {
			p.processed.Add(1)

			if outcome == event.Duplicate {
				p.duplicates.Add(1)
				logger.Debug("duplicate dropped", slog.String("key", e.Key()))
			}

			return
		}

		logger.Warn("apply failed",
			slog.String("key", e.Key()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			p.deadLettered.Add(1)
			logger.Error("shutdown with apply unfinished, dead-lettering event", slog.String("key", e.Key()))

			return
		}

		if storage.IsConnectionError(err) {
			p.waitHealthy(ctx, logger)

			continue
		}

		if attempt < p.cfg.RetryBudget {
			p.sleep(ctx, backoff)

			backoff *= 2
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
		}
	}

	p.deadLettered.Add(1)
	logger.Error("retry budget exhausted, dead-lettering event", slog.String("key", e.Key()))
}

// waitHealthy blocks until the store answers a health check or ctx ends.
func (p *Pool) waitHealthy(ctx context.Context, logger *slog.Logger) {
	logger.Warn("store unreachable, pausing until healthy")

	for {
		p.sleep(ctx, p.cfg.HealthPollInterval)

		if ctx.Err() != nil {
			return
		}

		if err := p.store.HealthCheck(ctx); err == nil {
			logger.Info("store healthy again, resuming")

			return
		}
	}
}

// sleep waits for d or until ctx is canceled, whichever comes first.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
