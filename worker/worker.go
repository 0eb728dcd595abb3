// Package worker runs one agent instance's processing loop: blocking
// dequeue from the agent's private inbox, per-task lock acquisition,
// payload handling with bounded retries, result publication, and an
// independent heartbeat runner sharing the loop's lifetime.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/internal/metrics"
	"github.com/pitwall-ai/pitwall/lock"
	"github.com/pitwall-ai/pitwall/registry"
	"github.com/pitwall-ai/pitwall/retry"
	"github.com/pitwall-ai/pitwall/types"
)

// Config tunes one worker instance.
type Config struct {
	// AgentID identifies this instance. Generated when empty.
	AgentID string `yaml:"agent_id"`

	// Tracks are the declared track affinities ("*" matches all).
	Tracks []string `yaml:"tracks"`

	// Capacity is the maximum number of concurrent tasks the agent
	// advertises to the dispatcher.
	Capacity int `yaml:"capacity"`

	// HeartbeatInterval paces the liveness signal. Heartbeats run on
	// their own goroutine so a slow task never starves them.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PollTimeout bounds each blocking inbox pop so shutdown is prompt.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// LockTTL bounds the exactly-once window for each claimed task. A
	// crashed holder's lock self-heals after this long.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// HandlerRetry bounds transient-failure retries of the payload
	// handler.
	HandlerRetry *retry.Policy `yaml:"handler_retry"`

	// RegisterMaxInterval caps the backoff between registration retries.
	// Registration failure is non-fatal: the worker keeps retrying on
	// this capped interval indefinitely while continuing to operate.
	RegisterMaxInterval time.Duration `yaml:"register_max_interval"`

	// MaxConsecutiveFailures is how many broker failures in a row the
	// processing loop tolerates before terminating the process.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// DefaultConfig returns worker settings for second-scale tasks.
func DefaultConfig() Config {
	return Config{
		Tracks:            []string{types.TrackWildcard},
		Capacity:          4,
		HeartbeatInterval: 5 * time.Second,
		PollTimeout:       2 * time.Second,
		LockTTL:           30 * time.Second,
		HandlerRetry: &retry.Policy{
			MaxRetries:   3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		RegisterMaxInterval:    30 * time.Second,
		MaxConsecutiveFailures: 10,
	}
}

// Worker is one running agent instance.
type Worker struct {
	cfg      Config
	broker   *broker.Client
	registry *registry.Registry
	locks    *lock.Manager
	handlers handlerTable
	retryer  *retry.Retryer
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New creates a worker. Handlers are registered afterwards with
// RegisterHandler; Run refuses to start with an empty table.
func New(b *broker.Client, reg *registry.Registry, locks *lock.Manager, cfg Config, logger *zap.Logger, mc *metrics.Collector) *Worker {
	def := DefaultConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-" + uuid.NewString()
	}
	if len(cfg.Tracks) == 0 {
		cfg.Tracks = def.Tracks
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.HandlerRetry == nil {
		cfg.HandlerRetry = def.HandlerRetry
	}
	if cfg.RegisterMaxInterval <= 0 {
		cfg.RegisterMaxInterval = def.RegisterMaxInterval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		locks:    locks,
		handlers: make(handlerTable),
		retryer:  retry.New(cfg.HandlerRetry, logger),
		logger:   logger.With(zap.String("component", "worker"), zap.String("agent_id", cfg.AgentID)),
		metrics:  mc,
	}
}

// AgentID returns this instance's identity.
func (w *Worker) AgentID() string {
	return w.cfg.AgentID
}

// RegisterHandler declares that this worker processes the given task type.
func (w *Worker) RegisterHandler(taskType types.TaskType, h Handler) error {
	return w.handlers.register(taskType, h)
}

// Descriptor builds the registration descriptor from the handler table and
// configured affinities.
func (w *Worker) Descriptor() types.AgentDescriptor {
	return types.AgentDescriptor{
		AgentID:  w.cfg.AgentID,
		Types:    w.handlers.taskTypes(),
		Tracks:   w.cfg.Tracks,
		Capacity: w.cfg.Capacity,
	}
}

// Run drives the registration, processing, and heartbeat loops until ctx is
// cancelled (graceful, returns nil) or the broker fails
// MaxConsecutiveFailures times in a row (returns the terminal error). All
// three start together: an agent whose registration keeps failing still
// drains its inbox and keeps trying to register on the side.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return types.NewError(types.ErrConfiguration, "worker has no registered handlers")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { w.register(ctx); return nil })
	g.Go(func() error { return w.processLoop(ctx) })
	g.Go(func() error { return w.heartbeatLoop(ctx) })
	err := g.Wait()

	// Deregister on the way out so routing stops immediately instead of
	// waiting for the liveness window.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if derr := w.registry.Deregister(cleanupCtx, w.cfg.AgentID); derr != nil {
		w.logger.Warn("deregister on shutdown failed", zap.Error(derr))
	}
	return err
}

// register retries registration with backoff capped at RegisterMaxInterval
// until it succeeds or ctx is cancelled. It runs alongside the processing
// loop, never ahead of it: a worker keeps operating (and logging) through
// registration failure.
func (w *Worker) register(ctx context.Context) {
	backoff := time.Second
	for {
		err := w.registry.Register(ctx, w.Descriptor())
		if err == nil {
			return
		}
		w.logger.Warn("registration failed, will retry",
			zap.Duration("retry_in", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.RegisterMaxInterval {
			backoff = w.cfg.RegisterMaxInterval
		}
	}
}

// processLoop blocks on the inbox with a bounded wait and processes one
// delivery at a time. Only a sustained run of consecutive broker failures
// terminates it.
func (w *Worker) processLoop(ctx context.Context) error {
	inbox := w.broker.InboxKey(w.cfg.AgentID)
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := w.broker.Redis().BLPop(ctx, w.cfg.PollTimeout, inbox).Result()
		if err == redis.Nil {
			consecutive = 0
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			w.logger.Warn("inbox pop failed",
				zap.Int("consecutive", consecutive), zap.Error(err))
			if consecutive >= w.cfg.MaxConsecutiveFailures {
				return types.NewError(types.ErrBroker,
					"broker unavailable: consecutive failure threshold reached").
					WithCause(err).WithRetryable(false)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.retryer.Delay(consecutive)):
			}
			continue
		}
		consecutive = 0

		if len(res) == 2 {
			w.processDelivery(ctx, []byte(res[1]))
		}
	}
}

// processDelivery walks one task through dequeued → locked → processing →
// published. Every exit path releases the lock.
func (w *Worker) processDelivery(ctx context.Context, raw []byte) {
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		w.logger.Warn("dropping malformed task payload", zap.Error(err))
		return
	}
	if err := task.Validate(); err != nil {
		w.logger.Warn("dropping invalid task",
			zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		w.logger.Warn("dropping task for unregistered type",
			zap.String("task_id", task.TaskID),
			zap.String("task_type", string(task.Type)))
		return
	}

	acquired, err := w.locks.Acquire(ctx, task.TaskID, w.cfg.AgentID, w.cfg.LockTTL)
	if err != nil {
		w.logger.Warn("lock acquire failed, task stays claimable",
			zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	if !acquired {
		// Another worker holds the task. Exactly-once guard, not an
		// error.
		w.metrics.LockContended()
		return
	}
	w.metrics.LockAcquired()

	if err := w.registry.IncrLoad(ctx, w.cfg.AgentID); err != nil {
		w.logger.Debug("load increment failed", zap.Error(err))
	}

	defer func() {
		// Release must run even when ctx was cancelled mid-task.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := w.locks.Release(cleanupCtx, task.TaskID, w.cfg.AgentID); err != nil {
			w.logger.Warn("lock release failed",
				zap.String("task_id", task.TaskID), zap.Error(err))
		}
		if err := w.registry.DecrLoad(cleanupCtx, w.cfg.AgentID); err != nil {
			w.logger.Debug("load decrement failed", zap.Error(err))
		}
	}()

	result := w.process(ctx, handler, task)
	w.publish(ctx, result)
}

// process invokes the payload handler under the bounded transient-retry
// policy and folds the outcome into a Result.
func (w *Worker) process(ctx context.Context, handler Handler, task types.Task) types.Result {
	start := time.Now()
	var payload json.RawMessage

	err := w.retryer.Do(ctx, func() error {
		var herr error
		payload, herr = handler.Handle(ctx, task)
		if herr != nil && types.IsTransient(herr) {
			w.metrics.Retry("worker")
		}
		return herr
	})

	result := types.Result{
		TaskID:      task.TaskID,
		AgentID:     w.cfg.AgentID,
		Type:        task.Type,
		Success:     err == nil,
		LatencyMS:   time.Since(start).Milliseconds(),
		Payload:     payload,
		CompletedAt: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
		w.logger.Warn("task handler failed",
			zap.String("task_id", task.TaskID),
			zap.String("task_type", string(task.Type)),
			zap.Error(err),
		)
	} else {
		w.logger.Info("task processed",
			zap.String("task_id", task.TaskID),
			zap.String("task_type", string(task.Type)),
			zap.Int64("latency_ms", result.LatencyMS),
		)
	}
	return result
}

// publish appends the result to the result stream, retrying transient
// broker failures.
func (w *Worker) publish(ctx context.Context, result types.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		w.logger.Error("marshal result failed",
			zap.String("task_id", result.TaskID), zap.Error(err))
		return
	}

	err = w.retryer.Do(ctx, func() error {
		return types.WrapBroker("publish result",
			w.broker.Redis().XAdd(ctx, &redis.XAddArgs{
				Stream: w.broker.ResultsStream(),
				Values: map[string]any{"result": string(data)},
			}).Err())
	})
	if err != nil {
		w.logger.Error("result publication failed",
			zap.String("task_id", result.TaskID), zap.Error(err))
		return
	}
	w.metrics.ResultPublished(string(result.Type), result.Success,
		time.Duration(result.LatencyMS)*time.Millisecond)
}

// heartbeatLoop emits the liveness signal on a fixed interval independent
// of task throughput. Failures are logged, counted, and never fatal; a
// missing registry entry triggers re-registration.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// First beat promptly so the agent becomes routable without waiting a
	// full interval.
	w.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	err := w.registry.Heartbeat(ctx, w.cfg.AgentID)
	if err == nil {
		w.metrics.HeartbeatSent()
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}

	w.metrics.HeartbeatFailed()
	w.logger.Warn("heartbeat failed", zap.Error(err))

	// Evicted or never registered: try to re-register once; the next tick
	// retries if this fails too.
	if types.Code(err) == types.ErrTransient {
		if rerr := w.registry.Register(ctx, w.Descriptor()); rerr != nil {
			w.logger.Warn("re-registration failed", zap.Error(rerr))
		}
	}
}
