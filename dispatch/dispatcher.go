// Package dispatch routes tasks to eligible agent inboxes. Delivery is
// fire-and-forget: the dispatcher pushes to the chosen agent's ordered
// inbox and observes completion only through the result stream.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/internal/metrics"
	"github.com/pitwall-ai/pitwall/registry"
	"github.com/pitwall-ai/pitwall/retry"
	"github.com/pitwall-ai/pitwall/types"
)

// Config tunes routing retries.
type Config struct {
	// MaxAttempts bounds how many times a task is requeued while no
	// eligible agent exists before it is reported undeliverable.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff paces the requeue attempts.
	Backoff *retry.Policy `yaml:"backoff"`

	// RequeueRate caps routing attempts per second across all tasks so a
	// registry outage cannot turn into a requeue storm.
	RequeueRate float64 `yaml:"requeue_rate"`
}

// DefaultConfig returns routing settings for second-scale task latency.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff: &retry.Policy{
			MaxRetries:   4,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		RequeueRate: 50,
	}
}

// Dispatcher selects an eligible agent for each task and delivers the task
// to that agent's private inbox.
type Dispatcher struct {
	broker   *broker.Client
	registry *registry.Registry
	cfg      Config
	retryer  *retry.Retryer
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New creates a Dispatcher on the shared broker handle.
func New(b *broker.Client, reg *registry.Registry, cfg Config, logger *zap.Logger, mc *metrics.Collector) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.RequeueRate <= 0 {
		cfg.RequeueRate = DefaultConfig().RequeueRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		broker:   b,
		registry: reg,
		cfg:      cfg,
		retryer:  retry.New(cfg.Backoff, logger),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequeueRate), 1),
		logger:   logger.With(zap.String("component", "dispatcher")),
		metrics:  mc,
	}
}

// Route delivers the task to the best eligible agent: declared task type,
// matching track affinity (or wildcard), healthy within the liveness
// window, and ranked by remaining capacity. When no agent qualifies the
// task is requeued with backoff up to MaxAttempts and then reported on the
// undeliverable stream — never silently dropped.
func (d *Dispatcher) Route(ctx context.Context, task types.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("routing cancelled: %w", err)
		}

		agentID, err := d.selectAgent(ctx, task)
		if err == nil {
			return d.deliver(ctx, task, agentID)
		}
		lastErr = err

		if attempt < d.cfg.MaxAttempts {
			delay := d.retryer.Delay(attempt)
			d.logger.Debug("no eligible agent, requeueing",
				zap.String("task_id", task.TaskID),
				zap.String("task_type", string(task.Type)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			d.metrics.Retry("dispatcher")
			select {
			case <-ctx.Done():
				return fmt.Errorf("routing cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return d.reportUndeliverable(ctx, task, lastErr)
}

// selectAgent picks the top-ranked eligible agent for the task.
func (d *Dispatcher) selectAgent(ctx context.Context, task types.Task) (string, error) {
	candidates, err := d.registry.List(ctx, task.Type, task.Track)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", types.NewError(types.ErrTransient,
			fmt.Sprintf("no eligible agent for type=%s track=%s", task.Type, task.Track))
	}
	return candidates[0].AgentID, nil
}

func (d *Dispatcher) deliver(ctx context.Context, task types.Task, agentID string) error {
	data, err := json.Marshal(task)
	if err != nil {
		return types.NewError(types.ErrValidation, "marshal task").WithCause(err)
	}
	if err := d.broker.Redis().RPush(ctx, d.broker.InboxKey(agentID), data).Err(); err != nil {
		return types.WrapBroker("push task to inbox", err)
	}

	d.metrics.TaskRouted(string(task.Type))
	d.logger.Info("task routed",
		zap.String("task_id", task.TaskID),
		zap.String("task_type", string(task.Type)),
		zap.String("track", task.Track),
		zap.String("agent_id", agentID),
	)
	return nil
}

// reportUndeliverable records the exhausted task on the undeliverable
// stream and surfaces a typed error to the producer.
func (d *Dispatcher) reportUndeliverable(ctx context.Context, task types.Task, cause error) error {
	data, err := json.Marshal(task)
	if err != nil {
		data = []byte(fmt.Sprintf("{\"task_id\":%q}", task.TaskID))
	}

	values := map[string]any{
		"task_id":  task.TaskID,
		"task":     string(data),
		"attempts": d.cfg.MaxAttempts,
		"reason":   fmt.Sprint(cause),
	}
	if err := d.broker.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.broker.UndeliverableStream(),
		Values: values,
	}).Err(); err != nil {
		d.logger.Error("failed to record undeliverable task",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}

	d.metrics.TaskUndeliverable()
	d.logger.Warn("task undeliverable",
		zap.String("task_id", task.TaskID),
		zap.String("task_type", string(task.Type)),
		zap.Int("attempts", d.cfg.MaxAttempts),
	)
	return types.NewError(types.ErrUndeliverable,
		fmt.Sprintf("task %s exhausted %d routing attempts", task.TaskID, d.cfg.MaxAttempts)).
		WithCause(cause)
}

// Undeliverable is one entry from the undeliverable stream.
type Undeliverable struct {
	TaskID   string
	Task     types.Task
	Attempts int
	Reason   string
}

// ReadUndeliverable fetches up to count undeliverable reports for operator
// tooling, oldest first.
func (d *Dispatcher) ReadUndeliverable(ctx context.Context, count int64) ([]Undeliverable, error) {
	msgs, err := d.broker.Redis().XRangeN(ctx, d.broker.UndeliverableStream(), "-", "+", count).Result()
	if err != nil {
		return nil, types.WrapBroker("read undeliverable stream", err)
	}

	out := make([]Undeliverable, 0, len(msgs))
	for _, msg := range msgs {
		u := Undeliverable{}
		if v, ok := msg.Values["task_id"].(string); ok {
			u.TaskID = v
		}
		if v, ok := msg.Values["reason"].(string); ok {
			u.Reason = v
		}
		if v, ok := msg.Values["attempts"].(string); ok {
			fmt.Sscanf(v, "%d", &u.Attempts)
		}
		if v, ok := msg.Values["task"].(string); ok {
			json.Unmarshal([]byte(v), &u.Task)
		}
		out = append(out, u)
	}
	return out, nil
}
