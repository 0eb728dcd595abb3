// Package registry tracks agent identity, declared capabilities, and
// liveness in the shared broker. Entries are ephemeral: staleness is a
// routing hint derived from heartbeat age, never a correctness requirement,
// so last-writer-wins races on heartbeat updates are tolerated.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/types"
)

// Config holds liveness tuning for the registry.
type Config struct {
	// LivenessWindow is the maximum heartbeat gap before an agent is
	// considered stale and excluded from routing.
	LivenessWindow time.Duration `yaml:"liveness_window"`

	// EvictAfter is the heartbeat gap after which a stale entry is
	// removed from the registry entirely.
	EvictAfter time.Duration `yaml:"evict_after"`
}

// DefaultConfig returns liveness settings suited to second-scale heartbeats.
func DefaultConfig() Config {
	return Config{
		LivenessWindow: 15 * time.Second,
		EvictAfter:     2 * time.Minute,
	}
}

// Candidate pairs a descriptor with its observed in-flight load for
// routing decisions.
type Candidate struct {
	types.AgentDescriptor
	Load int64
}

// Remaining is the candidate's spare concurrent-task capacity.
func (c Candidate) Remaining() int64 {
	return int64(c.Capacity) - c.Load
}

// Registry is the broker-backed agent registry and liveness tracker.
type Registry struct {
	broker *broker.Client
	cfg    Config
	logger *zap.Logger

	// now is swappable for liveness tests.
	now func() time.Time
}

// New creates a Registry on the shared broker handle.
func New(b *broker.Client, cfg Config, logger *zap.Logger) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultConfig().LivenessWindow
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultConfig().EvictAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		broker: b,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "registry")),
		now:    time.Now,
	}
}

// Register inserts or replaces an agent descriptor. Registration failure is
// non-fatal to agents: callers log a warning and retry on an interval while
// continuing to operate.
func (r *Registry) Register(ctx context.Context, desc types.AgentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Status == "" {
		desc.Status = types.AgentStatusStarting
	}
	if desc.LastHeartbeat.IsZero() {
		desc.LastHeartbeat = r.now()
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return types.NewError(types.ErrValidation, "marshal agent descriptor").WithCause(err)
	}
	if err := r.broker.Redis().HSet(ctx, r.broker.AgentsKey(), desc.AgentID, data).Err(); err != nil {
		return types.WrapBroker("register agent", err)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", desc.AgentID),
		zap.Any("types", desc.Types),
		zap.Strings("tracks", desc.Tracks),
		zap.Int("capacity", desc.Capacity),
	)
	return nil
}

// Heartbeat refreshes the agent's last-heartbeat timestamp and marks it
// healthy. Returns a transient error when the entry is missing (for example
// after eviction) so the caller can re-register.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	desc, err := r.get(ctx, agentID)
	if err != nil {
		return err
	}
	desc.LastHeartbeat = r.now()
	desc.Status = types.AgentStatusHealthy

	data, err := json.Marshal(desc)
	if err != nil {
		return types.NewError(types.ErrValidation, "marshal agent descriptor").WithCause(err)
	}
	if err := r.broker.Redis().HSet(ctx, r.broker.AgentsKey(), agentID, data).Err(); err != nil {
		return types.WrapBroker("store heartbeat", err)
	}
	return nil
}

// Deregister removes the agent and its load counter.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	pipe := r.broker.Redis().Pipeline()
	pipe.HDel(ctx, r.broker.AgentsKey(), agentID)
	pipe.Del(ctx, r.broker.LoadKey(agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapBroker("deregister agent", err)
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// IncrLoad records one more in-flight task for the agent.
func (r *Registry) IncrLoad(ctx context.Context, agentID string) error {
	return types.WrapBroker("increment agent load",
		r.broker.Redis().Incr(ctx, r.broker.LoadKey(agentID)).Err())
}

// DecrLoad records one finished task for the agent. Load is a routing hint;
// a negative counter after a racy decrement is clamped on the next read.
func (r *Registry) DecrLoad(ctx context.Context, agentID string) error {
	return types.WrapBroker("decrement agent load",
		r.broker.Redis().Decr(ctx, r.broker.LoadKey(agentID)).Err())
}

// List returns the agents eligible for the given task type and track,
// healthy within the liveness window, sorted by remaining capacity
// descending with agent_id as the deterministic tie-break. Entries stale
// past the eviction window are removed as a side effect.
func (r *Registry) List(ctx context.Context, taskType types.TaskType, track string) ([]Candidate, error) {
	all, err := r.snapshot(ctx, true)
	if err != nil {
		return nil, err
	}

	eligible := make([]Candidate, 0, len(all))
	for _, c := range all {
		if c.Status != types.AgentStatusHealthy {
			continue
		}
		if !c.HandlesType(taskType) || !c.HandlesTrack(track) {
			continue
		}
		if c.Remaining() <= 0 {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Remaining() != eligible[j].Remaining() {
			return eligible[i].Remaining() > eligible[j].Remaining()
		}
		return eligible[i].AgentID < eligible[j].AgentID
	})
	return eligible, nil
}

// Snapshot returns every registered agent with its liveness-derived status
// and current load, without filtering. Used by operator surfaces.
func (r *Registry) Snapshot(ctx context.Context) ([]Candidate, error) {
	return r.snapshot(ctx, false)
}

func (r *Registry) get(ctx context.Context, agentID string) (*types.AgentDescriptor, error) {
	data, err := r.broker.Redis().HGet(ctx, r.broker.AgentsKey(), agentID).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrTransient, "agent not registered: "+agentID)
	}
	if err != nil {
		return nil, types.WrapBroker("load agent descriptor", err)
	}
	var desc types.AgentDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, types.NewError(types.ErrValidation, "corrupt agent descriptor").WithCause(err)
	}
	return &desc, nil
}

func (r *Registry) snapshot(ctx context.Context, evict bool) ([]Candidate, error) {
	entries, err := r.broker.Redis().HGetAll(ctx, r.broker.AgentsKey()).Result()
	if err != nil {
		return nil, types.WrapBroker("list agents", err)
	}

	now := r.now()
	out := make([]Candidate, 0, len(entries))
	for id, raw := range entries {
		var desc types.AgentDescriptor
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			r.logger.Warn("dropping corrupt registry entry",
				zap.String("agent_id", id), zap.Error(err))
			r.broker.Redis().HDel(ctx, r.broker.AgentsKey(), id)
			continue
		}

		age := now.Sub(desc.LastHeartbeat)
		if age > r.cfg.EvictAfter {
			if evict {
				r.logger.Info("evicting stale agent",
					zap.String("agent_id", id),
					zap.Duration("heartbeat_age", age))
				pipe := r.broker.Redis().Pipeline()
				pipe.HDel(ctx, r.broker.AgentsKey(), id)
				pipe.Del(ctx, r.broker.LoadKey(id))
				pipe.Exec(ctx)
				continue
			}
			desc.Status = types.AgentStatusStale
		} else if age > r.cfg.LivenessWindow {
			desc.Status = types.AgentStatusStale
		}

		load, err := r.broker.Redis().Get(ctx, r.broker.LoadKey(id)).Int64()
		if err != nil && err != redis.Nil {
			return nil, types.WrapBroker("read agent load", err)
		}
		if load < 0 {
			load = 0
		}
		out = append(out, Candidate{AgentDescriptor: desc, Load: load})
	}
	return out, nil
}
