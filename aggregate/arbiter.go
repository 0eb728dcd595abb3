// Package aggregate consumes the result stream, groups results by task,
// and arbitrates them into decisions. A task that fans out across the
// analysis pipeline (prediction, simulation, explanation) is merged inside
// a bounded window; everything else becomes a decision directly.
package aggregate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/internal/metrics"
	"github.com/pitwall-ai/pitwall/types"
)

// DecisionSink receives decisions that require human approval.
type DecisionSink interface {
	Submit(ctx context.Context, decision types.Decision) error
}

// Config tunes the arbiter.
type Config struct {
	// Group is the result-stream consumer group. All arbiter instances
	// share it for at-least-once delivery.
	Group string `yaml:"group"`

	// Consumer names this instance within the group. Generated if empty.
	Consumer string `yaml:"consumer"`

	// BlockTimeout bounds each stream read so shutdown is prompt.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// MergeWindow bounds how long a fan-out task waits for its remaining
	// result types before the decision is emitted partial.
	MergeWindow time.Duration `yaml:"merge_window"`

	// Pipeline lists the result types expected together for a fanned-out
	// task. Results of other types are arbitrated individually.
	Pipeline []types.TaskType `yaml:"pipeline"`

	// RiskThreshold is the lowest risk level that forces human approval.
	RiskThreshold types.RiskLevel `yaml:"risk_threshold"`

	// MinConfidence is the confidence below which approval is forced.
	MinConfidence float64 `yaml:"min_confidence"`

	// DedupTTL bounds the per-task emission marker so a reprocessed task
	// cannot produce two live decisions within the marker's lifetime.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// DefaultConfig returns arbitration settings for the standard
// prediction/simulation/explanation pipeline.
func DefaultConfig() Config {
	return Config{
		Group:         "arbiter",
		BlockTimeout:  2 * time.Second,
		MergeWindow:   10 * time.Second,
		Pipeline:      []types.TaskType{types.TaskTypePrediction, types.TaskTypeSimulation, types.TaskTypeExplanation},
		RiskThreshold: types.RiskHigh,
		MinConfidence: 0.5,
		DedupTTL:      10 * time.Minute,
	}
}

// mergeWindow accumulates the results of one fanned-out task.
type mergeWindow struct {
	results  map[types.TaskType]types.Result
	deadline time.Time
}

// Arbiter merges results into decisions and routes them to auto-apply or
// the approval gate.
type Arbiter struct {
	broker  *broker.Client
	cfg     Config
	sink    DecisionSink
	logger  *zap.Logger
	metrics *metrics.Collector

	pipeline map[types.TaskType]bool

	mu      sync.Mutex
	windows map[string]*mergeWindow

	now func() time.Time
}

// New creates an Arbiter. Gated decisions go to sink; auto-applied ones to
// the decision stream.
func New(b *broker.Client, cfg Config, sink DecisionSink, logger *zap.Logger, mc *metrics.Collector) *Arbiter {
	def := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "arbiter-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = def.MergeWindow
	}
	if len(cfg.Pipeline) == 0 {
		cfg.Pipeline = def.Pipeline
	}
	if cfg.RiskThreshold == "" {
		cfg.RiskThreshold = def.RiskThreshold
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pipeline := make(map[types.TaskType]bool, len(cfg.Pipeline))
	for _, t := range cfg.Pipeline {
		pipeline[t] = true
	}

	return &Arbiter{
		broker:   b,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With(zap.String("component", "arbiter")),
		metrics:  mc,
		pipeline: pipeline,
		windows:  make(map[string]*mergeWindow),
		now:      time.Now,
	}
}

// Run consumes the result stream until ctx is cancelled. At-least-once:
// entries are acknowledged after ingestion, and the per-task emission
// marker deduplicates redelivery.
func (a *Arbiter) Run(ctx context.Context) error {
	if err := a.ensureGroup(ctx); err != nil {
		return err
	}
	a.logger.Info("arbiter started",
		zap.String("group", a.cfg.Group),
		zap.String("consumer", a.cfg.Consumer),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := a.broker.Redis().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    a.cfg.Group,
			Consumer: a.cfg.Consumer,
			Streams:  []string{a.broker.ResultsStream(), ">"},
			Count:    16,
			Block:    a.cfg.BlockTimeout,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("result stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				a.consume(ctx, msg)
			}
		}

		a.FlushExpired(ctx)
	}
}

func (a *Arbiter) ensureGroup(ctx context.Context) error {
	err := a.broker.Redis().XGroupCreateMkStream(ctx, a.broker.ResultsStream(), a.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return types.WrapBroker("create result consumer group", err)
	}
	return nil
}

// consume parses one stream entry and feeds it to arbitration. Malformed
// entries are acknowledged and dropped: replaying them cannot succeed.
func (a *Arbiter) consume(ctx context.Context, msg redis.XMessage) {
	defer a.broker.Redis().XAck(ctx, a.broker.ResultsStream(), a.cfg.Group, msg.ID)

	raw, ok := msg.Values["result"].(string)
	if !ok {
		a.logger.Warn("dropping result entry without result field", zap.String("id", msg.ID))
		return
	}
	var result types.Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		a.logger.Warn("dropping malformed result", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if result.TaskID == "" {
		a.logger.Warn("dropping result without task_id", zap.String("id", msg.ID))
		return
	}

	a.Ingest(ctx, result)
}

// Ingest arbitrates one result. Pipeline types accumulate in their task's
// merge window; all other types are decided immediately.
func (a *Arbiter) Ingest(ctx context.Context, result types.Result) {
	if !a.pipeline[result.Type] {
		a.emit(ctx, result.TaskID, []types.Result{result}, false)
		return
	}

	a.mu.Lock()
	win, ok := a.windows[result.TaskID]
	if !ok {
		win = &mergeWindow{
			results:  make(map[types.TaskType]types.Result),
			deadline: a.now().Add(a.cfg.MergeWindow),
		}
		a.windows[result.TaskID] = win
	}
	win.results[result.Type] = result
	complete := len(win.results) == len(a.cfg.Pipeline)
	if complete {
		delete(a.windows, result.TaskID)
	}
	a.mu.Unlock()

	if complete {
		a.emit(ctx, result.TaskID, collect(win), false)
	}
}

// FlushExpired emits a partial decision for every merge window whose
// bounded wait has elapsed, so arbitration never blocks indefinitely on a
// missing pipeline stage.
func (a *Arbiter) FlushExpired(ctx context.Context) {
	now := a.now()

	a.mu.Lock()
	var expired []struct {
		taskID string
		win    *mergeWindow
	}
	for taskID, win := range a.windows {
		if now.After(win.deadline) {
			expired = append(expired, struct {
				taskID string
				win    *mergeWindow
			}{taskID, win})
			delete(a.windows, taskID)
		}
	}
	a.mu.Unlock()

	for _, e := range expired {
		a.logger.Info("merge window expired, emitting partial decision",
			zap.String("task_id", e.taskID),
			zap.Int("results", len(e.win.results)),
			zap.Int("expected", len(a.cfg.Pipeline)),
		)
		a.emit(ctx, e.taskID, collect(e.win), true)
	}
}

func collect(win *mergeWindow) []types.Result {
	out := make([]types.Result, 0, len(win.results))
	for _, r := range win.results {
		out = append(out, r)
	}
	return out
}

// emit merges the results into a decision, deduplicates by task, and routes
// it to the approval gate or the decision stream.
func (a *Arbiter) emit(ctx context.Context, taskID string, results []types.Result, partial bool) {
	decision, ok := a.merge(taskID, results, partial)
	if !ok {
		return
	}

	// A retried task must not produce two live decisions. The marker is
	// shared by all arbiter instances.
	set, err := a.broker.Redis().SetNX(ctx, a.broker.EmittedKey(taskID), decision.DecisionID, a.cfg.DedupTTL).Result()
	if err != nil {
		a.logger.Warn("decision dedup check failed, emitting anyway",
			zap.String("task_id", taskID), zap.Error(err))
	} else if !set {
		a.logger.Debug("suppressing duplicate decision", zap.String("task_id", taskID))
		return
	}

	a.metrics.DecisionEmitted(decision.RequiresApproval, decision.Partial)

	if decision.RequiresApproval && a.sink != nil {
		if err := a.sink.Submit(ctx, decision); err != nil {
			a.logger.Error("approval submission failed",
				zap.String("decision_id", decision.DecisionID), zap.Error(err))
		}
		return
	}
	a.publish(ctx, decision)
}

// decisionFields are the arbitration-relevant fields a payload producer
// embeds in its result payload. Everything else stays opaque.
type decisionFields struct {
	Action     string          `json:"action"`
	Confidence float64         `json:"confidence"`
	RiskLevel  types.RiskLevel `json:"risk_level"`
	Reasoning  string          `json:"reasoning"`
}

// merge folds one task's results into a decision. The narrative (action
// and reasoning) comes from the highest-precedence successful result;
// severity is always the maximum risk across all of them. Returns false
// when no result succeeded: a failure is logged, not decided.
func (a *Arbiter) merge(taskID string, results []types.Result, partial bool) (types.Decision, bool) {
	var (
		narrative  *decisionFields
		bestRank   = -1
		maxRisk    = types.RiskLow
		sources    []types.TaskType
		anySuccess bool
	)

	for _, r := range results {
		sources = append(sources, r.Type)
		if !r.Success {
			continue
		}
		anySuccess = true

		var fields decisionFields
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &fields); err != nil {
				a.logger.Warn("result payload lacks decision fields",
					zap.String("task_id", taskID),
					zap.String("task_type", string(r.Type)),
					zap.Error(err))
				continue
			}
		}
		maxRisk = types.MaxRisk(maxRisk, fields.RiskLevel)
		if rank := r.Type.Precedence(); rank > bestRank {
			bestRank = rank
			f := fields
			narrative = &f
		}
	}

	if !anySuccess || narrative == nil {
		a.logger.Warn("no successful result to arbitrate",
			zap.String("task_id", taskID),
			zap.Int("results", len(results)))
		return types.Decision{}, false
	}

	decision := types.Decision{
		DecisionID: uuid.NewString(),
		TaskID:     taskID,
		Action:     narrative.Action,
		Confidence: narrative.Confidence,
		RiskLevel:  maxRisk,
		Reasoning:  narrative.Reasoning,
		Partial:    partial,
		Sources:    sources,
		CreatedAt:  a.now(),
	}
	decision.RequiresApproval = a.requiresApproval(decision)
	return decision, true
}

// requiresApproval gates decisions whose severity reaches the configured
// risk threshold or whose confidence falls below the floor. Partial
// decisions are always gated: a human should see what the pipeline could
// not finish.
func (a *Arbiter) requiresApproval(d types.Decision) bool {
	if d.Partial {
		return true
	}
	if types.MaxRisk(d.RiskLevel, a.cfg.RiskThreshold) == d.RiskLevel {
		return true
	}
	return d.Confidence < a.cfg.MinConfidence
}

// publish appends an auto-applied decision to the decision stream.
func (a *Arbiter) publish(ctx context.Context, decision types.Decision) {
	data, err := json.Marshal(decision)
	if err != nil {
		a.logger.Error("marshal decision failed",
			zap.String("decision_id", decision.DecisionID), zap.Error(err))
		return
	}
	if err := a.broker.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: a.broker.DecisionsStream(),
		Values: map[string]any{"decision": string(data)},
	}).Err(); err != nil {
		a.logger.Error("decision publication failed",
			zap.String("decision_id", decision.DecisionID), zap.Error(err))
		return
	}
	a.logger.Info("decision auto-applied",
		zap.String("decision_id", decision.DecisionID),
		zap.String("task_id", decision.TaskID),
		zap.String("action", decision.Action),
		zap.String("risk_level", string(decision.RiskLevel)),
	)
}
