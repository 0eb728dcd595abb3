// Package approval implements the human-in-the-loop gate: a broker-backed
// pending store with a priority-ordered index, idempotent resolution, and a
// timeout monitor that auto-resolves or escalates expired entries.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/internal/metrics"
	"github.com/pitwall-ai/pitwall/types"
)

// resolveScript claims the resolution and writes the terminal record in one
// round trip, so a resolver cannot fail between claiming and recording and
// strand the approval behind its own claim.
var resolveScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[3]) then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
	redis.call("ZREM", KEYS[3], ARGV[4])
	return 1
end
return 0
`)

// StoreConfig tunes the pending-approval store.
type StoreConfig struct {
	// TTL is how long a submitted decision waits for a human verdict
	// before its timeout policy applies.
	TTL time.Duration `yaml:"ttl"`

	// DefaultPolicy applies to decisions submitted without an explicit
	// timeout policy.
	DefaultPolicy types.TimeoutPolicy `yaml:"default_policy"`

	// RecordRetention bounds how long resolved records and resolution
	// claims stay readable.
	RecordRetention time.Duration `yaml:"record_retention"`

	// EscalationBump is added to an approval's priority each time the
	// monitor escalates it instead of resolving.
	EscalationBump int `yaml:"escalation_bump"`
}

// DefaultStoreConfig returns approval settings matching a two-minute
// review window.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:             2 * time.Minute,
		DefaultPolicy:   types.TimeoutAutoReject,
		RecordRetention: 24 * time.Hour,
		EscalationBump:  10,
	}
}

// Store is the broker-backed pending-approval store.
type Store struct {
	broker  *broker.Client
	cfg     StoreConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	now func() time.Time
}

// NewStore creates the approval store on the shared broker handle.
func NewStore(b *broker.Client, cfg StoreConfig, logger *zap.Logger, mc *metrics.Collector) *Store {
	def := DefaultStoreConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = def.DefaultPolicy
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = def.RecordRetention
	}
	if cfg.EscalationBump <= 0 {
		cfg.EscalationBump = def.EscalationBump
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		broker:  b,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "approval")),
		metrics: mc,
		now:     time.Now,
	}
}

// Submit creates a PendingApproval for the decision with the store's
// default timeout policy, indexed by priority so reviewers fetch the most
// urgent items first.
func (s *Store) Submit(ctx context.Context, decision types.Decision) error {
	return s.SubmitWithPolicy(ctx, decision, s.cfg.DefaultPolicy)
}

// SubmitWithPolicy creates a PendingApproval with an explicit timeout
// policy.
func (s *Store) SubmitWithPolicy(ctx context.Context, decision types.Decision, policy types.TimeoutPolicy) error {
	if decision.DecisionID == "" {
		return types.NewError(types.ErrValidation, "decision is missing decision_id")
	}
	switch policy {
	case types.TimeoutAutoApprove, types.TimeoutAutoReject, types.TimeoutEscalate:
	default:
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("unknown timeout policy %q", policy))
	}

	now := s.now()
	pending := types.PendingApproval{
		DecisionID:    decision.DecisionID,
		Decision:      decision,
		Priority:      decision.RiskLevel.Rank() * 10,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.TTL),
		TimeoutPolicy: policy,
		Status:        types.ApprovalPending,
	}

	if err := s.save(ctx, &pending, true); err != nil {
		return err
	}
	s.logger.Info("decision awaiting approval",
		zap.String("decision_id", pending.DecisionID),
		zap.String("task_id", decision.TaskID),
		zap.String("action", decision.Action),
		zap.Int("priority", pending.Priority),
		zap.Time("expires_at", pending.ExpiresAt),
		zap.String("timeout_policy", string(policy)),
	)
	return nil
}

// Get loads one approval record, pending or resolved.
func (s *Store) Get(ctx context.Context, decisionID string) (*types.PendingApproval, error) {
	data, err := s.broker.Redis().Get(ctx, s.broker.ApprovalKey(decisionID)).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrValidation, "no approval record for "+decisionID).WithRetryable(false)
	}
	if err != nil {
		return nil, types.WrapBroker("load approval record", err)
	}
	var pending types.PendingApproval
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, types.NewError(types.ErrValidation, "corrupt approval record").WithCause(err)
	}
	return &pending, nil
}

// Pending returns every pending approval, highest priority first. The full
// set is returned, not just the head, because the timeout monitor sweeps
// all of it each cycle.
func (s *Store) Pending(ctx context.Context) ([]*types.PendingApproval, error) {
	ids, err := s.broker.Redis().ZRevRange(ctx, s.broker.ApprovalPendingKey(), 0, -1).Result()
	if err != nil {
		return nil, types.WrapBroker("list pending approvals", err)
	}

	out := make([]*types.PendingApproval, 0, len(ids))
	for _, id := range ids {
		pending, err := s.Get(ctx, id)
		if err != nil {
			// Prune only when the record is genuinely gone or unreadable.
			// A broker failure must propagate: dropping the index entry on
			// a network hiccup would orphan a live pending approval.
			if types.Code(err) != types.ErrValidation {
				return nil, err
			}
			s.logger.Warn("pruning dangling pending index entry",
				zap.String("decision_id", id), zap.Error(err))
			s.broker.Redis().ZRem(ctx, s.broker.ApprovalPendingKey(), id)
			continue
		}
		if !pending.Status.Terminal() {
			out = append(out, pending)
		}
	}

	// ZREVRANGE already ordered by priority; re-sort with the creation
	// time tie-break for determinism across equal priorities.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Resolve transitions the approval to a terminal status exactly once. The
// first resolver wins the set-if-absent claim and writes the terminal
// record in the same atomic step; any later call is a no-op that returns
// the already-terminal record, so duplicate verdicts from flaky clients or
// redundant monitors are harmless. A claim left behind without its record
// write is completed by the next caller.
func (s *Store) Resolve(ctx context.Context, decisionID string, outcome types.ApprovalStatus, reviewer string) (*types.PendingApproval, error) {
	if !outcome.Terminal() {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("resolve requires a terminal status, got %q", outcome))
	}
	if reviewer == "" {
		return nil, types.NewError(types.ErrValidation, "resolve requires a reviewer")
	}

	pending, err := s.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pending.Status = outcome
	pending.Reviewer = reviewer
	pending.ReviewedAt = &now

	data, err := json.Marshal(pending)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "marshal approval record").WithCause(err)
	}

	claimed, err := resolveScript.Run(ctx, s.broker.Redis(),
		[]string{
			s.broker.ApprovalClaimKey(decisionID),
			s.broker.ApprovalKey(decisionID),
			s.broker.ApprovalPendingKey(),
		},
		string(outcome)+":"+reviewer,
		data,
		s.cfg.RecordRetention.Milliseconds(),
		decisionID,
	).Int()
	if err != nil {
		return nil, types.WrapBroker("resolve approval", err)
	}
	if claimed == 0 {
		return s.finishClaimed(ctx, decisionID)
	}

	s.metrics.ApprovalResolved(string(outcome))
	s.logger.Info("approval resolved",
		zap.String("decision_id", decisionID),
		zap.String("status", string(outcome)),
		zap.String("reviewer", reviewer),
	)
	return pending, nil
}

// finishClaimed handles a lost resolution claim. Normally the winner already
// wrote the terminal record, which is reported unchanged. A claim key with
// the record still pending means the claimant never finished writing; the
// claimed verdict is completed here so the approval cannot sit pending
// behind a dead claim for the whole retention window.
func (s *Store) finishClaimed(ctx context.Context, decisionID string) (*types.PendingApproval, error) {
	resolved, err := s.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if resolved.Status.Terminal() {
		s.logger.Debug("resolve no-op, already resolved",
			zap.String("decision_id", decisionID),
			zap.String("status", string(resolved.Status)),
			zap.String("reviewer", resolved.Reviewer),
		)
		return resolved, nil
	}

	claim, err := s.broker.Redis().Get(ctx, s.broker.ApprovalClaimKey(decisionID)).Result()
	if err == redis.Nil {
		// The claim lapsed between the script and this read; the caller
		// can simply resolve again.
		return nil, types.NewError(types.ErrTransient, "approval claim lapsed, retry resolve")
	}
	if err != nil {
		return nil, types.WrapBroker("read approval claim", err)
	}
	outcomeStr, reviewer, ok := strings.Cut(claim, ":")
	outcome := types.ApprovalStatus(outcomeStr)
	if !ok || !outcome.Terminal() {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("corrupt approval claim %q", claim))
	}

	now := s.now()
	resolved.Status = outcome
	resolved.Reviewer = reviewer
	resolved.ReviewedAt = &now
	if err := s.save(ctx, resolved, false); err != nil {
		return nil, err
	}

	s.metrics.ApprovalResolved(string(outcome))
	s.logger.Warn("completed abandoned approval claim",
		zap.String("decision_id", decisionID),
		zap.String("status", string(outcome)),
		zap.String("reviewer", reviewer),
	)
	return resolved, nil
}

// Escalate re-publishes an expired approval with elevated priority and a
// fresh deadline instead of resolving it. The per-expiry marker keeps
// redundant monitors from double-escalating the same cycle.
func (s *Store) Escalate(ctx context.Context, decisionID string) (*types.PendingApproval, error) {
	pending, err := s.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if pending.Status.Terminal() {
		return pending, nil
	}

	marker := s.broker.EscalatedKey(decisionID, pending.ExpiresAt.Unix())
	claimed, err := s.broker.Redis().SetNX(ctx, marker, 1, s.cfg.RecordRetention).Result()
	if err != nil {
		return nil, types.WrapBroker("claim escalation", err)
	}
	if !claimed {
		return pending, nil
	}

	pending.Priority += s.cfg.EscalationBump
	pending.ExpiresAt = s.now().Add(s.cfg.TTL)
	pending.Escalations++

	if err := s.save(ctx, pending, true); err != nil {
		return nil, err
	}
	s.logger.Warn("approval escalated",
		zap.String("decision_id", decisionID),
		zap.Int("priority", pending.Priority),
		zap.Int("escalations", pending.Escalations),
		zap.Time("expires_at", pending.ExpiresAt),
	)
	return pending, nil
}

// Stats summarizes the pending set for operator surfaces.
type Stats struct {
	Pending       int64         `json:"pending"`
	Expired       int           `json:"expired"`
	OldestPending time.Duration `json:"oldest_pending"`
}

// Snapshot computes store statistics in one pass over the pending set.
func (s *Store) Snapshot(ctx context.Context) (*Stats, error) {
	items, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Pending: int64(len(items))}
	now := s.now()
	for _, p := range items {
		if p.Expired(now) {
			stats.Expired++
		}
		if age := now.Sub(p.CreatedAt); age > stats.OldestPending {
			stats.OldestPending = age
		}
	}
	return stats, nil
}

// save writes the record and maintains the pending index in one pipeline.
// Terminal records leave the index and age out after the retention window.
func (s *Store) save(ctx context.Context, pending *types.PendingApproval, indexed bool) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return types.NewError(types.ErrValidation, "marshal approval record").WithCause(err)
	}

	pipe := s.broker.Redis().Pipeline()
	if pending.Status.Terminal() {
		pipe.Set(ctx, s.broker.ApprovalKey(pending.DecisionID), data, s.cfg.RecordRetention)
		pipe.ZRem(ctx, s.broker.ApprovalPendingKey(), pending.DecisionID)
	} else {
		pipe.Set(ctx, s.broker.ApprovalKey(pending.DecisionID), data, 0)
		if indexed {
			pipe.ZAdd(ctx, s.broker.ApprovalPendingKey(), redis.Z{
				Score:  float64(pending.Priority),
				Member: pending.DecisionID,
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapBroker("store approval record", err)
	}
	return nil
}
