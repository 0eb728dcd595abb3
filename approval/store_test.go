package approval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/types"
)

func setupTestStore(t *testing.T) (*broker.Client, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := broker.Connect(broker.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, NewStore(client, DefaultStoreConfig(), zap.NewNop(), nil)
}

func decision(id string, risk types.RiskLevel) types.Decision {
	return types.Decision{
		DecisionID:       id,
		TaskID:           "task-" + id,
		Action:           "pit_now",
		Confidence:       0.9,
		RiskLevel:        risk,
		Reasoning:        "undercut window open",
		RequiresApproval: true,
		Sources:          []types.TaskType{types.TaskTypeStrategy},
		CreatedAt:        time.Now(),
	}
}

func TestSubmitAndGet(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))

	pending, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", pending.DecisionID)
	assert.Equal(t, types.ApprovalPending, pending.Status)
	assert.Equal(t, types.RiskHigh.Rank()*10, pending.Priority)
	assert.Equal(t, s.cfg.DefaultPolicy, pending.TimeoutPolicy)
	assert.Equal(t, "pit_now", pending.Decision.Action)
	assert.True(t, pending.ExpiresAt.After(pending.CreatedAt))
}

func TestSubmitValidation(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	err := s.Submit(ctx, types.Decision{})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.Code(err))

	err = s.SubmitWithPolicy(ctx, decision("d1", types.RiskLow), "explode")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.Code(err))
}

func TestGetUnknownDecision(t *testing.T) {
	_, s := setupTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
}

func TestPendingOrderedByPriority(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Submit(ctx, decision("routine", types.RiskLow)))
	s.now = func() time.Time { return base.Add(time.Second) }
	require.NoError(t, s.Submit(ctx, decision("urgent", types.RiskHigh)))
	s.now = func() time.Time { return base.Add(2 * time.Second) }
	require.NoError(t, s.Submit(ctx, decision("notable", types.RiskMedium)))
	s.now = func() time.Time { return base.Add(3 * time.Second) }
	require.NoError(t, s.Submit(ctx, decision("urgent-later", types.RiskHigh)))

	items, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 4)

	// Highest priority first; equal priorities keep submission order.
	assert.Equal(t, "urgent", items[0].DecisionID)
	assert.Equal(t, "urgent-later", items[1].DecisionID)
	assert.Equal(t, "notable", items[2].DecisionID)
	assert.Equal(t, "routine", items[3].DecisionID)
}

func TestResolveApprove(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))

	resolved, err := s.Resolve(ctx, "d1", types.ApprovalApproved, "race-engineer")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, resolved.Status)
	assert.Equal(t, "race-engineer", resolved.Reviewer)
	require.NotNil(t, resolved.ReviewedAt)

	items, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResolveIdempotentFirstReviewerWins(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))

	first, err := s.Resolve(ctx, "d1", types.ApprovalApproved, "race-engineer")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, first.Status)

	// A conflicting verdict after the fact is a no-op reporting the
	// original outcome.
	second, err := s.Resolve(ctx, "d1", types.ApprovalRejected, "team-principal")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, second.Status)
	assert.Equal(t, "race-engineer", second.Reviewer)
}

func TestResolveCompletesAbandonedClaim(t *testing.T) {
	client, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))

	// A claimant wrote its claim and then died before recording the
	// verdict.
	require.NoError(t, client.Redis().Set(ctx,
		client.ApprovalClaimKey("d1"), "approved:race-engineer", 0).Err())

	// The next resolver completes the claimed verdict, not its own.
	resolved, err := s.Resolve(ctx, "d1", types.ApprovalRejected, "team-principal")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, resolved.Status)
	assert.Equal(t, "race-engineer", resolved.Reviewer)
	require.NotNil(t, resolved.ReviewedAt)

	record, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, record.Status)

	items, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSweepResolvesPastAbandonedClaim(t *testing.T) {
	client, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("d1", types.RiskHigh), types.TimeoutAutoApprove))

	require.NoError(t, client.Redis().Set(ctx,
		client.ApprovalClaimKey("d1"), "rejected:race-engineer", 0).Err())

	m := NewMonitor(s, DefaultMonitorConfig(), zap.NewNop())
	m.now = func() time.Time { return base.Add(s.cfg.TTL + time.Second) }
	s.now = m.now
	require.NoError(t, m.Sweep(ctx))

	// The approval must not stay pending behind the dead claim; the
	// claimed verdict wins over the timeout policy.
	resolved, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, resolved.Status)
	assert.Equal(t, "race-engineer", resolved.Reviewer)

	items, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPendingPrunesMissingRecord(t *testing.T) {
	client, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("gone", types.RiskHigh)))
	require.NoError(t, s.Submit(ctx, decision("alive", types.RiskLow)))
	require.NoError(t, client.Redis().Del(ctx, client.ApprovalKey("gone")).Err())

	items, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alive", items[0].DecisionID)

	// The dangling index entry is gone for good.
	err = client.Redis().ZScore(ctx, client.ApprovalPendingKey(), "gone").Err()
	assert.Error(t, err)
}

func TestPendingKeepsIndexOnUnreadableRecord(t *testing.T) {
	client, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))

	// Replace the record with the wrong key type so the read fails like a
	// broker error rather than a missing record.
	require.NoError(t, client.Redis().Del(ctx, client.ApprovalKey("d1")).Err())
	require.NoError(t, client.Redis().HSet(ctx, client.ApprovalKey("d1"), "f", "v").Err())

	_, err := s.Pending(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrBroker, types.Code(err))

	// The index entry survives the failed listing.
	_, err = client.Redis().ZScore(ctx, client.ApprovalPendingKey(), "d1").Result()
	require.NoError(t, err)
}

func TestResolveValidation(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))

	_, err := s.Resolve(ctx, "d1", types.ApprovalPending, "race-engineer")
	require.Error(t, err)

	_, err = s.Resolve(ctx, "d1", types.ApprovalApproved, "")
	require.Error(t, err)
}

func TestEscalateBumpsPriorityAndDeadline(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskMedium)))
	before, err := s.Get(ctx, "d1")
	require.NoError(t, err)

	s.now = func() time.Time { return before.ExpiresAt.Add(time.Second) }
	escalated, err := s.Escalate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, before.Priority+s.cfg.EscalationBump, escalated.Priority)
	assert.Equal(t, 1, escalated.Escalations)
	assert.True(t, escalated.ExpiresAt.After(before.ExpiresAt))

	// The escalated entry stays pending and keeps its index slot.
	items, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, escalated.Priority, items[0].Priority)
}

func TestEscalateClaimAbsorbsRedundantMonitor(t *testing.T) {
	client, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskMedium)))
	pending, err := s.Get(ctx, "d1")
	require.NoError(t, err)

	// A second monitor instance claimed this expiry cycle first.
	marker := client.EscalatedKey("d1", pending.ExpiresAt.Unix())
	require.NoError(t, client.Redis().SetNX(ctx, marker, 1, time.Hour).Err())

	after, err := s.Escalate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, pending.Priority, after.Priority)
	assert.Zero(t, after.Escalations)
}

func TestEscalateTerminalIsNoOp(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, decision("d1", types.RiskHigh)))
	_, err := s.Resolve(ctx, "d1", types.ApprovalRejected, "race-engineer")
	require.NoError(t, err)

	after, err := s.Escalate(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, after.Status)
	assert.Zero(t, after.Escalations)
}

func TestSnapshotCountsExpired(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Submit(ctx, decision("old", types.RiskHigh)))
	s.now = func() time.Time { return base.Add(s.cfg.TTL) }
	require.NoError(t, s.Submit(ctx, decision("fresh", types.RiskLow)))

	s.now = func() time.Time { return base.Add(s.cfg.TTL + time.Second) }
	stats, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, 1, stats.Expired)
	assert.GreaterOrEqual(t, stats.OldestPending, s.cfg.TTL)
}

func TestMonitorSweepAppliesTimeoutPolicies(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("approve-me", types.RiskLow), types.TimeoutAutoApprove))
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("reject-me", types.RiskLow), types.TimeoutAutoReject))
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("escalate-me", types.RiskLow), types.TimeoutEscalate))
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("still-fresh", types.RiskLow), types.TimeoutAutoReject))

	// Push the fresh one's deadline past the sweep horizon.
	s.now = func() time.Time { return base.Add(s.cfg.TTL / 2) }
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("still-fresh", types.RiskLow), types.TimeoutAutoReject))

	m := NewMonitor(s, DefaultMonitorConfig(), zap.NewNop())
	m.now = func() time.Time { return base.Add(s.cfg.TTL + time.Second) }
	s.now = m.now
	require.NoError(t, m.Sweep(ctx))

	approved, err := s.Get(ctx, "approve-me")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalAutoApproved, approved.Status)
	assert.Equal(t, types.SystemReviewer, approved.Reviewer)

	rejected, err := s.Get(ctx, "reject-me")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalAutoRejected, rejected.Status)

	escalated, err := s.Get(ctx, "escalate-me")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, escalated.Status)
	assert.Equal(t, 1, escalated.Escalations)

	fresh, err := s.Get(ctx, "still-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, fresh.Status)
	assert.Zero(t, fresh.Escalations)

	items, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestMonitorSweepIsIdempotent(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.SubmitWithPolicy(ctx, decision("d1", types.RiskHigh), types.TimeoutAutoApprove))

	m := NewMonitor(s, DefaultMonitorConfig(), zap.NewNop())
	m.now = func() time.Time { return base.Add(s.cfg.TTL + time.Second) }
	s.now = m.now

	require.NoError(t, m.Sweep(ctx))
	require.NoError(t, m.Sweep(ctx))

	resolved, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalAutoApproved, resolved.Status)
	require.NotNil(t, resolved.ReviewedAt)
	assert.Equal(t, base.Add(s.cfg.TTL+time.Second).Unix(), resolved.ReviewedAt.Unix())
}
