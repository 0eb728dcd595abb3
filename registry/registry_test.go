package registry

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

func setupTestRegistry(t *testing.T) (*miniredis.Miniredis, *Registry) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := broker.Connect(broker.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return mr, New(client, DefaultConfig(), zap.NewNop())
}

func strategyAgent(id string, capacity int) types.AgentDescriptor {
	return types.AgentDescriptor{
		AgentID:  id,
		Types:    []types.TaskType{types.TaskTypeStrategy},
		Tracks:   []string{types.TrackWildcard},
		Capacity: capacity,
	}
}

func TestRegisterAndList(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("strategy-01", 8)))
	require.NoError(t, r.Heartbeat(ctx, "strategy-01"))

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "strategy-01", agents[0].AgentID)
	assert.Equal(t, types.AgentStatusHealthy, agents[0].Status)
}

func TestRegisterRejectsInvalidDescriptor(t *testing.T) {
	_, r := setupTestRegistry(t)

	err := r.Register(context.Background(), types.AgentDescriptor{AgentID: "x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.Code(err))
}

func TestListExcludesBeforeFirstHeartbeat(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	// A registered agent is "starting" until its first heartbeat and must
	// not receive tasks yet.
	require.NoError(t, r.Register(ctx, strategyAgent("strategy-01", 8)))

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestListFiltersTypeAndTrack(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, types.AgentDescriptor{
		AgentID:  "sim-01",
		Types:    []types.TaskType{types.TaskTypeSimulation},
		Tracks:   []string{"cota", "spa"},
		Capacity: 4,
	}))
	require.NoError(t, r.Register(ctx, strategyAgent("strategy-01", 8)))
	require.NoError(t, r.Heartbeat(ctx, "sim-01"))
	require.NoError(t, r.Heartbeat(ctx, "strategy-01"))

	agents, err := r.List(ctx, types.TaskTypeSimulation, "cota")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "sim-01", agents[0].AgentID)

	// Wrong track for the scoped agent; the wildcard agent has the wrong
	// type.
	agents, err = r.List(ctx, types.TaskTypeSimulation, "monza")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestListRanksByRemainingCapacity(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("busy", 4)))
	require.NoError(t, r.Register(ctx, strategyAgent("idle", 4)))
	require.NoError(t, r.Heartbeat(ctx, "busy"))
	require.NoError(t, r.Heartbeat(ctx, "idle"))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.IncrLoad(ctx, "busy"))
	}

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "idle", agents[0].AgentID)
	assert.Equal(t, int64(4), agents[0].Remaining())
	assert.Equal(t, "busy", agents[1].AgentID)
	assert.Equal(t, int64(1), agents[1].Remaining())
}

func TestListTieBreaksByAgentID(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, r.Register(ctx, strategyAgent(id, 4)))
		require.NoError(t, r.Heartbeat(ctx, id))
	}

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, "alpha", agents[0].AgentID)
	assert.Equal(t, "mike", agents[1].AgentID)
	assert.Equal(t, "zulu", agents[2].AgentID)
}

func TestListExcludesSaturatedAgents(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("full", 2)))
	require.NoError(t, r.Heartbeat(ctx, "full"))
	require.NoError(t, r.IncrLoad(ctx, "full"))
	require.NoError(t, r.IncrLoad(ctx, "full"))

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Empty(t, agents)

	require.NoError(t, r.DecrLoad(ctx, "full"))
	agents, err = r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestStaleAgentExcludedFromRouting(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("strategy-01", 8)))
	require.NoError(t, r.Heartbeat(ctx, "strategy-01"))

	// Move the registry clock past the liveness window without a new
	// heartbeat.
	base := time.Now()
	r.now = func() time.Time { return base.Add(DefaultConfig().LivenessWindow + time.Second) }

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Empty(t, agents)

	snapshot, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, types.AgentStatusStale, snapshot[0].Status)
}

func TestHeartbeatRevivesStaleAgent(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("strategy-01", 8)))
	require.NoError(t, r.Heartbeat(ctx, "strategy-01"))

	base := time.Now()
	r.now = func() time.Time { return base.Add(DefaultConfig().LivenessWindow + time.Second) }

	require.NoError(t, r.Heartbeat(ctx, "strategy-01"))
	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestEvictionAfterLongSilence(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("ghost", 8)))
	require.NoError(t, r.Heartbeat(ctx, "ghost"))

	base := time.Now()
	r.now = func() time.Time { return base.Add(DefaultConfig().EvictAfter + time.Minute) }

	// List evicts entries past the eviction window as a side effect.
	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Empty(t, agents)

	// Heartbeat from the evicted agent now reports it unregistered.
	err = r.Heartbeat(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrTransient, types.Code(err))
}

func TestDeregister(t *testing.T) {
	_, r := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, strategyAgent("strategy-01", 8)))
	require.NoError(t, r.Heartbeat(ctx, "strategy-01"))
	require.NoError(t, r.Deregister(ctx, "strategy-01"))

	agents, err := r.List(ctx, types.TaskTypeStrategy, "cota")
	require.NoError(t, err)
	assert.Empty(t, agents)
}
