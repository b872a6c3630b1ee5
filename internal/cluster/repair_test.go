package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/strata/internal/graph"
)

func TestClusterHealthConsistency(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	p1 := newFakePeer(t, "p1")
	c := newCoordinator(t, local, Options{}, p1)

	same := graph.Node{ID: "same", Tier: graph.Durable, Title: "v1"}
	drift := graph.Node{ID: "drift", Tier: graph.Durable, Title: "v2"}
	require.NoError(t, local.Upsert(same))
	require.NoError(t, local.Upsert(drift))

	p1.put(same)
	p1.put(graph.Node{ID: "drift", Tier: graph.Durable, Title: "v1"})
	p1.put(graph.Node{ID: "peer-only", Tier: graph.Durable})

	h := c.ClusterHealth(ctx)
	assert.Equal(t, 1, h.Sampled)
	assert.Equal(t, 2, h.Compared)
	assert.Equal(t, 1, h.Mismatched)
	assert.InDelta(t, 0.5, h.Consistency, 1e-9)
}

func TestClusterHealthNothingComparable(t *testing.T) {
	c := newCoordinator(t, newLocal(t), Options{})
	h := c.ClusterHealth(context.Background())
	assert.Equal(t, 1.0, h.Consistency)
	assert.Zero(t, h.Healthy+h.Unhealthy)
}

func TestRepairRetriesPartialObjects(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	p1, p2 := newFakePeer(t, "p1"), newFakePeer(t, "p2")
	c := newCoordinator(t, local, Options{ReplicationFactor: 2}, p1, p2)

	p2.down.Store(true)
	_, err := c.Replicate(ctx, NodeObject(graph.Node{ID: "late", Tier: graph.Durable}), 2)
	require.ErrorIs(t, err, ErrReplicationIncomplete)
	require.Equal(t, 1, c.PendingRepairs())

	p2.down.Store(false)
	rep, err := c.RepairCluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retried)
	assert.Equal(t, 1, rep.Replicated)
	assert.Zero(t, rep.Partial)
	assert.Zero(t, c.PendingRepairs())

	_, ok := p2.node("late")
	assert.True(t, ok, "repair did not reach recovered peer")
}

func TestRepairSkipsEphemeral(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	p1 := newFakePeer(t, "p1")
	c := newCoordinator(t, local, Options{ReplicationFactor: 1}, p1)

	require.NoError(t, local.Upsert(graph.Node{ID: "scratch", Tier: graph.Ephemeral}))
	require.NoError(t, local.Upsert(graph.Node{ID: "keep", Tier: graph.Cached}))

	rep, err := c.RepairCluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replicated)
	_, ok := p1.node("scratch")
	assert.False(t, ok)
}

func TestRepairLeavesDifferingEphemeralCopies(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	p1 := newFakePeer(t, "p1")
	c := newCoordinator(t, local, Options{ReplicationFactor: 1}, p1)

	require.NoError(t, local.Upsert(graph.Node{ID: "scratch", Tier: graph.Ephemeral, Title: "mine"}))
	p1.put(graph.Node{ID: "scratch", Tier: graph.Ephemeral, Title: "theirs"})

	h := c.ClusterHealth(ctx)
	assert.Zero(t, h.Compared)
	assert.Zero(t, h.Mismatched)
	assert.Equal(t, 1.0, h.Consistency)

	rep, err := c.RepairCluster(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Conflicts)
	assert.Zero(t, rep.Resolved)
	n, ok := p1.node("scratch")
	require.True(t, ok)
	assert.Equal(t, "theirs", n.Title)
}

func TestRepairDropsQueuedObjectTurnedEphemeral(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	p1, p2 := newFakePeer(t, "p1"), newFakePeer(t, "p2")
	c := newCoordinator(t, local, Options{ReplicationFactor: 2}, p1, p2)

	p2.down.Store(true)
	_, err := c.Replicate(ctx, NodeObject(graph.Node{ID: "fading", Tier: graph.Durable}), 2)
	require.ErrorIs(t, err, ErrReplicationIncomplete)
	require.NoError(t, local.Upsert(graph.Node{ID: "fading", Tier: graph.Ephemeral}))

	p2.down.Store(false)
	rep, err := c.RepairCluster(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Retried)
	assert.Zero(t, c.PendingRepairs())
	_, ok := p2.node("fading")
	assert.False(t, ok)
}

// With R=1 each object lands on one peer; the sampled peers that are not
// targets keep stale copies until the conflict pass overwrites them.
func TestRepairOverwritesConflictingCopies(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	p1, p2, p3 := newFakePeer(t, "p1"), newFakePeer(t, "p2"), newFakePeer(t, "p3")
	c := newCoordinator(t, local, Options{ReplicationFactor: 1, SampleSize: 3}, p1, p2, p3)

	truth := graph.Node{ID: "x", Tier: graph.Durable, Title: "local"}
	require.NoError(t, local.Upsert(truth))
	for _, p := range []*fakePeer{p1, p2, p3} {
		p.put(graph.Node{ID: "x", Tier: graph.Durable, Title: "stale"})
	}

	rep, err := c.RepairCluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Sampled)
	assert.Equal(t, 2, rep.Conflicts)
	assert.Equal(t, 2, rep.Resolved)

	for _, p := range []*fakePeer{p1, p2, p3} {
		n, ok := p.node("x")
		require.True(t, ok)
		assert.Equal(t, "local", n.Title, "peer %s", p.id)
	}
	assert.InDelta(t, 1.0, c.ClusterHealth(ctx).Consistency, 1e-9)
}

func TestRepairWithoutPeers(t *testing.T) {
	p1 := newFakePeer(t, "p1")
	c := newCoordinator(t, newLocal(t), Options{}, p1)
	p1.down.Store(true)

	_, err := c.RepairCluster(context.Background())
	require.ErrorIs(t, err, ErrNoPeers)
}
