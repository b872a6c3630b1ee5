package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/strata/internal/graph"
)

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newFakePeer(t, "p")
	c := NewClient(time.Second)

	n := graph.Node{ID: "Doc/1", Tier: graph.Durable, Meta: graph.MetaOf("b", "2", "a", "1")}
	require.NoError(t, c.PushNode(ctx, p.srv.URL+"/", n))
	nodes, err := c.FetchNodes(ctx, p.srv.URL)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, NodeChecksum(n), NodeChecksum(nodes[0]), "node did not survive the wire")

	require.NoError(t, c.DeleteNode(ctx, p.srv.URL, "Doc/1"))
	_, ok := p.node("doc/1")
	assert.False(t, ok)

	e := graph.Edge{FromID: "a", ToID: "b", Role: "r"}
	require.NoError(t, c.PushEdge(ctx, p.srv.URL, e))
	require.NoError(t, c.DeleteEdge(ctx, p.srv.URL, e.Key()))
	edges, err := c.FetchEdges(ctx, p.srv.URL)
	require.NoError(t, err)
	assert.Empty(t, edges)

	require.NoError(t, c.Ping(ctx, p.srv.URL))
	members, err := c.Join(ctx, p.srv.URL, Member{NodeID: "me"})
	require.NoError(t, err)
	assert.Equal(t, "p", members[0].NodeID)
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	defer srv.Close()

	err := NewClient(time.Second).Ping(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 418")
	assert.Contains(t, err.Error(), "nope")
}

func TestClientTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	err := NewClient(50 * time.Millisecond).Ping(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientFetchNode(t *testing.T) {
	ctx := context.Background()
	p := newFakePeer(t, "p")
	p.put(graph.Node{ID: "here", Tier: graph.Durable})

	c := NewClient(time.Second)
	n, ok, err := c.FetchNode(ctx, p.srv.URL, "here")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "here", n.ID)

	_, ok, err = c.FetchNode(ctx, p.srv.URL, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

