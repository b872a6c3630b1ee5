package store

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/strata/internal/graph"
)

func edgeRec(from, role, to string, tier graph.Tier) graph.EdgeRecord {
	w := 0.5
	return graph.EdgeRecord{Edge: graph.Edge{FromID: from, ToID: to, Role: role, Weight: &w}, Tier: tier}
}

func TestEdgeSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	durable, _ := testBackends(t)

	if err := durable.SaveEdge(ctx, edgeRec("A", "links", "B", graph.Durable)); err != nil {
		t.Fatalf("SaveEdge: %v", err)
	}
	if err := durable.SaveEdge(ctx, edgeRec("a", "LINKS", "b", graph.Durable)); err != nil {
		t.Fatalf("SaveEdge replace: %v", err)
	}
	if err := durable.SaveEdge(ctx, edgeRec("b", "links", "c", graph.Durable)); err != nil {
		t.Fatalf("SaveEdge: %v", err)
	}

	edges, err := durable.LoadEdges(ctx)
	if err != nil {
		t.Fatalf("LoadEdges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("LoadEdges = %d, want 2", len(edges))
	}
	if edges[0].Tier != graph.Durable {
		t.Errorf("tier = %q, want durable", edges[0].Tier)
	}
	if edges[0].Edge.Weight == nil || *edges[0].Edge.Weight != 0.5 {
		t.Errorf("weight = %v, want 0.5", edges[0].Edge.Weight)
	}

	if err := durable.DeleteEdge(ctx, graph.EdgeKey{From: "a", Role: "links", To: "b"}); err != nil {
		t.Fatalf("DeleteEdge: %v", err)
	}
	edges, _ = durable.LoadEdges(ctx)
	if len(edges) != 1 {
		t.Errorf("after delete = %d edges, want 1", len(edges))
	}

	if err := durable.DeleteEdgesFor(ctx, "C"); err != nil {
		t.Fatalf("DeleteEdgesFor: %v", err)
	}
	edges, _ = durable.LoadEdges(ctx)
	if len(edges) != 0 {
		t.Errorf("after DeleteEdgesFor = %d edges, want 0", len(edges))
	}
}

func TestCacheEdgesExpire(t *testing.T) {
	ctx := context.Background()
	_, cache := testBackends(t)
	now := time.UnixMilli(1_700_000_000_000)
	cache.SetClock(func() time.Time { return now })

	cache.SaveEdge(ctx, edgeRec("a", "r", "b", graph.Cached))
	if edges, _ := cache.LoadEdges(ctx); len(edges) != 1 {
		t.Fatalf("LoadEdges = %d, want 1", len(edges))
	}
	now = now.Add(time.Hour)
	if edges, _ := cache.LoadEdges(ctx); len(edges) != 0 {
		t.Errorf("LoadEdges after expiry = %d, want 0", len(edges))
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	durable, _ := testBackends(t)

	durable.SaveNode(ctx, node("a", "doc", graph.Durable))
	durable.SaveNode(ctx, node("b", "doc", graph.Durable))
	durable.SaveEdge(ctx, edgeRec("a", "r", "b", graph.Durable))

	st, err := durable.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Nodes != 2 || st.Edges != 1 {
		t.Errorf("Stats = %+v, want 2 nodes 1 edge", st)
	}
	if st.Bytes <= 0 {
		t.Errorf("Bytes = %d, want > 0", st.Bytes)
	}
	if st.Kind != KindDurable {
		t.Errorf("Kind = %q, want durable", st.Kind)
	}
}
