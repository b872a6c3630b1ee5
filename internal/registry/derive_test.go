package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lazypower/strata/internal/graph"
)

func template(t *testing.T, id, generates string, content *graph.ContentRef) graph.Node {
	t.Helper()
	n, err := graph.NewNode(graph.NodeSpec{
		ID:        id,
		Type:      "report",
		Title:     "Quarterly",
		Content:   content,
		Generates: generates,
		Attrs:     []graph.Attr{{Key: "owner", Value: "ops"}},
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n
}

func TestLookupDerivesFromTemplate(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, Options{Clock: clk.Now, CacheTTL: 10 * time.Minute})
	f.reg.Initialize(ctx)

	tpl := template(t, "T", "summary-1", &graph.ContentRef{InlineJSON: json.RawMessage(`{"total":3}`)})
	if err := f.reg.Upsert(tpl); err != nil {
		t.Fatal(err)
	}

	n, ok, err := f.reg.Lookup(ctx, "summary-1")
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v", ok, err)
	}
	if n.ID != "summary-1" || n.Tier != graph.Cached {
		t.Errorf("derived = %s/%s, want summary-1/cached", n.ID, n.Tier)
	}
	if got := n.Meta.String(graph.MetaGeneratedFrom); got != "T" {
		t.Errorf("generatedFrom = %q, want T", got)
	}
	if got := n.Meta.String(graph.MetaTier); got != "cached" {
		t.Errorf("meta tier = %q, want cached", got)
	}
	if got := n.Meta.String(graph.MetaExpiresAt); got != "2026-03-01T12:10:00Z" {
		t.Errorf("expiresAt = %q", got)
	}
	if _, ok := n.Meta.Get(graph.MetaGenerates); ok {
		t.Error("derived node kept the generates marker")
	}
	if got := n.Meta.String("owner"); got != "ops" {
		t.Errorf("owner = %q, want inherited ops", got)
	}

	var env map[string]any
	if err := json.Unmarshal(n.Content.InlineJSON, &env); err != nil {
		t.Fatalf("derived content is not JSON: %v", err)
	}
	want := map[string]any{
		"original":    map[string]any{"total": float64(3)},
		"processed":   true,
		"tier":        "cached",
		"processedAt": "2026-03-01T12:00:00Z",
		"source":      "T",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}

	f.reg.Flush()
	if _, ok, _ := f.cache.GetNode(ctx, "summary-1"); !ok {
		t.Error("derived cached node not persisted")
	}
	if tier, _ := f.reg.TierOf("summary-1"); tier != graph.Cached {
		t.Errorf("TierOf = %s, want cached", tier)
	}
}

func TestDeriveEphemeralText(t *testing.T) {
	ctx := context.Background()
	f := initialized(t)

	tpl := template(t, "notes", "notes-view", &graph.ContentRef{MediaType: "text/markdown", InlineBytes: []byte("# hello")})
	f.reg.Upsert(tpl)

	n, ok, err := f.reg.Derive(ctx, "notes-view", graph.Ephemeral)
	if err != nil || !ok {
		t.Fatalf("Derive = %v, %v", ok, err)
	}
	if n.Content.MediaType != "text/plain" {
		t.Errorf("media type = %q, want text/plain", n.Content.MediaType)
	}
	body := string(n.Content.InlineBytes)
	if !strings.HasPrefix(body, "[ephemeral from notes at ") || !strings.HasSuffix(body, "]\n# hello") {
		t.Errorf("body = %q", body)
	}
	if _, ok := n.Meta.Get(graph.MetaExpiresAt); ok {
		t.Error("ephemeral derivation carries an expiry")
	}

	f.reg.Flush()
	if _, ok, _ := f.cache.GetNode(ctx, "notes-view"); ok {
		t.Error("ephemeral derivation persisted")
	}
}

func TestDeriveFromBackendTemplate(t *testing.T) {
	ctx := context.Background()
	f := initialized(t)

	// Template saved after hydration is only reachable through the backend.
	f.durable.SaveNode(ctx, template(t, "disk-tpl", "from-disk", nil))

	n, ok, err := f.reg.Derive(ctx, "FROM-DISK", graph.Cached)
	if err != nil || !ok {
		t.Fatalf("Derive = %v, %v", ok, err)
	}
	if n.Meta.String(graph.MetaGeneratedFrom) != "disk-tpl" {
		t.Errorf("generatedFrom = %q", n.Meta.String(graph.MetaGeneratedFrom))
	}
}

func TestDeriveSourceIsItself(t *testing.T) {
	ctx := context.Background()
	f := initialized(t)
	mustUpsert(t, f.reg, "self", graph.Durable)

	n, ok, err := f.reg.Derive(ctx, "self", graph.Cached)
	if err != nil || !ok {
		t.Fatalf("Derive = %v, %v", ok, err)
	}
	if n.Tier != graph.Durable {
		t.Errorf("tier = %s, want the source's durable tier", n.Tier)
	}
	if tier, _ := f.reg.TierOf("self"); tier != graph.Durable {
		t.Errorf("source moved to %s", tier)
	}
}

func TestDeriveMissAndBadTier(t *testing.T) {
	ctx := context.Background()
	f := initialized(t)

	if _, ok, err := f.reg.Derive(ctx, "nothing", graph.Cached); ok || err != nil {
		t.Errorf("Derive(nothing) = %v, %v; want clean miss", ok, err)
	}
	if _, _, err := f.reg.Derive(ctx, "x", graph.Durable); !errors.Is(err, graph.ErrInvalid) {
		t.Errorf("Derive into durable err = %v, want ErrInvalid", err)
	}
}

func TestDeriveConcurrent(t *testing.T) {
	ctx := context.Background()
	f := initialized(t)
	f.reg.Upsert(template(t, "tpl", "hot", nil))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := f.reg.Derive(ctx, "hot", graph.Cached); err != nil || !ok {
				errs <- errors.Join(err, errors.New("derive missed"))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if in := presentIn(f.reg, "hot"); len(in) != 1 || in[0] != graph.Cached {
		t.Errorf("hot present in %v, want [cached]", in)
	}
}
