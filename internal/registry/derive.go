package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/graph"
)

// processed is the envelope a structured source payload is wrapped in.
type processed struct {
	Original    any        `json:"original"`
	Processed   bool       `json:"processed"`
	Tier        graph.Tier `json:"tier"`
	ProcessedAt string     `json:"processedAt"`
	Source      string     `json:"source"`
}

// Derive synthesises id from a template node: a node whose meta.generates
// names id, or whose own id is id. Durable nodes are searched first, then
// durable and cached together. The result is upserted into tier (Cached
// results are persisted, Ephemeral ones stay in memory). No source is a
// plain miss, not an error. Concurrent calls for the same id share one
// derivation.
func (r *Registry) Derive(ctx context.Context, id string, tier graph.Tier) (graph.Node, bool, error) {
	if tier != graph.Cached && tier != graph.Ephemeral {
		return graph.Node{}, false, fmt.Errorf("%w: cannot derive into tier %q", graph.ErrInvalid, tier)
	}
	key := graph.Key(id)

	v, err, _ := r.derives.Do(string(tier)+"/"+key, func() (any, error) {
		src, ok, err := r.findSource(ctx, key, []graph.Tier{graph.Durable})
		if err != nil {
			return nil, err
		}
		if !ok {
			if src, ok, err = r.findSource(ctx, key, []graph.Tier{graph.Durable, graph.Cached}); err != nil {
				return nil, err
			}
		}
		if !ok {
			return nil, nil
		}
		if src.Key() == key {
			// The template is the object itself; it is already materialised.
			return src, nil
		}

		n := r.synthesize(src, id, tier)
		if err := r.Upsert(n); err != nil {
			return nil, err
		}
		r.log.Debug("derived node",
			zap.String("id", id), zap.String("source", src.ID), zap.String("tier", string(tier)))
		return n, nil
	})
	if err != nil {
		return graph.Node{}, false, err
	}
	n, ok := v.(graph.Node)
	if !ok {
		return graph.Node{}, false, nil
	}
	return n.Clone(), true, nil
}

// findSource searches memory and then the backends of the given tiers.
func (r *Registry) findSource(ctx context.Context, key string, tiers []graph.Tier) (graph.Node, bool, error) {
	for _, t := range tiers {
		for _, e := range r.indexes[t].snapshot() {
			if generates(e.node, key) {
				return e.node.Clone(), true, nil
			}
		}
	}
	for _, t := range tiers {
		b := r.backendFor(t)
		if b == nil {
			continue
		}
		recs, err := b.LoadNodes(ctx)
		if err != nil {
			return graph.Node{}, false, fmt.Errorf("derive %s: scan %s backend: %w", key, t, err)
		}
		for _, rec := range recs {
			if generates(rec.Node, key) {
				return rec.Node, true, nil
			}
		}
	}
	return graph.Node{}, false, nil
}

func generates(n graph.Node, key string) bool {
	if n.Key() == key {
		return true
	}
	g := n.Meta.String(graph.MetaGenerates)
	return g != "" && graph.Key(g) == key
}

// synthesize builds the derived node for id from src.
func (r *Registry) synthesize(src graph.Node, id string, tier graph.Tier) graph.Node {
	now := r.now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	meta := src.Meta.Clone()
	if meta == nil {
		meta = graph.NewMeta()
	}
	meta.Delete(graph.MetaGenerates)
	meta.Set(graph.MetaGeneratedFrom, src.ID)
	meta.Set(graph.MetaGeneratedAt, stamp)
	meta.Set(graph.MetaTier, string(tier))
	if tier == graph.Cached {
		meta.Set(graph.MetaExpiresAt, now.Add(r.cacheTTL).Format(time.RFC3339Nano))
	}

	return graph.Node{
		ID:          id,
		TypeID:      src.TypeID,
		Tier:        tier,
		Locale:      src.Locale,
		Title:       src.Title,
		Description: src.Description,
		Content:     transform(src, tier, stamp),
		Meta:        meta,
	}
}

// transform produces derived content. A structured payload is parsed and
// wrapped in a processed envelope; anything else is wrapped as text.
func transform(src graph.Node, tier graph.Tier, stamp string) *graph.ContentRef {
	out := src.Content.Clone()
	if out == nil {
		out = &graph.ContentRef{}
	}

	var raw []byte
	var text string
	if src.Content != nil {
		switch {
		case len(src.Content.InlineJSON) > 0:
			raw = src.Content.InlineJSON
		case len(src.Content.InlineBytes) > 0:
			raw = src.Content.InlineBytes
		}
	}
	if raw != nil {
		var original any
		if err := json.Unmarshal(raw, &original); err == nil {
			wrapped, err := json.Marshal(processed{
				Original:    original,
				Processed:   true,
				Tier:        tier,
				ProcessedAt: stamp,
				Source:      src.ID,
			})
			if err == nil {
				out.MediaType = "application/json"
				out.InlineJSON = wrapped
				out.InlineBytes = nil
				return out
			}
		}
		text = string(raw)
	} else {
		text = src.Description
	}

	out.MediaType = "text/plain"
	out.InlineJSON = nil
	out.InlineBytes = []byte(fmt.Sprintf("[%s from %s at %s]\n%s", tier, src.ID, stamp, text))
	return out
}
