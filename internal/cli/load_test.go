package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/lazypower/strata/internal/graph"
)

const sampleDoc = `
nodes:
  - id: Article-1
    type: article
    title: Release notes
    meta:
      zeta: 1
      alpha: two
      nested: {k: v}
    content:
      mediaType: application/json
      inline: {version: 3}
  - id: summary-template
    type: template
    tier: cached
    generates: article-1-summary
    content:
      mediaType: text/plain
      text: hello
edges:
  - from: article-1
    to: summary-template
    role: summarised-by
    weight: 0.5
`

func TestParseDocument(t *testing.T) {
	nodes, edges, err := parseDocument([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parseDocument: %v", err)
	}
	if len(nodes) != 2 || len(edges) != 1 {
		t.Fatalf("got %d nodes, %d edges, want 2, 1", len(nodes), len(edges))
	}

	a := nodes[0]
	if a.Tier != graph.Durable {
		t.Errorf("default tier = %q, want durable", a.Tier)
	}
	if got := strings.Join(a.Meta.Keys(), ","); got != "zeta,alpha,nested" {
		t.Errorf("meta order = %s, want zeta,alpha,nested", got)
	}
	if got := string(a.Content.InlineJSON); got != `{"version":3}` {
		t.Errorf("inline json = %s", got)
	}

	tmpl := nodes[1]
	if tmpl.Tier != graph.Cached {
		t.Errorf("tier = %q, want cached", tmpl.Tier)
	}
	if got := tmpl.Meta.String(graph.MetaGenerates); got != "article-1-summary" {
		t.Errorf("generates = %q", got)
	}
	if string(tmpl.Content.InlineBytes) != "hello" {
		t.Errorf("text content = %q, want hello", tmpl.Content.InlineBytes)
	}

	e := edges[0]
	if e.Key().String() != "article-1|summarised-by|summary-template" {
		t.Errorf("edge key = %s", e.Key())
	}
	if e.Weight == nil || *e.Weight != 0.5 {
		t.Errorf("weight = %v, want 0.5", e.Weight)
	}
}

func TestParseDocumentJSON(t *testing.T) {
	nodes, _, err := parseDocument([]byte(`{"nodes": [{"id": "a", "type": "t", "meta": {"b": 1, "a": 2}}]}`))
	if err != nil {
		t.Fatalf("parseDocument: %v", err)
	}
	if got := strings.Join(nodes[0].Meta.Keys(), ","); got != "b,a" {
		t.Errorf("meta order = %s, want b,a", got)
	}
}

func TestParseDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"missing id", "nodes: [{type: t}]", graph.ErrInvalid},
		{"bad tier", "nodes: [{id: a, tier: frozen}]", graph.ErrUnknownTier},
		{"edge without role", "edges: [{from: a, to: b}]", graph.ErrInvalid},
		{"separator in id", "nodes: [{id: 'a|b'}]", graph.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseDocument([]byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, _, err := parseDocument([]byte("nodes: [{id: a, meta: [1, 2]}]")); err == nil {
		t.Error("sequence meta accepted, want error")
	}
}
