package registry

import (
	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/graph"
)

// structuralEdges lists the edges that make a new node self-describing:
// instance-of its type, has-content from its declared parent, and
// has-content-type to its media type.
func structuralEdges(n graph.Node) []graph.Edge {
	var out []graph.Edge
	if n.TypeID != "" {
		out = append(out, graph.Edge{FromID: n.ID, ToID: n.TypeID, Role: graph.RoleInstanceOf})
	}
	if parent := n.Meta.String(graph.MetaParentID); parent != "" {
		out = append(out, graph.Edge{FromID: parent, ToID: n.ID, Role: graph.RoleHasContent})
	}
	if n.Content != nil && n.Content.MediaType != "" {
		out = append(out, graph.Edge{FromID: n.ID, ToID: graph.ContentTypeID(n.Content.MediaType), Role: graph.RoleHasContentType})
	}
	return out
}

func (r *Registry) createStructuralEdges(n graph.Node) {
	for _, e := range structuralEdges(n) {
		if err := r.UpsertEdge(e); err != nil {
			// Endpoints that cannot form a valid key are skipped, not fatal.
			r.log.Warn("skipping structural edge",
				zap.String("id", n.ID), zap.String("role", e.Role), zap.Error(err))
		}
	}
}
