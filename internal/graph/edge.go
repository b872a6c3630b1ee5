package graph

import (
	"fmt"
	"strings"
)

const keySep = "|"

// Structural edge roles created automatically for new nodes.
const (
	RoleInstanceOf     = "instance-of"
	RoleHasContent     = "has-content"
	RoleHasContentType = "has-content-type"
)

// ContentTypeID is the node id a media type is linked to by has-content-type edges.
func ContentTypeID(mediaType string) string {
	return "content-type:" + strings.ToLower(mediaType)
}

// Edge connects two nodes under a role. It carries no tier of its own.
type Edge struct {
	FromID string   `json:"fromId"`
	ToID   string   `json:"toId"`
	Role   string   `json:"role"`
	Weight *float64 `json:"weight,omitempty"`
	Meta   *Meta    `json:"meta,omitempty"`
}

// EdgeKey identifies an edge by (from, role, to), case-insensitively.
type EdgeKey struct {
	From string
	Role string
	To   string
}

// EdgeRecord is an edge with the tier it was derived into.
type EdgeRecord struct {
	Edge Edge `json:"edge"`
	Tier Tier `json:"tier"`
}

func (e Edge) Key() EdgeKey {
	return EdgeKey{From: Key(e.FromID), Role: Key(e.Role), To: Key(e.ToID)}
}

func (e Edge) Validate() error {
	for name, v := range map[string]string{"fromId": e.FromID, "toId": e.ToID, "role": e.Role} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: edge %s is empty", ErrInvalid, name)
		}
		if strings.Contains(v, keySep) {
			return fmt.Errorf("%w: edge %s %q contains %q", ErrInvalid, name, v, keySep)
		}
	}
	return nil
}

func (e Edge) Clone() Edge {
	c := e
	if e.Weight != nil {
		w := *e.Weight
		c.Weight = &w
	}
	c.Meta = e.Meta.Clone()
	return c
}

// String renders the key as from|role|to, the form used on the wire.
func (k EdgeKey) String() string {
	return k.From + keySep + k.Role + keySep + k.To
}

// Touches reports whether the edge has id (already normalised) as an endpoint.
func (k EdgeKey) Touches(id string) bool {
	return k.From == id || k.To == id
}

// ParseEdgeKey parses the from|role|to form.
func ParseEdgeKey(s string) (EdgeKey, error) {
	parts := strings.Split(s, keySep)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return EdgeKey{}, fmt.Errorf("%w: edge key %q", ErrInvalid, s)
	}
	return EdgeKey{From: Key(parts[0]), Role: Key(parts[1]), To: Key(parts[2])}, nil
}

// EdgeSpec is the plain configuration NewEdge builds an edge from.
type EdgeSpec struct {
	From   string
	To     string
	Role   string
	Weight *float64
	Attrs  []Attr
}

func NewEdge(spec EdgeSpec) (Edge, error) {
	e := Edge{FromID: spec.From, ToID: spec.To, Role: spec.Role}
	if spec.Weight != nil {
		w := *spec.Weight
		e.Weight = &w
	}
	if len(spec.Attrs) > 0 {
		e.Meta = NewMeta()
		for _, a := range spec.Attrs {
			e.Meta.Set(a.Key, a.Value)
		}
	}
	if err := e.Validate(); err != nil {
		return Edge{}, err
	}
	return e, nil
}
