package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid marks structurally unusable objects (missing id, bad role, ...).
var ErrInvalid = errors.New("invalid object")

// Well-known meta keys.
const (
	MetaParentID      = "parentId"
	MetaGenerates     = "generates"
	MetaGeneratedFrom = "generatedFrom"
	MetaGeneratedAt   = "generatedAt"
	MetaTier          = "tier"
	MetaExpiresAt     = "expiresAt"
)

// Node is a typed, attributed vertex. IDs are unique across all tiers and
// compared case-insensitively.
type Node struct {
	ID          string      `json:"id"`
	TypeID      string      `json:"typeId"`
	Tier        Tier        `json:"tier"`
	Locale      string      `json:"locale,omitempty"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Content     *ContentRef `json:"content,omitempty"`
	Meta        *Meta       `json:"meta,omitempty"`
}

// ContentRef describes a payload without interpreting it.
type ContentRef struct {
	MediaType   string            `json:"mediaType,omitempty"`
	InlineJSON  json.RawMessage   `json:"inlineJson,omitempty"`
	InlineBytes []byte            `json:"inlineBytes,omitempty"`
	ExternalURI string            `json:"externalUri,omitempty"`
	Selector    string            `json:"selector,omitempty"`
	Query       string            `json:"query,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	AuthRef     string            `json:"authRef,omitempty"`
	CacheKey    string            `json:"cacheKey,omitempty"`
}

// Key normalises an id for index lookups.
func Key(id string) string {
	return strings.ToLower(id)
}

// Key returns the node's normalised id.
func (n Node) Key() string { return Key(n.ID) }

// Validate checks the structural requirements every stored node must meet.
func (n Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: node id is empty", ErrInvalid)
	}
	if strings.Contains(n.ID, keySep) {
		return fmt.Errorf("%w: node id %q contains %q", ErrInvalid, n.ID, keySep)
	}
	if !n.Tier.Valid() {
		return fmt.Errorf("node %s: %w: %q", n.ID, ErrUnknownTier, n.Tier)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with n.
func (n Node) Clone() Node {
	c := n
	c.Meta = n.Meta.Clone()
	c.Content = n.Content.Clone()
	return c
}

func (c *ContentRef) Clone() *ContentRef {
	if c == nil {
		return nil
	}
	out := *c
	if c.InlineJSON != nil {
		out.InlineJSON = append(json.RawMessage(nil), c.InlineJSON...)
	}
	if c.InlineBytes != nil {
		out.InlineBytes = append([]byte(nil), c.InlineBytes...)
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// NodeSpec is the plain configuration NewNode builds a node from.
type NodeSpec struct {
	ID          string
	Type        string
	Tier        Tier
	Locale      string
	Title       string
	Description string
	Content     *ContentRef
	// Parent, when set, is recorded as meta.parentId and produces a
	// has-content edge from the parent on first upsert.
	Parent string
	// Generates names the id this node is a derivation template for.
	Generates string
	Attrs     []Attr
}

// Attr is one ordered metadata entry.
type Attr struct {
	Key   string
	Value any
}

// NewNode builds and validates a node. An empty tier defaults to Durable.
func NewNode(spec NodeSpec) (Node, error) {
	tier := spec.Tier
	if tier == "" {
		tier = Durable
	}
	n := Node{
		ID:          spec.ID,
		TypeID:      spec.Type,
		Tier:        tier,
		Locale:      spec.Locale,
		Title:       spec.Title,
		Description: spec.Description,
		Content:     spec.Content.Clone(),
	}
	if spec.Parent != "" || spec.Generates != "" || len(spec.Attrs) > 0 {
		n.Meta = NewMeta()
		for _, a := range spec.Attrs {
			n.Meta.Set(a.Key, a.Value)
		}
		if spec.Parent != "" {
			n.Meta.Set(MetaParentID, spec.Parent)
		}
		if spec.Generates != "" {
			n.Meta.Set(MetaGenerates, spec.Generates)
		}
	}
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	return n, nil
}
