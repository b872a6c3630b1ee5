package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/logging"
	"github.com/lazypower/strata/internal/registry"
	"github.com/lazypower/strata/internal/store"
)

var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load nodes and edges from a YAML or JSON document into the local stores",
	Long: "Load reads a document of nodes and edges and upserts them through the registry, " +
		"so structural edges and edge tiers are derived exactly as on a running node. " +
		"Run it while no node is serving from the same database files.",
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

// document is the on-disk form accepted by load. JSON documents parse too.
type document struct {
	Nodes []nodeDoc `yaml:"nodes"`
	Edges []edgeDoc `yaml:"edges"`
}

type nodeDoc struct {
	ID          string      `yaml:"id"`
	Type        string      `yaml:"type"`
	Tier        string      `yaml:"tier"`
	Locale      string      `yaml:"locale"`
	Title       string      `yaml:"title"`
	Description string      `yaml:"description"`
	Parent      string      `yaml:"parent"`
	Generates   string      `yaml:"generates"`
	Content     *contentDoc `yaml:"content"`
	Meta        yaml.Node   `yaml:"meta"`
}

type contentDoc struct {
	MediaType   string            `yaml:"mediaType"`
	Inline      yaml.Node         `yaml:"inline"` // stored as inline JSON
	Text        string            `yaml:"text"`   // stored as inline bytes
	ExternalURI string            `yaml:"externalUri"`
	Selector    string            `yaml:"selector"`
	Query       string            `yaml:"query"`
	Headers     map[string]string `yaml:"headers"`
	AuthRef     string            `yaml:"authRef"`
	CacheKey    string            `yaml:"cacheKey"`
}

func (c *contentDoc) ref() (*graph.ContentRef, error) {
	if c == nil {
		return nil, nil
	}
	out := &graph.ContentRef{
		MediaType:   c.MediaType,
		ExternalURI: c.ExternalURI,
		Selector:    c.Selector,
		Query:       c.Query,
		Headers:     c.Headers,
		AuthRef:     c.AuthRef,
		CacheKey:    c.CacheKey,
	}
	if c.Text != "" {
		out.InlineBytes = []byte(c.Text)
	}
	if c.Inline.Kind != 0 {
		var v any
		if err := c.Inline.Decode(&v); err != nil {
			return nil, fmt.Errorf("inline: %w", err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("inline: %w", err)
		}
		out.InlineJSON = raw
	}
	return out, nil
}

type edgeDoc struct {
	From   string    `yaml:"from"`
	To     string    `yaml:"to"`
	Role   string    `yaml:"role"`
	Weight *float64  `yaml:"weight"`
	Meta   yaml.Node `yaml:"meta"`
}

// parseDocument decodes data into validated nodes and edges. Meta keys keep
// the order they appear in the document.
func parseDocument(data []byte) ([]graph.Node, []graph.Edge, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}

	nodes := make([]graph.Node, 0, len(doc.Nodes))
	for i, d := range doc.Nodes {
		var tier graph.Tier
		if d.Tier != "" {
			t, err := graph.ParseTier(d.Tier)
			if err != nil {
				return nil, nil, fmt.Errorf("nodes[%d]: %w", i, err)
			}
			tier = t
		}
		attrs, err := metaAttrs(&d.Meta)
		if err != nil {
			return nil, nil, fmt.Errorf("nodes[%d] meta: %w", i, err)
		}
		content, err := d.Content.ref()
		if err != nil {
			return nil, nil, fmt.Errorf("nodes[%d] content: %w", i, err)
		}
		n, err := graph.NewNode(graph.NodeSpec{
			ID:          d.ID,
			Type:        d.Type,
			Tier:        tier,
			Locale:      d.Locale,
			Title:       d.Title,
			Description: d.Description,
			Content:     content,
			Parent:      d.Parent,
			Generates:   d.Generates,
			Attrs:       attrs,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		nodes = append(nodes, n)
	}

	edges := make([]graph.Edge, 0, len(doc.Edges))
	for i, d := range doc.Edges {
		attrs, err := metaAttrs(&d.Meta)
		if err != nil {
			return nil, nil, fmt.Errorf("edges[%d] meta: %w", i, err)
		}
		e, err := graph.NewEdge(graph.EdgeSpec{From: d.From, To: d.To, Role: d.Role, Weight: d.Weight, Attrs: attrs})
		if err != nil {
			return nil, nil, fmt.Errorf("edges[%d]: %w", i, err)
		}
		edges = append(edges, e)
	}
	return nodes, edges, nil
}

// metaAttrs walks a YAML mapping in document order. An absent meta yields nil.
func metaAttrs(n *yaml.Node) ([]graph.Attr, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping, got %s", n.ShortTag())
	}
	attrs := make([]graph.Attr, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		var v any
		if err := n.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", n.Content[i].Value, err)
		}
		attrs = append(attrs, graph.Attr{Key: n.Content[i].Value, Value: v})
	}
	return attrs, nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	nodes, edges, err := parseDocument(data)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return err
	}
	defer log.Sync()

	durablePath, cachePath, err := dbPaths(cfg)
	if err != nil {
		return err
	}
	durableDB, err := store.Open(durablePath)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer durableDB.Close()
	cacheDB, err := store.Open(cachePath)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer cacheDB.Close()

	ttl := config.Duration(cfg.Cache.TTL, store.DefaultCacheTTL)
	reg := registry.New(store.NewDurable(durableDB), store.NewCache(cacheDB, ttl), registry.Options{
		Logger:    log.Named("registry"),
		Workers:   cfg.Registry.Workers,
		QueueSize: cfg.Registry.QueueSize,
		CacheTTL:  ttl,
	})
	// Close drains the write-behind queue before the databases close.
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := reg.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	skipped := 0
	for _, n := range nodes {
		if n.Tier == graph.Ephemeral {
			log.Warn("skipping ephemeral node", zap.String("id", n.ID))
			skipped++
			continue
		}
		if err := reg.Upsert(n); err != nil {
			return fmt.Errorf("upsert %s: %w", n.ID, err)
		}
	}
	for _, e := range edges {
		if err := reg.UpsertEdge(e); err != nil {
			return fmt.Errorf("upsert edge %s: %w", e.Key(), err)
		}
	}
	reg.Flush()

	st := reg.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d nodes and %d edges from %s (%d ephemeral skipped, %d writes failed)\n",
		len(nodes)-skipped, len(edges), args[0], skipped, st.FailedWrites)
	if st.FailedWrites > 0 {
		return fmt.Errorf("%d writes failed", st.FailedWrites)
	}
	return nil
}
