package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/registry"
)

// fakePeer is an in-memory peer speaking the storage and cluster protocol.
type fakePeer struct {
	id  string
	srv *httptest.Server

	down atomic.Bool

	mu      sync.Mutex
	nodes   map[string]graph.Node
	edges   map[graph.EdgeKey]graph.Edge
	members []Member
	pushes  int
}

func newFakePeer(t *testing.T, id string) *fakePeer {
	t.Helper()
	p := &fakePeer{id: id, nodes: map[string]graph.Node{}, edges: map[graph.EdgeKey]graph.Edge{}}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if p.down.Load() {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Post("/storage/nodes", func(w http.ResponseWriter, req *http.Request) {
		var n graph.Node
		if err := json.NewDecoder(req.Body).Decode(&n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.nodes[n.Key()] = n
		p.pushes++
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/storage/edges", func(w http.ResponseWriter, req *http.Request) {
		var e graph.Edge
		if err := json.NewDecoder(req.Body).Decode(&e); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.edges[e.Key()] = e
		p.pushes++
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/storage/nodes/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, _ := url.PathUnescape(chi.URLParam(req, "id"))
		n, ok := p.node(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(n)
	})
	r.Delete("/storage/nodes/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, _ := url.PathUnescape(chi.URLParam(req, "id"))
		p.mu.Lock()
		delete(p.nodes, graph.Key(id))
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Delete("/storage/edges/{key}", func(w http.ResponseWriter, req *http.Request) {
		raw, _ := url.PathUnescape(chi.URLParam(req, "key"))
		k, err := graph.ParseEdgeKey(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		delete(p.edges, k)
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/storage/nodes", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		out := NodesResponse{Nodes: []graph.Node{}}
		for _, n := range p.nodes {
			out.Nodes = append(out.Nodes, n)
		}
		p.mu.Unlock()
		json.NewEncoder(w).Encode(out)
	})
	r.Get("/storage/edges", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		out := EdgesResponse{Edges: []graph.EdgeRecord{}}
		for _, e := range p.edges {
			out.Edges = append(out.Edges, graph.EdgeRecord{Edge: e, Tier: graph.Durable})
		}
		p.mu.Unlock()
		json.NewEncoder(w).Encode(out)
	})
	r.Get("/cluster/nodes", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		json.NewEncoder(w).Encode(MembersResponse{Members: append([]Member{p.member()}, p.members...)})
	})
	r.Post("/cluster/join", func(w http.ResponseWriter, req *http.Request) {
		var jr JoinRequest
		json.NewDecoder(req.Body).Decode(&jr)
		p.mu.Lock()
		defer p.mu.Unlock()
		out := append([]Member{p.member()}, p.members...)
		p.members = append(p.members, jr.Member)
		json.NewEncoder(w).Encode(JoinResponse{Members: out})
	})
	r.Post("/cluster/leave", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	p.srv = httptest.NewServer(r)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) member() Member {
	return Member{NodeID: p.id, Endpoint: p.srv.URL, Healthy: true}
}

func (p *fakePeer) node(id string) (graph.Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[graph.Key(id)]
	return n, ok
}

func (p *fakePeer) put(n graph.Node) {
	p.mu.Lock()
	p.nodes[n.Key()] = n
	p.mu.Unlock()
}

func (p *fakePeer) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes
}

// newLocal returns an initialized registry without backends.
func newLocal(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil, nil, registry.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, reg.Initialize(context.Background()))
	t.Cleanup(reg.Close)
	return reg
}

// newCoordinator wires a coordinator to the given peers, all healthy.
func newCoordinator(t *testing.T, local Local, opts Options, peers ...*fakePeer) *Coordinator {
	t.Helper()
	if opts.Self.NodeID == "" {
		opts.Self = Member{NodeID: "self", Endpoint: "http://self.invalid"}
	}
	opts.Logger = zaptest.NewLogger(t)
	c := NewCoordinator(local, NewClient(0), opts)
	for _, p := range peers {
		c.Membership().Upsert(p.member())
	}
	t.Cleanup(c.Close)
	return c
}
