// Package server exposes the registry and the replication coordinator over
// HTTP: the peer storage protocol, the cluster membership protocol, and a
// small client-facing write API that replicates through the coordinator.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/cluster"
	"github.com/lazypower/strata/internal/logging"
	"github.com/lazypower/strata/internal/registry"
	"github.com/lazypower/strata/internal/store"
)

// Options wires a Server. Coordinator may be nil when clustering is off;
// DB is only used by the health check.
type Options struct {
	Registry    *registry.Registry
	Coordinator *cluster.Coordinator
	DB          *store.DB
	Version     string
	Logger      *zap.Logger
}

// Server is the strata HTTP API server.
type Server struct {
	reg     *registry.Registry
	coord   *cluster.Coordinator
	db      *store.DB
	log     *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

func New(opts Options) *Server {
	s := &Server{
		reg:     opts.Registry,
		coord:   opts.Coordinator,
		db:      opts.DB,
		log:     logging.OrNop(opts.Logger),
		version: opts.Version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Client writes: applied locally and replicated when clustered.
		r.Post("/nodes", s.handleWriteNode)
		r.Post("/edges", s.handleWriteEdge)
		r.Delete("/nodes/{id}", s.handleRemoveNode)
	})

	// Peer storage protocol. Pushes apply locally and are never re-fanned.
	r.Route("/storage", func(r chi.Router) {
		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Post("/nodes", s.handlePushNode)
		r.Delete("/nodes/{id}", s.handleDeleteNode)
		r.Get("/edges", s.handleListEdges)
		r.Post("/edges", s.handlePushEdge)
		r.Delete("/edges/{key}", s.handleDeleteEdge)
		r.Get("/stats", s.handleStats)
	})

	r.Route("/cluster", func(r chi.Router) {
		r.Use(s.requireCluster)
		r.Get("/nodes", s.handleMembers)
		r.Post("/join", s.handleJoin)
		r.Post("/leave", s.handleLeave)
		r.Get("/health", s.handleClusterHealth)
		r.Post("/repair", s.handleRepair)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime":      time.Since(s.started).Seconds(),
		"initialized": s.reg.Initialized(),
	}
	if s.db != nil {
		body["db"] = s.db.Ping() == nil
		body["db_path"] = s.db.Path
	}
	if s.coord != nil {
		body["node_id"] = s.coord.Membership().Self().NodeID
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
