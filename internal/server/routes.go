package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/cluster"
	"github.com/lazypower/strata/internal/graph"
)

// pathParam returns an unescaped chi URL parameter.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var nodes []graph.Node
	switch {
	case q.Get("tier") != "":
		t, err := graph.ParseTier(q.Get("tier"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		nodes = s.reg.NodesByTier(t)
	case q.Get("type") != "":
		nodes = s.reg.NodesByType(q.Get("type"))
	case q.Get("prefix") != "":
		nodes = s.reg.NodesByTypePrefix(q.Get("prefix"))
	default:
		nodes = s.reg.AllNodes()
	}
	if nodes == nil {
		nodes = []graph.Node{}
	}
	writeJSON(w, http.StatusOK, cluster.NodesResponse{Nodes: nodes})
}

// handleGetNode resolves through memory, the backends, then derivation.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	n, ok, err := s.reg.Lookup(r.Context(), id)
	if err != nil {
		s.log.Error("lookup failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "node "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handlePushNode(w http.ResponseWriter, r *http.Request) {
	var n graph.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.reg.Upsert(n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	s.reg.Delete(pathParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var edges []graph.EdgeRecord
	switch {
	case q.Get("from") != "":
		edges = s.reg.EdgesFrom(q.Get("from"))
	case q.Get("to") != "":
		edges = s.reg.EdgesTo(q.Get("to"))
	default:
		edges = s.reg.AllEdges()
	}
	if edges == nil {
		edges = []graph.EdgeRecord{}
	}
	writeJSON(w, http.StatusOK, cluster.EdgesResponse{Edges: edges})
}

func (s *Server) handlePushEdge(w http.ResponseWriter, r *http.Request) {
	var e graph.Edge
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.reg.UpsertEdge(e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	k, err := graph.ParseEdgeKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reg.DeleteEdge(k)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Stats())
}

// writeResponse is returned by the client write API.
type writeResponse struct {
	Key         string          `json:"key"`
	Replication *cluster.Result `json:"replication,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (s *Server) handleWriteNode(w http.ResponseWriter, r *http.Request) {
	var n graph.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if n.Tier == "" {
		n.Tier = graph.Durable
	}
	s.write(w, r, cluster.NodeObject(n), false)
}

func (s *Server) handleWriteEdge(w http.ResponseWriter, r *http.Request) {
	var e graph.Edge
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.write(w, r, cluster.EdgeObject(e), false)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, cluster.NodeObject(graph.Node{ID: pathParam(r, "id"), Tier: graph.Durable}), true)
}

// write applies obj locally and, when clustered, replicates it. A short
// replication is reported with 202: the local write stands.
func (s *Server) write(w http.ResponseWriter, r *http.Request, obj cluster.Object, remove bool) {
	resp := writeResponse{Key: obj.Key()}

	if s.coord == nil {
		var err error
		switch {
		case remove:
			s.reg.Delete(obj.Node.ID)
		case obj.Node != nil:
			err = s.reg.Upsert(*obj.Node)
		default:
			err = s.reg.UpsertEdge(*obj.Edge)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var res cluster.Result
	var err error
	r2 := s.coord.ReplicationFactor()
	if remove {
		res, err = s.coord.ReplicateDelete(r.Context(), obj, r2)
	} else {
		res, err = s.coord.Replicate(r.Context(), obj, r2)
	}
	resp.Replication = &res
	switch {
	case errors.Is(err, cluster.ErrReplicationIncomplete):
		resp.Error = err.Error()
		writeJSON(w, http.StatusAccepted, resp)
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}
