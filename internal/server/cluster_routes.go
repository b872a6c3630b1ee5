package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/cluster"
)

func (s *Server) requireCluster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.coord == nil {
			writeError(w, http.StatusServiceUnavailable, "clustering disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cluster.MembersResponse{Members: s.coord.Membership().Snapshot()})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Member.NodeID == "" || req.Member.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "member nodeId and endpoint required")
		return
	}
	writeJSON(w, http.StatusOK, cluster.JoinResponse{Members: s.coord.HandleJoin(req.Member)})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.coord.HandleLeave(req.NodeID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.ClusterHealth(r.Context()))
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	rep, err := s.coord.RepairCluster(r.Context())
	if errors.Is(err, cluster.ErrNoPeers) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.log.Error("repair failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
