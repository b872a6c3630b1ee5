// Package cluster replicates registry objects across peer nodes: membership,
// placement, the HTTP peer client, and the replication coordinator that
// drives fan-out, health probing and repair.
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/lazypower/strata/internal/graph"
)

var (
	// ErrReplicationIncomplete is returned when fewer peers acknowledged a
	// write than the quorum policy requires. The local write stands.
	ErrReplicationIncomplete = errors.New("replication incomplete")
	// ErrNoPeers is returned by operations that need at least one healthy peer.
	ErrNoPeers = errors.New("no healthy peers")
)

// Member is one node in the local view of the cluster.
type Member struct {
	NodeID        string    `json:"nodeId"`
	Endpoint      string    `json:"endpoint"`
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// JoinRequest is the body of POST /cluster/join.
type JoinRequest struct {
	Member Member `json:"member"`
}

// JoinResponse carries the seed's membership, seed included.
type JoinResponse struct {
	Members []Member `json:"members"`
}

// LeaveRequest is the body of POST /cluster/leave.
type LeaveRequest struct {
	NodeID string `json:"nodeId"`
}

// Object is a replicable registry object: exactly one of Node or Edge is set.
type Object struct {
	Node *graph.Node
	Edge *graph.Edge
}

func NodeObject(n graph.Node) Object { return Object{Node: &n} }
func EdgeObject(e graph.Edge) Object { return Object{Edge: &e} }

// Key is the placement key: "node:<id>" or "edge:<from|role|to>", normalised.
func (o Object) Key() string {
	if o.Node != nil {
		return "node:" + o.Node.Key()
	}
	if o.Edge != nil {
		return "edge:" + o.Edge.Key().String()
	}
	return ""
}

func (o Object) validate() error {
	switch {
	case o.Node != nil && o.Edge == nil:
		return o.Node.Validate()
	case o.Edge != nil && o.Node == nil:
		return o.Edge.Validate()
	}
	return errors.New("object must carry exactly one of node or edge")
}

// NodeChecksum hashes the JSON encoding of n. Two peers holding the same
// node produce the same checksum; meta order is part of the encoding.
func NodeChecksum(n graph.Node) string {
	return checksum(n)
}

// EdgeChecksum hashes an edge without its tier, which each peer derives locally.
func EdgeChecksum(e graph.Edge) string {
	return checksum(e)
}

func checksum(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
