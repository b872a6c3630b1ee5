package cluster

import (
	"sort"
	"sync"
	"time"
)

// Membership is this node's best-effort view of the cluster. The local node
// is tracked separately and never appears among the peers.
type Membership struct {
	mu      sync.RWMutex
	self    Member
	members map[string]Member
	now     func() time.Time
}

func NewMembership(self Member, now func() time.Time) *Membership {
	if now == nil {
		now = time.Now
	}
	self.Healthy = true
	return &Membership{self: self, members: make(map[string]Member), now: now}
}

func (m *Membership) Self() Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.self
	s.LastHeartbeat = m.now()
	return s
}

// Upsert adds or replaces a peer. Entries for the local node are ignored.
func (m *Membership) Upsert(in Member) {
	if in.NodeID == "" || in.NodeID == m.self.NodeID {
		return
	}
	m.mu.Lock()
	m.members[in.NodeID] = in
	m.mu.Unlock()
}

// Merge folds a remote membership list into the local view. Unknown peers
// are added as reported; for known peers only the endpoint is refreshed,
// since health is judged locally.
func (m *Membership) Merge(in []Member) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, mem := range in {
		if mem.NodeID == "" || mem.NodeID == m.self.NodeID {
			continue
		}
		cur, ok := m.members[mem.NodeID]
		if !ok {
			m.members[mem.NodeID] = mem
			added++
			continue
		}
		if mem.Endpoint != "" {
			cur.Endpoint = mem.Endpoint
			m.members[mem.NodeID] = cur
		}
	}
	return added
}

func (m *Membership) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[id]
	delete(m.members, id)
	return ok
}

// MarkHealthy records a successful contact with id.
func (m *Membership) MarkHealthy(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.members[id]; ok {
		mem.Healthy = true
		mem.LastHeartbeat = m.now()
		m.members[id] = mem
	}
}

// MarkUnhealthy flags id and reports whether it was healthy before.
func (m *Membership) MarkUnhealthy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return false
	}
	was := mem.Healthy
	mem.Healthy = false
	m.members[id] = mem
	return was
}

func (m *Membership) Get(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	return mem, ok
}

// Peers returns every known peer sorted by NodeID.
func (m *Membership) Peers() []Member {
	m.mu.RLock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// HealthyPeers returns the healthy peers sorted by NodeID.
func (m *Membership) HealthyPeers() []Member {
	all := m.Peers()
	out := all[:0]
	for _, mem := range all {
		if mem.Healthy {
			out = append(out, mem)
		}
	}
	return out
}

// Snapshot returns the local node plus every peer, sorted by NodeID. It is
// what a seed reports to a joining node.
func (m *Membership) Snapshot() []Member {
	out := append(m.Peers(), m.Self())
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
