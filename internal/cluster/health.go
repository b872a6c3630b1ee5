package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/strata/internal/graph"
)

// Health summarises the cluster as seen from this node.
type Health struct {
	NodeID    string   `json:"nodeId"`
	Healthy   int      `json:"healthy"`
	Unhealthy int      `json:"unhealthy"`
	Members   []Member `json:"members"`
	// Consistency is the share of objects held by both this node and a
	// sampled peer whose checksums match. 1 when nothing was comparable.
	Consistency float64   `json:"consistency"`
	Sampled     int       `json:"sampled"`
	Compared    int       `json:"compared"`
	Mismatched  int       `json:"mismatched"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// ClusterHealth probes every known peer, updates their health, and compares
// local objects against a bounded sample of healthy peers.
func (c *Coordinator) ClusterHealth(ctx context.Context) Health {
	c.probe(ctx)

	h := Health{NodeID: c.members.Self().NodeID, Members: c.members.Peers(), CheckedAt: c.now()}
	for _, m := range h.Members {
		if m.Healthy {
			h.Healthy++
		} else {
			h.Unhealthy++
		}
	}

	for _, p := range c.sample() {
		diff, err := c.compare(ctx, p)
		if err != nil {
			c.log.Warn("consistency sample failed", zap.String("peer", p.NodeID), zap.Error(err))
			continue
		}
		h.Sampled++
		h.Compared += diff.compared
		h.Mismatched += len(diff.stale)
	}
	h.Consistency = 1
	if h.Compared > 0 {
		h.Consistency = float64(h.Compared-h.Mismatched) / float64(h.Compared)
	}
	return h
}

// probe pings every peer concurrently and records the outcome.
func (c *Coordinator) probe(ctx context.Context) {
	var g errgroup.Group
	for _, p := range c.members.Peers() {
		p := p
		g.Go(func() error {
			if err := c.peers.Ping(ctx, p.Endpoint); err != nil {
				if c.members.MarkUnhealthy(p.NodeID) {
					c.log.Warn("peer marked unhealthy", zap.String("peer", p.NodeID), zap.Error(err))
				}
				return nil
			}
			if !p.Healthy {
				c.log.Info("peer recovered", zap.String("peer", p.NodeID))
			}
			c.members.MarkHealthy(p.NodeID)
			return nil
		})
	}
	g.Wait()
}

// sample returns up to sampleSize healthy peers.
func (c *Coordinator) sample() []Member {
	peers := c.members.HealthyPeers()
	if len(peers) > c.sampleSize {
		peers = peers[:c.sampleSize]
	}
	return peers
}

// peerDiff lists local objects whose copy on a peer differs.
type peerDiff struct {
	compared int
	stale    []Object
}

// compare fetches a peer's nodes and edges and checks every object both
// sides hold. Objects only one side holds are not counted, and neither are
// objects that are ephemeral locally: derived copies differ between nodes.
func (c *Coordinator) compare(ctx context.Context, p Member) (peerDiff, error) {
	var d peerDiff
	remoteNodes, err := c.peers.FetchNodes(ctx, p.Endpoint)
	if err != nil {
		return d, err
	}
	remoteEdges, err := c.peers.FetchEdges(ctx, p.Endpoint)
	if err != nil {
		return d, err
	}

	for _, rn := range remoteNodes {
		ln, ok := c.local.Get(rn.ID)
		if !ok || !persistent(ln.Tier) {
			continue
		}
		d.compared++
		if NodeChecksum(ln) != NodeChecksum(rn) {
			d.stale = append(d.stale, NodeObject(ln))
		}
	}
	for _, re := range remoteEdges {
		le, ok := c.local.Edge(re.Edge.Key())
		if !ok || !persistent(le.Tier) {
			continue
		}
		d.compared++
		if EdgeChecksum(le.Edge) != EdgeChecksum(re.Edge) {
			d.stale = append(d.stale, EdgeObject(le.Edge))
		}
	}
	return d, nil
}

// StartHeartbeat probes peers every interval and merges the membership they
// report, so members that joined through another seed become known. It
// stops on Close.
func (c *Coordinator) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				c.heartbeat(ctx)
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	c.probe(ctx)
	for _, p := range c.members.HealthyPeers() {
		members, err := c.peers.FetchMembers(ctx, p.Endpoint)
		if err != nil {
			c.log.Debug("membership fetch failed", zap.String("peer", p.NodeID), zap.Error(err))
			continue
		}
		if added := c.members.Merge(members); added > 0 {
			c.log.Info("discovered members", zap.String("via", p.NodeID), zap.Int("added", added))
		}
	}
}

// persistent reports whether a local object is worth re-replicating;
// ephemeral objects never leave the node that holds them in memory.
func persistent(t graph.Tier) bool {
	return t == graph.Durable || t == graph.Cached
}
