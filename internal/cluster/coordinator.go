package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/logging"
)

// Local is the registry surface the coordinator replicates from and applies
// incoming pushes to. *registry.Registry implements it.
type Local interface {
	Upsert(n graph.Node) error
	UpsertEdge(e graph.Edge) error
	Get(id string) (graph.Node, bool)
	Edge(k graph.EdgeKey) (graph.EdgeRecord, bool)
	Delete(id string) bool
	DeleteEdge(k graph.EdgeKey) bool
	AllNodes() []graph.Node
	AllEdges() []graph.EdgeRecord
}

// Policy decides how many target acks a replicated write needs.
type Policy string

const (
	// PolicyAll requires every reachable target to ack.
	PolicyAll Policy = "all"
	// PolicyMajority requires acks from more than half of the targets.
	PolicyMajority Policy = "majority"
)

// required returns the ack count a write to n targets needs.
func (p Policy) required(n int) int {
	if p == PolicyMajority && n > 0 {
		return n/2 + 1
	}
	return n
}

// State is where a replicated object stands after a Replicate call.
type State string

const (
	Replicated          State = "replicated"
	PartiallyReplicated State = "partially_replicated"
)

// Result reports the outcome of one fan-out.
type Result struct {
	Key     string   `json:"key"`
	State   State    `json:"state"`
	Targets int      `json:"targets"`
	Acked   int      `json:"acked"`
	Failed  []string `json:"failed,omitempty"`
}

// Options configures a Coordinator. Zero values pick defaults.
type Options struct {
	Self              Member
	ReplicationFactor int
	Policy            Policy
	SampleSize        int // peers compared by health and repair checks
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Coordinator wraps the local registry with a membership view and drives
// replication to peers.
type Coordinator struct {
	local   Local
	peers   Transport
	members *Membership
	log     *zap.Logger
	now     func() time.Time

	factor     int
	policy     Policy
	sampleSize int

	joined atomic.Bool

	// partial holds objects whose last fan-out fell short, retried by repair.
	partialMu sync.Mutex
	partial   map[string]Object

	stopOnce sync.Once
	stopCh   chan struct{}
	bgWG     sync.WaitGroup
}

func NewCoordinator(local Local, peers Transport, opts Options) *Coordinator {
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 2
	}
	if opts.Policy != PolicyMajority {
		opts.Policy = PolicyAll
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Coordinator{
		local:      local,
		peers:      peers,
		members:    NewMembership(opts.Self, opts.Clock),
		log:        logging.OrNop(opts.Logger).With(zap.String("node", opts.Self.NodeID)),
		now:        opts.Clock,
		factor:     opts.ReplicationFactor,
		policy:     opts.Policy,
		sampleSize: opts.SampleSize,
		partial:    make(map[string]Object),
		stopCh:     make(chan struct{}),
	}
}

func (c *Coordinator) Membership() *Membership { return c.members }

func (c *Coordinator) ReplicationFactor() int { return c.factor }

// Joined reports whether a JoinCluster call has succeeded.
func (c *Coordinator) Joined() bool { return c.joined.Load() }

// JoinCluster contacts seeds in order and adopts the membership reported by
// the first one that answers. It does not retry; false means no seed was
// reachable.
func (c *Coordinator) JoinCluster(ctx context.Context, seeds []string) bool {
	self := c.members.Self()
	for _, seed := range seeds {
		if seed == "" || seed == self.Endpoint {
			continue
		}
		members, err := c.peers.Join(ctx, seed, self)
		if err != nil {
			c.log.Warn("seed unreachable", zap.String("seed", seed), zap.Error(err))
			continue
		}
		added := c.members.Merge(members)
		c.joined.Store(true)
		c.log.Info("joined cluster", zap.String("seed", seed), zap.Int("peers", added))
		return true
	}
	return false
}

// HandleJoin admits a member announced through POST /cluster/join and
// returns the membership the newcomer should adopt.
func (c *Coordinator) HandleJoin(m Member) []Member {
	m.Healthy = true
	m.LastHeartbeat = c.now()
	c.members.Upsert(m)
	c.joined.Store(true)
	c.log.Info("member joined", zap.String("peer", m.NodeID), zap.String("endpoint", m.Endpoint))
	return c.members.Snapshot()
}

// LeaveCluster tells every known peer this node is going away. Failures are
// logged; a peer that misses the notice drops us after failed probes.
func (c *Coordinator) LeaveCluster(ctx context.Context) {
	self := c.members.Self()
	var g errgroup.Group
	for _, p := range c.members.Peers() {
		p := p
		g.Go(func() error {
			if err := c.peers.Leave(ctx, p.Endpoint, self.NodeID); err != nil {
				c.log.Warn("leave notice failed", zap.String("peer", p.NodeID), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
	c.joined.Store(false)
}

// HandleLeave removes a member announced through POST /cluster/leave.
func (c *Coordinator) HandleLeave(nodeID string) bool {
	ok := c.members.Remove(nodeID)
	if ok {
		c.log.Info("member left", zap.String("peer", nodeID))
	}
	return ok
}

// ReplicationTargets returns the healthy peers key is placed on.
func (c *Coordinator) ReplicationTargets(key string, r int) []Member {
	return ReplicationTargets(c.members.HealthyPeers(), key, r)
}

// PrimaryNodeFor returns the member that owns key. Placement runs over the
// healthy peers plus this node, so the local node can be primary.
func (c *Coordinator) PrimaryNodeFor(key string) (Member, bool) {
	all := append(c.members.HealthyPeers(), c.members.Self())
	sort.Slice(all, func(i, j int) bool { return all[i].NodeID < all[j].NodeID })
	t := ReplicationTargets(all, key, 1)
	if len(t) == 0 {
		return Member{}, false
	}
	return t[0], true
}

// IsPrimary reports whether this node owns key.
func (c *Coordinator) IsPrimary(key string) bool {
	m, ok := c.PrimaryNodeFor(key)
	return ok && m.NodeID == c.members.Self().NodeID
}

// Replicate writes obj locally and pushes it to r healthy peers. A local
// failure aborts before any push. The write needs acks from the policy's
// share of the reachable targets; r is capped at the healthy peer count.
// Short of that the result is PartiallyReplicated, the object is queued for
// the next repair pass, and ErrReplicationIncomplete is returned. The local
// write is never rolled back.
func (c *Coordinator) Replicate(ctx context.Context, obj Object, r int) (Result, error) {
	if err := obj.validate(); err != nil {
		return Result{}, err
	}
	if err := c.applyLocal(obj); err != nil {
		return Result{}, fmt.Errorf("local write %s: %w", obj.Key(), err)
	}
	res, err := c.fanOut(ctx, obj, r, c.push)
	if res.State == PartiallyReplicated {
		c.remember(obj)
	} else {
		c.forget(obj.Key())
	}
	return res, err
}

// ReplicateDelete removes obj locally and fans the delete out to the peers
// that would hold it.
func (c *Coordinator) ReplicateDelete(ctx context.Context, obj Object, r int) (Result, error) {
	if err := obj.validate(); err != nil {
		return Result{}, err
	}
	if obj.Node != nil {
		c.local.Delete(obj.Node.ID)
	} else {
		c.local.DeleteEdge(obj.Edge.Key())
	}
	c.forget(obj.Key())
	return c.fanOut(ctx, obj, r, c.pushDelete)
}

func (c *Coordinator) applyLocal(obj Object) error {
	if obj.Node != nil {
		return c.local.Upsert(*obj.Node)
	}
	return c.local.UpsertEdge(*obj.Edge)
}

type pushFunc func(ctx context.Context, endpoint string, obj Object) error

func (c *Coordinator) push(ctx context.Context, endpoint string, obj Object) error {
	if obj.Node != nil {
		return c.peers.PushNode(ctx, endpoint, *obj.Node)
	}
	return c.peers.PushEdge(ctx, endpoint, *obj.Edge)
}

func (c *Coordinator) pushDelete(ctx context.Context, endpoint string, obj Object) error {
	if obj.Node != nil {
		return c.peers.DeleteNode(ctx, endpoint, obj.Node.ID)
	}
	return c.peers.DeleteEdge(ctx, endpoint, obj.Edge.Key())
}

// fanOut sends obj to its targets concurrently. Peers that fail are marked
// unhealthy; a failure never cancels the other pushes.
func (c *Coordinator) fanOut(ctx context.Context, obj Object, r int, send pushFunc) (Result, error) {
	key := obj.Key()
	targets := c.ReplicationTargets(key, r)
	res := Result{Key: key, Targets: len(targets)}

	var (
		mu    sync.Mutex
		acked int
		g     errgroup.Group
	)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			err := send(ctx, t.Endpoint, obj)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, t.NodeID)
				if c.members.MarkUnhealthy(t.NodeID) {
					c.log.Warn("peer marked unhealthy", zap.String("peer", t.NodeID), zap.Error(err))
				}
				return nil
			}
			acked++
			c.members.MarkHealthy(t.NodeID)
			return nil
		})
	}
	g.Wait()

	res.Acked = acked
	sort.Strings(res.Failed)
	res.State = Replicated
	if acked < len(targets) {
		res.State = PartiallyReplicated
	}

	need := c.policy.required(len(targets))
	if acked < need {
		return res, fmt.Errorf("%w: %s acked by %d of %d targets, need %d",
			ErrReplicationIncomplete, key, acked, len(targets), need)
	}
	return res, nil
}

func (c *Coordinator) remember(obj Object) {
	c.partialMu.Lock()
	c.partial[obj.Key()] = obj
	c.partialMu.Unlock()
}

func (c *Coordinator) forget(key string) {
	c.partialMu.Lock()
	delete(c.partial, key)
	c.partialMu.Unlock()
}

// PendingRepairs returns how many objects await re-replication.
func (c *Coordinator) PendingRepairs() int {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()
	return len(c.partial)
}

// Close stops the heartbeat loop.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.bgWG.Wait()
}
