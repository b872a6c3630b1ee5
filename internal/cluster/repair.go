package cluster

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const repairConcurrency = 8

// RepairReport summarises one repair pass.
type RepairReport struct {
	Retried    int `json:"retried"` // queued partial objects pushed again
	Replicated int `json:"replicated"`
	Partial    int `json:"partial"`
	Sampled    int `json:"sampled"`
	Conflicts  int `json:"conflicts"`
	Resolved   int `json:"resolved"`
}

// RepairCluster re-replicates every durable and cached local object to
// restore the replication factor, objects queued as PartiallyReplicated
// first. It then compares the local copies with a sample of peers and
// overwrites every differing peer copy with the local one.
func (c *Coordinator) RepairCluster(ctx context.Context) (RepairReport, error) {
	var rep RepairReport
	c.probe(ctx)
	if len(c.members.HealthyPeers()) == 0 {
		return rep, ErrNoPeers
	}

	queued := c.drainPartial()
	seen := make(map[string]bool, len(queued))
	var work []Object
	for _, obj := range queued {
		if cur, ok := c.current(obj); ok {
			work = append(work, cur)
			seen[cur.Key()] = true
			rep.Retried++
		}
	}
	for _, n := range c.local.AllNodes() {
		if obj := NodeObject(n); persistent(n.Tier) && !seen[obj.Key()] {
			work = append(work, obj)
		}
	}
	for _, rec := range c.local.AllEdges() {
		if obj := EdgeObject(rec.Edge); persistent(rec.Tier) && !seen[obj.Key()] {
			work = append(work, obj)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(repairConcurrency)
	for _, obj := range work {
		obj := obj
		g.Go(func() error {
			res, _ := c.fanOut(ctx, obj, c.factor, c.push)
			mu.Lock()
			defer mu.Unlock()
			if res.State == PartiallyReplicated {
				rep.Partial++
				c.remember(obj)
			} else {
				rep.Replicated++
			}
			return nil
		})
	}
	g.Wait()

	for _, p := range c.sample() {
		diff, err := c.compare(ctx, p)
		if err != nil {
			c.log.Warn("repair sample failed", zap.String("peer", p.NodeID), zap.Error(err))
			continue
		}
		rep.Sampled++
		rep.Conflicts += len(diff.stale)
		for _, obj := range diff.stale {
			if err := c.push(ctx, p.Endpoint, obj); err != nil {
				c.log.Warn("conflict overwrite failed",
					zap.String("peer", p.NodeID), zap.String("key", obj.Key()), zap.Error(err))
				continue
			}
			rep.Resolved++
		}
	}

	c.log.Info("repair pass complete",
		zap.Int("retried", rep.Retried),
		zap.Int("replicated", rep.Replicated),
		zap.Int("partial", rep.Partial),
		zap.Int("conflicts", rep.Conflicts),
		zap.Int("resolved", rep.Resolved))
	return rep, nil
}

func (c *Coordinator) drainPartial() []Object {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()
	out := make([]Object, 0, len(c.partial))
	for _, obj := range c.partial {
		out = append(out, obj)
	}
	c.partial = make(map[string]Object)
	return out
}

// current returns the local copy of obj, which may have changed or gone
// since it was queued. Objects that are now ephemeral are dropped.
func (c *Coordinator) current(obj Object) (Object, bool) {
	if obj.Node != nil {
		n, ok := c.local.Get(obj.Node.ID)
		if !ok || !persistent(n.Tier) {
			return Object{}, false
		}
		return NodeObject(n), true
	}
	rec, ok := c.local.Edge(obj.Edge.Key())
	if !ok || !persistent(rec.Tier) {
		return Object{}, false
	}
	return EdgeObject(rec.Edge), true
}
