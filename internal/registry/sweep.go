package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/graph"
)

// SweepExpired evicts Cached nodes whose expiry has passed, dropping their
// edges, and sweeps expired rows from the cache backend. It returns the
// number of nodes evicted from memory.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.now()
	ix := r.indexes[graph.Cached]
	evicted := 0
	for _, key := range ix.expired(now) {
		lock := r.keyLock(key)
		lock.Lock()
		e, ok := ix.load(key)
		if ok && !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			ix.remove(key)
		} else {
			ok = false
		}
		lock.Unlock()
		if !ok {
			continue
		}

		r.mu.Lock()
		r.dropEdgesForLocked(key)
		r.mu.Unlock()
		evicted++
	}

	if s, ok := r.cache.(sweeper); ok {
		removed, err := s.Sweep(ctx)
		if err != nil {
			return evicted, err
		}
		if removed > 0 {
			r.log.Debug("cache backend swept", zap.Int("rows", removed))
		}
	}
	return evicted, nil
}

// StartSweeper runs SweepExpired every interval until Close.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := r.SweepExpired(context.Background()); err != nil {
					r.log.Error("expiry sweep failed", zap.Error(err))
				} else if n > 0 {
					r.log.Info("expiry sweep", zap.Int("evicted", n))
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}
