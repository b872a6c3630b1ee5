package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/graph"
)

// maxBatch caps how many queued node saves one SaveBatch call carries.
const maxBatch = 64

// job is one background backend operation.
type job struct {
	key  string // routes the job; jobs with equal keys run in order
	op   string
	id   string
	tier graph.Tier
	run  func(ctx context.Context) error

	// node and saver are set on node saves to a batch-capable backend.
	// Adjacent queued saves to the same saver share one transaction.
	node  *graph.Node
	saver batchSaver
}

// writer runs backend writes behind the in-memory index on a fixed pool
// of workers, each owning a bounded queue. Jobs are routed by key so writes
// for one object apply in submission order; nothing is ordered across keys.
// A full queue blocks the submitter.
type writer struct {
	log    *zap.Logger
	queues []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards closed against sends
	closed bool

	pendMu  sync.Mutex
	pendCnd *sync.Cond
	pending int

	failed    atomic.Int64
	completed atomic.Int64
}

func newWriter(workers, queueSize int, log *zap.Logger) *writer {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	w := &writer{log: log, queues: make([]chan job, workers)}
	w.pendCnd = sync.NewCond(&w.pendMu)
	for i := range w.queues {
		q := make(chan job, queueSize)
		w.queues[i] = q
		w.wg.Add(1)
		go w.work(q)
	}
	return w
}

func (w *writer) submit(j job) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.failed.Add(1)
		w.log.Error("write queue closed, dropping background write",
			zap.String("op", j.op), zap.String("id", j.id), zap.String("tier", string(j.tier)))
		return
	}

	w.pendMu.Lock()
	w.pending++
	w.pendMu.Unlock()

	w.queues[w.route(j.key)] <- j
}

func (w *writer) route(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(w.queues)))
}

func (w *writer) work(q <-chan job) {
	defer w.wg.Done()
	var next *job
	for {
		var j job
		if next != nil {
			j, next = *next, nil
		} else {
			var ok bool
			if j, ok = <-q; !ok {
				return
			}
		}
		if j.saver == nil {
			w.finish(j, j.run(context.Background()))
			continue
		}

		// Take the node saves already queued behind j. The first job that
		// cannot join the batch runs right after it, keeping queue order.
		batch := []job{j}
	gather:
		for len(batch) < maxBatch {
			select {
			case nj, ok := <-q:
				if !ok {
					break gather
				}
				if nj.saver != j.saver {
					next = &nj
					break gather
				}
				batch = append(batch, nj)
			default:
				break gather
			}
		}
		w.runBatch(batch)
	}
}

// runBatch saves a run of node saves in one transaction. When the batch
// fails each save is retried alone so one bad row fails only itself.
func (w *writer) runBatch(batch []job) {
	// Background writes are never cancelled: a late write beats a torn one.
	ctx := context.Background()
	if len(batch) == 1 {
		w.finish(batch[0], batch[0].run(ctx))
		return
	}
	nodes := make([]graph.Node, len(batch))
	for i, j := range batch {
		nodes[i] = *j.node
	}
	if err := batch[0].saver.SaveBatch(ctx, nodes); err != nil {
		w.log.Warn("batched save failed, saving one by one", zap.Int("nodes", len(batch)), zap.Error(err))
		for _, j := range batch {
			w.finish(j, j.run(ctx))
		}
		return
	}
	for _, j := range batch {
		w.finish(j, nil)
	}
}

// finish records the outcome of one job.
func (w *writer) finish(j job, err error) {
	if err != nil {
		w.failed.Add(1)
		w.log.Error("background write failed",
			zap.String("op", j.op),
			zap.String("id", j.id),
			zap.String("tier", string(j.tier)),
			zap.Error(err))
	} else {
		w.completed.Add(1)
	}

	w.pendMu.Lock()
	w.pending--
	if w.pending == 0 {
		w.pendCnd.Broadcast()
	}
	w.pendMu.Unlock()
}

// flush blocks until every submitted job has run.
func (w *writer) flush() {
	w.pendMu.Lock()
	for w.pending > 0 {
		w.pendCnd.Wait()
	}
	w.pendMu.Unlock()
}

// close stops accepting jobs, drains the queues and waits for the workers.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *writer) depth() int {
	n := 0
	for _, q := range w.queues {
		n += len(q)
	}
	return n
}

func (w *writer) inFlight() int {
	w.pendMu.Lock()
	defer w.pendMu.Unlock()
	return w.pending
}
