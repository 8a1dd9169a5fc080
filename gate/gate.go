// Package gate implements the bounded, priority-ordered, adaptively
// sized dispatcher of spec.md §4.3 (C4). It generalizes the teacher's
// fixed ConcurrentUploads worker pool (b2/writer.go: Writer.thread
// spawns a fixed N goroutines reading off one channel) into a
// variable-parallelism gate with priority admission and adaptive
// resize, neither of which the teacher has.
package gate

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/filechunkpro/engine/ferrors"
)

// Config configures a Gate per spec.md §4.3.
type Config struct {
	MinParallelism     int
	MaxParallelism     int
	InitialParallelism int
	Adaptive           bool
	SampleWindow       time.Duration
}

// Outcome is what a Task reports back to the gate: whether it succeeded,
// and if not, the classified ferrors.Kind, so the adaptive rule can tell
// a timeout from a generic failure (spec.md §4.3 inspects success/fail/
// timeout separately) and exclude non-retriable (fatal) outcomes from
// its denominator.
type Outcome struct {
	Err         error
	Kind        ferrors.Kind
	NonAdaptive bool // true for outcomes that must not count toward adaptive rates (fatal/non-retriable)
}

// Task is submitted work. It receives a context that is cancelled if the
// caller calls Handle.Cancel after admission, or is never run at all if
// cancelled before admission.
type Task func(ctx context.Context) Outcome

// Handle lets a submitter cancel a pending or in-flight task.
type Handle struct {
	gate   *Gate
	pt     *pendingTask
	cancel context.CancelFunc
	done   chan Outcome
}

// Wait blocks until the task completes (or the submission is cancelled),
// returning the task's outcome.
func (h *Handle) Wait() Outcome {
	return <-h.done
}

// Cancel releases a pending task synchronously, or signals an in-flight
// task cooperatively (spec.md §4.3 "Cancellation... releases any
// pending-but-not-yet-admitted task synchronously"). Cancelling the
// derived context alone isn't enough for the pending case: nothing else
// would ever pop the task back out of the heap to notice. So Cancel also
// sweeps the task out of the queue itself, under the same lock drain()
// uses, and delivers its cancelled outcome directly.
func (h *Handle) Cancel() {
	h.cancel()
	h.gate.cancelPending(h.pt)
}

type pendingTask struct {
	priority int
	seq      int64
	index    int // position in the heap, or -1 once popped
	task     Task
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan Outcome
}

// priorityQueue orders by (descending priority, ascending submission
// sequence), matching the tie-break rule of spec.md §4.3 and §4.7.
type priorityQueue []*pendingTask

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pendingTask)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// Gate is a bounded-concurrency dispatcher with per-task priority and,
// optionally, adaptive parallelism driven by observed outcomes.
type Gate struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	pending priorityQueue
	nextSeq int64
	sem     *semaphore.Weighted
	current int64 // current parallelism P, updated under mu

	// rolling sample counters for the adaptive rule.
	success int
	fail    int
	timeout int
	samples int

	stopDecay chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Gate and, if cfg.Adaptive, starts its decay ticker.
func New(cfg Config, log zerolog.Logger) *Gate {
	if cfg.MinParallelism < 1 {
		cfg.MinParallelism = 1
	}
	if cfg.MaxParallelism < cfg.MinParallelism {
		cfg.MaxParallelism = cfg.MinParallelism
	}
	if cfg.InitialParallelism < cfg.MinParallelism {
		cfg.InitialParallelism = cfg.MinParallelism
	}
	if cfg.InitialParallelism > cfg.MaxParallelism {
		cfg.InitialParallelism = cfg.MaxParallelism
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 10 * time.Second
	}

	g := &Gate{
		cfg:       cfg,
		log:       log,
		sem:       semaphore.NewWeighted(int64(cfg.MaxParallelism)),
		current:   int64(cfg.InitialParallelism),
		stopDecay: make(chan struct{}),
	}

	// Pre-acquire the unused headroom between initial and max parallelism
	// so the semaphore's live capacity always matches g.current; slots
	// are released/re-acquired as current grows and shrinks.
	if unused := int64(cfg.MaxParallelism) - g.current; unused > 0 {
		_ = g.sem.Acquire(context.Background(), unused)
	}

	if cfg.Adaptive {
		g.wg.Add(1)
		go g.decayLoop()
	}

	return g
}

// Close stops the adaptive decay loop. Safe to call once.
func (g *Gate) Close() {
	close(g.stopDecay)
	g.wg.Wait()
}

// Submit enqueues task at priority (higher runs first) and returns a
// Handle. The gate admits it immediately if a slot is free, otherwise it
// waits in the priority queue.
func (g *Gate) Submit(ctx context.Context, priority int, task Task) *Handle {
	taskCtx, cancel := context.WithCancel(ctx)
	pt := &pendingTask{
		priority: priority,
		task:     task,
		ctx:      taskCtx,
		cancel:   cancel,
		done:     make(chan Outcome, 1),
	}

	g.mu.Lock()
	pt.seq = g.nextSeq
	g.nextSeq++
	heap.Push(&g.pending, pt)
	g.mu.Unlock()

	go g.drain()

	return &Handle{gate: g, pt: pt, cancel: cancel, done: pt.done}
}

// cancelPending removes pt from the priority queue if it hasn't yet been
// admitted, and delivers its cancelled outcome right away. If pt was
// already popped (admitted or in the process of being admitted), there's
// nothing to remove here — it's either running cooperatively against its
// now-cancelled context, or about to be caught by drain()'s own
// ctx.Done() check.
func (g *Gate) cancelPending(pt *pendingTask) {
	g.mu.Lock()
	if pt.index < 0 {
		g.mu.Unlock()
		return
	}
	heap.Remove(&g.pending, pt.index)
	g.mu.Unlock()

	select {
	case pt.done <- Outcome{Err: pt.ctx.Err(), Kind: ferrors.KindCancelled, NonAdaptive: true}:
	default:
	}
}

// drain admits as many pending tasks as current slots allow. It is safe
// to call redundantly from multiple goroutines.
func (g *Gate) drain() {
	for {
		g.mu.Lock()
		if len(g.pending) == 0 {
			g.mu.Unlock()
			return
		}
		if !g.sem.TryAcquire(1) {
			g.mu.Unlock()
			return
		}
		pt := heap.Pop(&g.pending).(*pendingTask)
		g.mu.Unlock()

		select {
		case <-pt.ctx.Done():
			g.sem.Release(1)
			pt.done <- Outcome{Err: pt.ctx.Err(), Kind: ferrors.KindCancelled, NonAdaptive: true}
			continue
		default:
		}

		g.wg.Add(1)
		go g.run(pt)
	}
}

func (g *Gate) run(pt *pendingTask) {
	defer g.wg.Done()

	outcome := pt.task(pt.ctx)
	pt.done <- outcome

	g.recordOutcome(outcome)
	// Free this task's slot before draining, so the highest-priority
	// pending task can take it.
	g.sem.Release(1)
	g.drain()
}

func (g *Gate) recordOutcome(o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case o.Err == nil:
		g.success++
	case o.NonAdaptive:
		// fatal/non-retriable classification is excluded from the
		// adaptive denominator (spec.md §4.3) so correct rejections
		// (e.g. terminal 4xx) don't masquerade as network trouble.
	case o.Kind == ferrors.KindTransportTimeout:
		g.timeout++
	default:
		g.fail++
	}
	if !o.NonAdaptive {
		g.samples++
	}

	if !g.cfg.Adaptive || g.samples <= 5 {
		return
	}

	failRate := float64(g.fail) / float64(g.samples)
	timeoutRate := float64(g.timeout) / float64(g.samples)

	switch {
	case timeoutRate > 0.3 || failRate > 0.5:
		g.resizeLocked(g.current - 1)
	case failRate < 0.1 && int64(len(g.pending)) > g.current:
		g.resizeLocked(g.current + 1)
	}
}

// resizeLocked adjusts current parallelism, bounded by [min, max], and
// rebalances the semaphore's live capacity to match. Must be called
// with mu held.
func (g *Gate) resizeLocked(target int64) {
	if target < int64(g.cfg.MinParallelism) {
		target = int64(g.cfg.MinParallelism)
	}
	if target > int64(g.cfg.MaxParallelism) {
		target = int64(g.cfg.MaxParallelism)
	}
	if target == g.current {
		return
	}
	if target > g.current {
		// Growing: release the extra pre-acquired headroom back to the pool.
		g.sem.Release(target - g.current)
	} else {
		// Shrinking: best-effort re-acquire; if slots are all in flight
		// this will simply take effect as they free up, since run()
		// only releases 1 at a time and drain() won't admit past the
		// new, lower ceiling once this succeeds.
		go func(n int64) {
			_ = g.sem.Acquire(context.Background(), n)
		}(g.current - target)
	}
	g.current = target
}

func (g *Gate) decayLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.SampleWindow)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopDecay:
			return
		case <-ticker.C:
			g.mu.Lock()
			g.success /= 2
			g.fail /= 2
			g.timeout /= 2
			g.samples /= 2
			g.mu.Unlock()
		}
	}
}

// Current returns the gate's current parallelism level P.
func (g *Gate) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.current)
}

// Backlog returns the number of tasks admitted into the priority queue
// but not yet dispatched to a worker.
func (g *Gate) Backlog() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
