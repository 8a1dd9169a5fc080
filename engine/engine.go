// Package engine implements the single top-level orchestrator of
// spec.md §4.8 (C9): it owns the persistent queue, the global chunk
// gate, the per-upload scheduler set, and the typed event bus, and
// exposes the five operations a host embeds against (enqueue, pause,
// resume, cancel, status) plus subscribe.
//
// The teacher has no equivalent object — blazer's Client is a thin B2
// session holder with no queue, no concurrency budget, and no event
// bus — so this package is new code, built the way spec.md §9 mandates
// ("re-architect as explicit construction... never store global
// mutable state"): every dependency is passed into New rather than
// reached for as a package-level global.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/filechunkpro/engine/events"
	"github.com/filechunkpro/engine/ferrors"
	"github.com/filechunkpro/engine/gate"
	"github.com/filechunkpro/engine/host"
	"github.com/filechunkpro/engine/protocol"
	"github.com/filechunkpro/engine/queue"
	"github.com/filechunkpro/engine/retry"
	"github.com/filechunkpro/engine/scheduler"
)

// ErrQueueFull is returned by Enqueue once the number of uploads the
// engine tracks (every upload not yet Completed or Cancelled, Failed ones
// included) reaches Config.MaxQueueLength (spec.md §4.8 "back-pressure").
var ErrQueueFull = errors.New("engine: queue full")

// ErrUnknownUpload is returned by operations addressing an id the
// engine has no record of.
var ErrUnknownUpload = errors.New("engine: unknown upload id")

// ErrShuttingDown is returned by Enqueue after Shutdown has been called.
var ErrShuttingDown = errors.New("engine: shutting down")

// Config recognizes the options of spec.md §6.4.
type Config struct {
	ChunkSize           int64
	MaxConcurrentUploads int
	Gate                gate.Config
	Retry               retry.Policy
	RequestTimeout      time.Duration
	CommitTimeout       time.Duration
	ProbeEnabled        bool
	Queue               queue.Config
	MaxQueueLength      int
	KeyPrefix           string
}

// DefaultConfig returns the defaults named in spec.md §6.4.
func DefaultConfig() Config {
	return Config{
		ChunkSize:            2 << 20, // 2 MiB
		MaxConcurrentUploads: 3,
		Gate: gate.Config{
			MinParallelism:     1,
			MaxParallelism:     4,
			InitialParallelism: 2,
			Adaptive:           true,
		},
		Retry:          retry.Default(),
		RequestTimeout: 30 * time.Second,
		CommitTimeout:  60 * time.Second,
		ProbeEnabled:   true,
		MaxQueueLength: 1000,
		KeyPrefix:      "filechunk-pro:",
	}
}

type activeUpload struct {
	sched  *scheduler.Scheduler
	source string
	done   chan struct{}
}

// Engine is the single top-level object a host constructs and drives.
type Engine struct {
	cfg  Config
	log  zerolog.Logger
	host host.Capability

	queue    *queue.Queue
	gate     *gate.Gate
	proto    *protocol.Client
	bus      *events.Bus
	uploadSem *semaphore.Weighted

	mu       sync.Mutex
	active   map[string]*activeUpload
	shutdown bool
	wg       sync.WaitGroup
}

// New constructs an Engine. baseURL is the server implementing
// spec.md §6.1; capability is the host-supplied file-access adapter
// (spec.md §6.3) — OS-backed, browser-backed, etc.
func New(cfg Config, baseURL string, capability host.Capability, log zerolog.Logger) (*Engine, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("engine: chunk_size must be > 0")
	}
	if cfg.MaxConcurrentUploads < 1 {
		cfg.MaxConcurrentUploads = 1
	}

	q, err := queue.Open(cfg.Queue, log.With().Str("component", "queue").Logger())
	if err != nil {
		return nil, fmt.Errorf("engine: open queue: %w", err)
	}

	g := gate.New(cfg.Gate, log.With().Str("component", "gate").Logger())

	client := protocol.New(baseURL, log.With().Str("component", "protocol").Logger())
	if cfg.RequestTimeout > 0 {
		client.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.CommitTimeout > 0 {
		client.CommitTimeout = cfg.CommitTimeout
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		host:      capability,
		queue:     q,
		gate:      g,
		proto:     client,
		bus:       &events.Bus{},
		uploadSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentUploads)),
		active:    make(map[string]*activeUpload),
	}
	e.rehydrate()
	return e, nil
}

// rehydrate relaunches a scheduler for every non-terminal record left
// behind by an unclean shutdown, so partially-uploaded files resume
// without an explicit Resume call (spec.md §3, C8: "survives process
// restart so partially-uploaded files can resume"). A record with no
// Source (pre-upgrade schema, or a host that never persisted one) can't
// be rehydrated automatically; it is marked Failed and is not registered
// as an active upload, so Resume reports ErrUnknownUpload for it.
func (e *Engine) rehydrate() {
	for _, rec := range e.queue.List() {
		status := rec.GetStatus()
		if status.Terminal() {
			continue
		}
		if rec.Source == "" {
			rec.SetStatus(queue.StatusFailed)
			rec.SetLastError(ferrors.KindInvalidArgument.String(), "no source to resume from after restart")
			_ = e.queue.Flush(rec)
			continue
		}
		sched := scheduler.New(e.schedulerOptions(), rec, rec.Source)
		e.start(rec.ID, rec.Source, sched)
	}
}

// Subscribe registers h to receive every event the engine emits
// (spec.md §4.8 event list).
func (e *Engine) Subscribe(h events.Handler) {
	e.bus.Subscribe(h)
}

// Enqueue creates a fresh Upload Record for source and starts driving
// it, returning its id. fileName/fileSize/contentType are read from
// the host capability.
func (e *Engine) Enqueue(ctx context.Context, source string) (string, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return "", ErrShuttingDown
	}
	e.mu.Unlock()

	if e.cfg.MaxQueueLength > 0 && e.activeCount() >= e.cfg.MaxQueueLength {
		return "", ErrQueueFull
	}

	info, err := e.host.FileInfo(ctx, source)
	if err != nil {
		return "", fmt.Errorf("engine: stat source: %w", err)
	}

	record, err := e.queue.Enqueue("", info.Name, info.Size, info.ContentType, e.cfg.ChunkSize, source)
	if err != nil {
		return "", fmt.Errorf("engine: enqueue record: %w", err)
	}

	sched := scheduler.New(e.schedulerOptions(), record, source)
	e.start(record.ID, source, sched)

	e.bus.Publish(events.Event{Type: events.TypeEnqueued, UploadID: record.ID, Timestamp: time.Now()})
	e.publishQueueStatus(record.ID)

	return record.ID, nil
}

func (e *Engine) schedulerOptions() scheduler.Options {
	return scheduler.Options{
		Host:         e.host,
		Protocol:     e.proto,
		Gate:         e.gate,
		Retry:        e.cfg.Retry,
		Queue:        e.queue,
		Bus:          e.bus,
		Log:          e.log,
		ProbeEnabled: e.cfg.ProbeEnabled,
	}
}

// start registers sched under id and launches its driving goroutine,
// bounded by the global max_concurrent_uploads budget (spec.md §5:
// "a scheduler must acquire one permit before beginning its chunk
// loop and release it on any exit" — here widened to the whole
// Hashing..Committing run, since hashing/probing are comparatively
// cheap and still benefit from the same fairness budget).
func (e *Engine) start(id, source string, sched *scheduler.Scheduler) {
	done := make(chan struct{})
	e.mu.Lock()
	e.active[id] = &activeUpload{sched: sched, source: source, done: done}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)

		ctx := context.Background()
		if err := e.uploadSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.uploadSem.Release(1)

		if err := sched.Run(ctx); err != nil {
			e.log.Debug().Str("uploadId", id).Err(err).Msg("scheduler run ended")
		}

		// Completed/Cancelled uploads have nothing left to resume; drop
		// them from the active set so a long-lived engine's MaxQueueLength
		// watermark only counts uploads that still need attention. Failed
		// records stay so Resume can find the original source again.
		if rec := e.queue.Get(id); rec != nil {
			switch rec.GetStatus() {
			case queue.StatusCompleted, queue.StatusCancelled:
				e.mu.Lock()
				delete(e.active, id)
				e.mu.Unlock()
			}
		}
		e.publishQueueStatus(id)
	}()
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) publishQueueStatus(id string) {
	e.bus.Publish(events.Event{Type: events.TypeQueueStatusChanged, UploadID: id, Timestamp: time.Now(), QueueLength: len(e.queue.List())})
}

func (e *Engine) lookup(id string) (*activeUpload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.active[id]
	if !ok {
		return nil, ErrUnknownUpload
	}
	return u, nil
}

// Pause cooperatively suspends id's chunk workers without discarding
// progress.
func (e *Engine) Pause(id string) error {
	u, err := e.lookup(id)
	if err != nil {
		return err
	}
	u.sched.Pause()
	return nil
}

// Resume continues a Paused upload in place, or restarts a Failed one
// from Probing — per spec.md §7, "resumption re-runs probe and
// therefore continues from last server-accepted state".
func (e *Engine) Resume(id string) error {
	u, err := e.lookup(id)
	if err != nil {
		return err
	}

	rec := e.queue.Get(id)
	if rec == nil {
		return ErrUnknownUpload
	}

	switch rec.GetStatus() {
	case queue.StatusPaused:
		u.sched.Resume()
		return nil
	case queue.StatusFailed:
		rec.SetStatus(queue.StatusProbing)
		e.queue.Persist(rec)
		sched := scheduler.New(e.schedulerOptions(), rec, u.source)
		e.start(id, u.source, sched)
		return nil
	default:
		return fmt.Errorf("engine: upload %s is not resumable from status %s", id, rec.GetStatus())
	}
}

// Cancel forcibly drops id's in-flight work and marks it Cancelled.
func (e *Engine) Cancel(id string) error {
	u, err := e.lookup(id)
	if err != nil {
		return err
	}
	u.sched.Cancel()
	return nil
}

// Status returns an immutable snapshot of id's current record.
func (e *Engine) Status(id string) (queue.Record, error) {
	rec := e.queue.Get(id)
	if rec == nil {
		return queue.Record{}, ErrUnknownUpload
	}
	return rec.Snapshot(), nil
}

// Collect runs the queue's eviction sweep (spec.md §4.7).
func (e *Engine) Collect() (int, error) {
	return e.queue.Collect(time.Now())
}

// Shutdown stops accepting new Enqueue calls, pauses every active
// upload, and flushes the queue (spec.md §4.8 "Graceful shutdown").
// Paused schedulers block on their resume signal rather than exiting,
// so ctx should carry a deadline: Shutdown waits for in-flight
// goroutines to notice the pause and return, up to ctx's deadline,
// then closes the gate and queue regardless.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	uploads := make([]*activeUpload, 0, len(e.active))
	for _, u := range e.active {
		uploads = append(uploads, u)
	}
	e.mu.Unlock()

	for _, u := range uploads {
		u.sched.Pause()
	}

	waitDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
	}

	e.gate.Close()
	return e.queue.Close()
}
