// Package events defines the closed set of event variants the engine
// bus emits (spec.md §4.8, §9 "Re-architect as a closed set of event
// variants... Subscribers receive typed payloads"). The wire-compatible
// string names from the distilled source are kept only as the Type
// value for logging/interop; subscribers switch on Type and read the
// fields of the single Event struct that Type populates.
package events

import (
	"sync"
	"time"
)

// Type is a closed enumeration of event kinds.
type Type string

const (
	TypeEnqueued           Type = "enqueued"
	TypeHashingProgress    Type = "hashing_progress"
	TypeProbed             Type = "probed"
	TypeChunkSucceeded     Type = "chunk_succeeded"
	TypeChunkRetried       Type = "chunk_retried"
	TypeChunkFailed        Type = "chunk_failed"
	TypeUploadProgress     Type = "upload_progress"
	TypeUploadCompleted    Type = "upload_completed"
	TypeUploadFailed       Type = "upload_failed"
	TypeUploadPaused       Type = "upload_paused"
	TypeUploadResumed      Type = "upload_resumed"
	TypeUploadCancelled    Type = "upload_cancelled"
	TypeQueueStatusChanged Type = "queue_status_changed"
)

// Event is the structured payload every subscriber receives. Every
// event carries at least UploadID and Timestamp per spec.md §4.8; the
// event-specific fields are populated according to Type.
type Event struct {
	Type      Type
	UploadID  string
	Timestamp time.Time

	// Progress-bearing events.
	Fraction float64

	// Probe result.
	ProbeExists bool
	ProbeURL    string

	// Chunk-scoped events.
	ChunkIndex int
	Attempt    int
	BackoffFor time.Duration

	// Terminal/error events.
	ErrorKind    string
	ErrorMessage string
	ResultURL    string

	// Queue-wide status.
	QueueLength int
}

// Handler receives events published on the engine bus. Handlers must not
// block for long; the bus delivers synchronously per spec.md's
// cooperative concurrency model.
type Handler func(Event)

// Bus fans an Event out to every subscribed Handler. It has no buffering
// and no goroutines of its own: the caller (engine) decides whether
// publication itself happens on a dedicated goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Subscribe registers h to receive all future published events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every subscriber, in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
