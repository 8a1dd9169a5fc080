// Package queue implements the durable multi-map of Upload Records
// (spec.md §3, §4.7, C8), backed by go.etcd.io/bbolt. It generalizes the
// mutex-guarded, custom-JSON-marshaled resumable-session record pattern
// of Auriora-OneMount's internal/fs/upload_session.go (itself persisted
// to a bolt bucket with LastSuccessfulChunk/TotalChunks/BytesUploaded/
// CanResume recovery fields) to spec.md's full Upload Record shape.
package queue

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// SchemaVersion is the current on-disk record schema version (spec.md §4.7).
const SchemaVersion = 1

// Status is the lifecycle state of an Upload Record (spec.md §3).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusHashing    Status = "hashing"
	StatusProbing    Status = "probing"
	StatusUploading  Status = "uploading"
	StatusPaused     Status = "paused"
	StatusCommitting Status = "committing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal status (spec.md §3 lifecycle).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LastError captures the most recent failure for a record.
type LastError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Record is a persisted Upload Record (spec.md §3). All fields are
// guarded by mu; use the accessor methods rather than touching fields
// directly from outside this package.
type Record struct {
	mu sync.Mutex

	ID              string         `json:"id"`
	Fingerprint     string         `json:"fingerprint"`
	FileName        string         `json:"fileName"`
	FileSize        int64          `json:"fileSize"`
	ContentType     string         `json:"contentType"`
	ChunkSize       int64          `json:"chunkSize"`
	// Source is the host-native reference (file path, blob handle) C1
	// needs to reopen the file. Kept here, not just in memory, so the
	// Engine can relaunch a scheduler for a non-terminal record after a
	// process restart (spec.md §3's "Persistent Queue... survives
	// process restart so partially-uploaded files can resume" — most
	// hosts keep only this reference rather than the optional
	// `file:data:{storage_id}` byte blob).
	Source          string         `json:"source"`
	Status          Status         `json:"status"`
	UploadedIndices map[int]bool   `json:"uploadedIndices"`
	AttemptCounts   map[int]int    `json:"attemptCounts"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastUpdatedAt   time.Time      `json:"lastUpdatedAt"`
	Sequence        uint64         `json:"sequence"`
	Priority        int            `json:"priority"`
	LastErr         *LastError     `json:"lastError,omitempty"`
	ResultURL       string         `json:"resultUrl,omitempty"`
	Version         int            `json:"version"`
	Checksum        uint64         `json:"checksum"`
}

// NewRecord constructs a fresh, Queued record. id and sequence are
// assigned by the Queue at enqueue time.
func NewRecord(id, fingerprint, fileName string, fileSize int64, contentType string, chunkSize int64, sequence uint64, source string) *Record {
	now := time.Now()
	r := &Record{
		ID:              id,
		Fingerprint:     fingerprint,
		FileName:        fileName,
		FileSize:        fileSize,
		ContentType:     contentType,
		ChunkSize:       chunkSize,
		Source:          source,
		Status:          StatusQueued,
		UploadedIndices: make(map[int]bool),
		AttemptCounts:   make(map[int]int),
		CreatedAt:       now,
		LastUpdatedAt:   now,
		Sequence:        sequence,
		Version:         SchemaVersion,
	}
	r.Checksum = r.computeChecksum()
	return r
}

// coreFields mirrors Record's exported fields minus Checksum, so the
// checksum is computed over "all other fields" (spec.md §3) with a
// stable encoding. Field order is fixed by struct declaration, so
// json.Marshal produces a deterministic byte stream.
type coreFields struct {
	ID              string
	Fingerprint     string
	FileName        string
	FileSize        int64
	ContentType     string
	ChunkSize       int64
	Source          string
	Status          Status
	UploadedIndices map[int]bool
	AttemptCounts   map[int]int
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
	Sequence        uint64
	Priority        int
	LastErr         *LastError
	ResultURL       string
	Version         int
}

func (r *Record) computeChecksum() uint64 {
	core := coreFields{
		ID: r.ID, Fingerprint: r.Fingerprint, FileName: r.FileName, FileSize: r.FileSize,
		ContentType: r.ContentType, ChunkSize: r.ChunkSize, Source: r.Source, Status: r.Status,
		UploadedIndices: r.UploadedIndices, AttemptCounts: r.AttemptCounts,
		CreatedAt: r.CreatedAt, LastUpdatedAt: r.LastUpdatedAt, Sequence: r.Sequence,
		Priority: r.Priority, LastErr: r.LastErr, ResultURL: r.ResultURL, Version: r.Version,
	}
	// hash/fnv is an inexpensive, non-cryptographic hash: spec.md §4.7
	// frames this as corruption detection, not authentication, so a
	// cryptographic hash would be the wrong tool here.
	data, err := json.Marshal(core)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// VerifyChecksum reports whether r's stored checksum matches its fields.
func (r *Record) VerifyChecksum() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Checksum == r.computeChecksum()
}

// touch recomputes the checksum and bumps LastUpdatedAt. Callers must
// hold mu.
func (r *Record) touch() {
	r.LastUpdatedAt = time.Now()
	r.Checksum = r.computeChecksum()
}

// AddUploadedIndex records chunk index as durably received. Monotonic:
// uploaded_indices never shrinks except via ResetForCancel.
func (r *Record) AddUploadedIndex(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UploadedIndices[index] = true
	r.touch()
}

// UploadedIndexSet returns a snapshot copy of the uploaded-index set.
func (r *Record) UploadedIndexSet() map[int]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]struct{}, len(r.UploadedIndices))
	for i := range r.UploadedIndices {
		out[i] = struct{}{}
	}
	return out
}

// IncrementAttempt bumps and returns the attempt counter for index.
func (r *Record) IncrementAttempt(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AttemptCounts[index]++
	n := r.AttemptCounts[index]
	r.touch()
	return n
}

// ResetAttempt clears the attempt counter for index (spec.md §3 "Retry
// State... Reset to zero when the chunk commits").
func (r *Record) ResetAttempt(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.AttemptCounts, index)
	r.touch()
}

// SetStatus transitions the record to status.
func (r *Record) SetStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
	r.touch()
}

// GetStatus returns the current status.
func (r *Record) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// SetLastError records the most recent failure.
func (r *Record) SetLastError(kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastErr = &LastError{Kind: kind, Message: message, At: time.Now()}
	r.touch()
}

// Complete marks the record Completed with its result URL. Completed is
// terminal: spec.md §3 forbids Completed->Completed transitions.
// Complete itself does not check the current status; its caller,
// Scheduler.Run, does nothing for a record that is already Completed.
func (r *Record) Complete(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = StatusCompleted
	r.ResultURL = url
	r.touch()
}

// ResetForCancel clears progress on user cancellation (the one case
// spec.md §8 allows uploaded_indices to shrink).
func (r *Record) ResetForCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UploadedIndices = make(map[int]bool)
	r.Status = StatusCancelled
	r.touch()
}

// Snapshot returns a deep, lock-free copy suitable for handing to
// external readers (status queries, subscribers) per spec.md §5's
// "external readers receive immutable snapshots".
func (r *Record) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.mu = sync.Mutex{}
	cp.UploadedIndices = make(map[int]bool, len(r.UploadedIndices))
	for k, v := range r.UploadedIndices {
		cp.UploadedIndices[k] = v
	}
	cp.AttemptCounts = make(map[int]int, len(r.AttemptCounts))
	for k, v := range r.AttemptCounts {
		cp.AttemptCounts[k] = v
	}
	if r.LastErr != nil {
		le := *r.LastErr
		cp.LastErr = &le
	}
	return cp
}

// MarshalJSON implements a locked custom marshaler, following
// Auriora-OneMount's UploadSession.MarshalJSON pattern of locking before
// serializing a mutex-guarded struct.
func (r *Record) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type alias Record
	return json.Marshal((*alias)(r))
}

// UnmarshalJSON restores a Record from its persisted JSON form.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	a := (*alias)(r)
	if err := json.Unmarshal(data, a); err != nil {
		return err
	}
	if r.UploadedIndices == nil {
		r.UploadedIndices = make(map[int]bool)
	}
	if r.AttemptCounts == nil {
		r.AttemptCounts = make(map[int]int)
	}
	return nil
}
