// Package scheduler implements the per-upload state machine of spec.md
// §4.5 (C6) — "the heart of the core". It orchestrates chunkplan,
// digest, gate, retry, protocol and queue to drive a single Upload
// Record from Hashing to a terminal state, generalizing the teacher's
// Writer.sendChunk/Writer.Close/Writer.thread orchestration (hashing
// while buffering, wg.Wait() before finishing) into an explicit state
// machine with cooperative pause/resume/cancel, which the teacher has
// no equivalent of.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	retrygo "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/filechunkpro/engine/chunkplan"
	"github.com/filechunkpro/engine/digest"
	"github.com/filechunkpro/engine/events"
	"github.com/filechunkpro/engine/ferrors"
	"github.com/filechunkpro/engine/gate"
	"github.com/filechunkpro/engine/host"
	"github.com/filechunkpro/engine/protocol"
	"github.com/filechunkpro/engine/queue"
	"github.com/filechunkpro/engine/retry"
)

const basePriority = 0

// Options collects the collaborators a Scheduler needs. Every field is
// shared across the Engine's schedulers; the record and source are
// passed to New separately.
type Options struct {
	Host     host.Capability
	Protocol *protocol.Client
	Gate     *gate.Gate
	Retry    retry.Policy
	Queue    *queue.Queue
	Bus      *events.Bus
	Log      zerolog.Logger

	// ProbeEnabled mirrors spec.md §6.4 probe_enabled; when false the
	// scheduler skips straight to Uploading with an empty resume set.
	ProbeEnabled bool
}

// Scheduler drives one Upload Record (spec.md §4.5). A Scheduler is
// used for exactly one upload at a time; the Engine owns the mapping
// from upload id to Scheduler and guarantees at most one is active per
// record (spec.md §4.5 "Ordering guarantees").
type Scheduler struct {
	opts   Options
	record *queue.Record
	source string

	mu       sync.Mutex
	plan     *chunkplan.Plan
	resumeCh chan struct{}
	paused   bool

	cancel context.CancelFunc
}

// New constructs a Scheduler for record, whose bytes are read from
// source via opts.Host.
func New(opts Options, record *queue.Record, source string) *Scheduler {
	return &Scheduler{
		opts:     opts,
		record:   record,
		source:   source,
		resumeCh: make(chan struct{}),
	}
}

func (s *Scheduler) log() zerolog.Logger {
	return s.opts.Log.With().Str("uploadId", s.record.ID).Logger()
}

func (s *Scheduler) publish(ev events.Event) {
	ev.UploadID = s.record.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(ev)
	}
}

// Run drives the record from its current status to a terminal one
// (Completed, Failed, or Cancelled), or returns ctx's error if the
// caller cancels first. It is safe to call Run again on a record left
// in Queued/Hashing/Probing/Uploading/Committing by a prior crash or
// explicit resume(), and it re-enters at the record's status: Queued
// and Hashing records start with hashing, Probing records re-run the
// probe, Uploading (and Paused, see below) records go straight to the
// chunk loop using their persisted uploaded indices without probing,
// and Committing records only retry the commit. Engine.Resume moves a
// Failed record to Probing first, so that path re-runs the probe
// (spec.md §7 propagation policy: "resumption re-runs probe").
func (s *Scheduler) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	plan, err := chunkplan.New(s.record.FileSize, s.record.ChunkSize)
	if err != nil {
		s.fail(ferrors.KindInvalidArgument, err.Error())
		return err
	}
	s.mu.Lock()
	s.plan = plan
	s.mu.Unlock()

	// A record loaded from disk in StatusPaused (process restarted
	// while paused, so there's no live Scheduler to call Resume on) is
	// treated the same as a fresh resume: Pause only ever persists the
	// Paused status from Uploading or Committing, so Uploading is the
	// correct re-entry point either way.
	if s.record.GetStatus() == queue.StatusPaused {
		s.record.SetStatus(queue.StatusUploading)
	}

	if s.record.GetStatus() == queue.StatusQueued || s.record.GetStatus() == queue.StatusHashing {
		if err := s.runHashing(ctx); err != nil {
			return err
		}
	}

	if s.record.GetStatus() == queue.StatusProbing {
		done, err := s.runProbing(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	if s.record.GetStatus() == queue.StatusUploading {
		if err := s.runUploading(ctx); err != nil {
			return err
		}
	}

	if s.record.GetStatus() == queue.StatusCommitting {
		return s.runCommitting(ctx)
	}

	return nil
}

// Pause cooperatively signals every in-flight and pending chunk
// goroutine to suspend (spec.md §4.5 "eventual to in-flight reads, at
// the next suspension point"). Progress already recorded is
// untouched.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	status := s.record.GetStatus()
	if status == queue.StatusUploading || status == queue.StatusCommitting {
		s.record.SetStatus(queue.StatusPaused)
		_ = s.opts.Queue.Flush(s.record)
	}
	s.publish(events.Event{Type: events.TypeUploadPaused})
}

// Resume releases every goroutine blocked in waitIfPaused.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	if s.record.GetStatus() == queue.StatusPaused {
		s.record.SetStatus(queue.StatusUploading)
	}
	close(s.resumeCh)
	s.resumeCh = make(chan struct{})
	s.publish(events.Event{Type: events.TypeUploadResumed})
}

// Cancel forcibly drops all in-flight work and marks the record
// Cancelled (spec.md §4.5, destructive unlike Pause).
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.record.ResetForCancel()
	_ = s.opts.Queue.Flush(s.record)
	if s.opts.ProbeEnabled {
		s.opts.Protocol.Abort(context.Background(), s.record.Fingerprint)
	}
	s.publish(events.Event{Type: events.TypeUploadCancelled})
}

// waitIfPaused blocks the calling goroutine while the scheduler is
// paused, waking immediately on resume or ctx cancellation.
func (s *Scheduler) waitIfPaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		paused := s.paused
		ch := s.resumeCh
		s.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) fail(kind ferrors.Kind, message string) {
	s.record.SetLastError(kind.String(), message)
	s.record.SetStatus(queue.StatusFailed)
	_ = s.opts.Queue.Flush(s.record)
	s.publish(events.Event{Type: events.TypeUploadFailed, ErrorKind: kind.String(), ErrorMessage: message})
}

// runHashing is step 1 of spec.md §4.5: acquire the source, run the
// digest service, obtain a fingerprint.
func (s *Scheduler) runHashing(ctx context.Context) error {
	s.record.SetStatus(queue.StatusHashing)
	s.opts.Queue.Persist(s.record)

	info, err := s.opts.Host.FileInfo(ctx, s.source)
	if err != nil {
		s.fail(ferrors.KindInvalidArgument, fmt.Sprintf("stat source: %v", err))
		return err
	}
	rc, err := s.opts.Host.OpenRange(ctx, s.source, 0, info.Size)
	if err != nil {
		s.fail(ferrors.KindInvalidArgument, fmt.Sprintf("open source: %v", err))
		return err
	}
	defer rc.Close()

	fp, err := digest.Stream(ctx, rc, info.Size, func(frac float64) {
		s.publish(events.Event{Type: events.TypeHashingProgress, Fraction: frac})
	}, s.log())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(ferrors.KindInvalidArgument, fmt.Sprintf("digest source: %v", err))
		return err
	}

	s.record.Fingerprint = string(fp)
	s.record.SetStatus(queue.StatusProbing)
	s.opts.Queue.Persist(s.record)
	return nil
}

// runProbing is step 2: ask the server what it already has. Returns
// done=true if the probe reports the file already exists server-side.
func (s *Scheduler) runProbing(ctx context.Context) (done bool, err error) {
	if !s.opts.ProbeEnabled {
		s.record.SetStatus(queue.StatusUploading)
		s.opts.Queue.Persist(s.record)
		return false, nil
	}

	info, statErr := s.opts.Host.FileInfo(ctx, s.source)
	if statErr != nil {
		s.fail(ferrors.KindInvalidArgument, fmt.Sprintf("stat source: %v", statErr))
		return false, statErr
	}

	result, probeErr := s.opts.Protocol.Probe(ctx, s.record.Fingerprint, s.record.FileName, info.Size, info.ContentType)
	if probeErr != nil {
		// Transport failures and non-2xx responses are already folded into
		// ProbeResult{Exists:false} by protocol.Client.Probe (spec.md §6.1:
		// "probe is advisory"), ctx cancellation included; an error here
		// means the request could not be built or a 2xx response body
		// could not be decoded, neither of which is retriable at this layer.
		s.fail(ferrors.KindOf(probeErr), probeErr.Error())
		return false, probeErr
	}

	if result.Exists {
		s.record.Complete(result.URL)
		_ = s.opts.Queue.Flush(s.record)
		s.publish(events.Event{Type: events.TypeProbed, ProbeExists: true, ProbeURL: result.URL})
		s.publish(events.Event{Type: events.TypeUploadCompleted, ResultURL: result.URL})
		return true, nil
	}

	for _, idx := range result.UploadedChunks {
		s.record.AddUploadedIndex(idx)
	}
	s.publish(events.Event{Type: events.TypeProbed, ProbeExists: false})
	s.record.SetStatus(queue.StatusUploading)
	s.opts.Queue.Persist(s.record)
	return false, nil
}

// runUploading is step 3: submit every remaining chunk to the gate and
// wait for all of them to either succeed or fail the whole upload.
func (s *Scheduler) runUploading(ctx context.Context) error {
	s.mu.Lock()
	plan := s.plan
	s.mu.Unlock()

	uploaded := s.record.UploadedIndexSet()
	remaining := plan.Remaining(uploaded)
	if len(remaining) == 0 {
		s.record.SetStatus(queue.StatusCommitting)
		s.opts.Queue.Persist(s.record)
		return nil
	}

	// A fresh Uploading phase (first run, or after resume() from Failed)
	// gets a clean retry budget for whatever didn't make it last time;
	// attempt_counts persist only within a single run's retry loop.
	for _, d := range remaining {
		s.record.ResetAttempt(d.Index)
	}

	var wg sync.WaitGroup
	failCh := make(chan error, len(remaining))
	for _, d := range remaining {
		wg.Add(1)
		go func(d chunkplan.Descriptor) {
			defer wg.Done()
			if err := s.uploadChunk(ctx, d); err != nil {
				select {
				case failCh <- err:
				default:
				}
			}
		}(d)
	}
	wg.Wait()
	close(failCh)

	if err, ok := <-failCh; ok {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.record.SetStatus(queue.StatusCommitting)
	s.opts.Queue.Persist(s.record)
	return nil
}

// uploadChunk drives one chunk index through (possibly several)
// attempts, each submitted to the gate separately so a backoff sleep
// releases its slot for other work and a retried attempt is
// resubmitted at elevated priority (spec.md §4.5 step 3e: "+1 per
// attempt, to drain retries before fresh work").
func (s *Scheduler) uploadChunk(ctx context.Context, d chunkplan.Descriptor) error {
	for {
		if err := s.waitIfPaused(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := s.record.IncrementAttempt(d.Index)
		priority := basePriority + attempt - 1

		handle := s.opts.Gate.Submit(ctx, priority, func(tctx context.Context) gate.Outcome {
			return s.attemptChunk(tctx, d)
		})
		outcome := handle.Wait()

		if outcome.Err == nil {
			s.record.ResetAttempt(d.Index)
			s.record.AddUploadedIndex(d.Index)
			s.opts.Queue.Persist(s.record)
			s.publish(events.Event{Type: events.TypeChunkSucceeded, ChunkIndex: d.Index})
			s.publishProgress()
			return nil
		}

		// A cancelled context means Cancel or a sibling chunk's failure
		// already settled the record's status; don't overwrite it.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := outcome.Kind
		if !s.opts.Retry.Retriable(kind, attempt) {
			s.publish(events.Event{Type: events.TypeChunkFailed, ChunkIndex: d.Index, ErrorKind: kind.String()})
			s.fail(kind, fmt.Sprintf("chunk %d: %v", d.Index, outcome.Err))
			if s.cancel != nil {
				s.cancel()
			}
			return outcome.Err
		}

		delay := s.opts.Retry.Delay(attempt)
		s.publish(events.Event{Type: events.TypeChunkRetried, ChunkIndex: d.Index, Attempt: attempt, BackoffFor: delay})
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) publishProgress() {
	total := 0
	s.mu.Lock()
	if s.plan != nil {
		total = s.plan.TotalChunks
	}
	s.mu.Unlock()
	if total == 0 {
		return
	}
	done := len(s.record.UploadedIndexSet())
	s.publish(events.Event{Type: events.TypeUploadProgress, Fraction: float64(done) / float64(total)})
}

// attemptChunk performs exactly one network attempt for d and is run
// inside the gate's own goroutine.
func (s *Scheduler) attemptChunk(ctx context.Context, d chunkplan.Descriptor) gate.Outcome {
	rc, err := s.opts.Host.OpenRange(ctx, s.source, d.Start, d.End)
	if err != nil {
		return gate.Outcome{Err: err, Kind: classifyLocalErr(err)}
	}
	defer rc.Close()

	status, err := s.opts.Protocol.UploadChunk(ctx, s.record.Fingerprint, d.Index, s.totalChunks(), rc)
	if err != nil {
		return gate.Outcome{Err: err, Kind: retry.Classify(err, status)}
	}
	return gate.Outcome{}
}

func (s *Scheduler) totalChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return 0
	}
	return s.plan.TotalChunks
}

func classifyLocalErr(err error) ferrors.Kind {
	return retry.Classify(err, 0)
}

// runCommitting is step 4: POST commit, retried as a single
// sequential operation via retry-go since (unlike the per-chunk loop)
// there is only ever one commit in flight and no priority-elevation
// concern — its DelayType still defers to retry.Policy for the exact
// jittered backoff math so both phases share one source of truth for
// timing (grounded on bucket-sailor-bucketeer's retry.Do usage).
func (s *Scheduler) runCommitting(ctx context.Context) error {
	var result *protocol.CommitResult
	attempt := 0

	err := retrygo.Do(
		func() error {
			attempt++
			res, status, err := s.opts.Protocol.Commit(ctx, s.record.Fingerprint, s.record.FileName, s.totalChunks())
			if err != nil {
				kind := retry.Classify(err, status)
				if !s.opts.Retry.Retriable(kind, attempt) {
					return retrygo.Unrecoverable(err)
				}
				return err
			}
			result = res
			return nil
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(s.opts.Retry.MaxAttempts)),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return s.opts.Retry.Delay(int(n) + 1)
		}),
		retrygo.LastErrorOnly(true),
		retrygo.OnRetry(func(n uint, err error) {
			s.publish(events.Event{Type: events.TypeChunkRetried, ChunkIndex: -1, Attempt: int(n) + 1})
			s.log().Warn().Err(err).Uint("attempt", n+1).Msg("commit retry")
		}),
	)
	if err != nil {
		s.fail(retry.Classify(err, 0), fmt.Sprintf("commit: %v", err))
		return err
	}

	s.record.Complete(result.URL)
	_ = s.opts.Queue.Flush(s.record)
	s.publish(events.Event{Type: events.TypeUploadCompleted, ResultURL: result.URL})
	return nil
}
