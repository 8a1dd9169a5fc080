package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/filechunkpro/engine/events"
	"github.com/filechunkpro/engine/gate"
	"github.com/filechunkpro/engine/host"
	"github.com/filechunkpro/engine/protocol"
	"github.com/filechunkpro/engine/queue"
	"github.com/filechunkpro/engine/retry"
)

func discardLogger() zerolog.Logger { return zerolog.Nop() }

func contextBackground() context.Context { return context.Background() }

type fakeServer struct {
	mu             sync.Mutex
	chunks         map[int]bool
	total          int
	failChunkOnce  map[int]bool
	committed      bool
	probeUploaded  []int
	probeExists    bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{chunks: map[int]bool{}, failChunkOnce: map[int]bool{}}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.probeExists {
			json.NewEncoder(w).Encode(map[string]any{"exists": true, "url": "https://example.com/done"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"exists": false, "uploadedChunks": f.probeUploaded})
	})
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(10 << 20)
		i, err := strconv.Atoi(r.FormValue("index"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failChunkOnce[i] {
			delete(f.failChunkOnce, i)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.chunks[i] = true
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/merge", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.committed = true
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"url": "https://example.com/result"})
	})
	mux.HandleFunc("/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestScheduler(t *testing.T, srv *httptest.Server, q *queue.Queue, record *queue.Record, source string) *Scheduler {
	t.Helper()
	g := gate.New(gate.Config{MinParallelism: 1, MaxParallelism: 4, InitialParallelism: 4}, discardLogger())
	t.Cleanup(g.Close)

	opts := Options{
		Host:         host.NewOSFile(),
		Protocol:     protocol.New(srv.URL, discardLogger()),
		Gate:         g,
		Retry:        retry.Default(),
		Queue:        q,
		Bus:          &events.Bus{},
		Log:          discardLogger(),
		ProbeEnabled: true,
	}
	return New(opts, record, source)
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSchedulerFreshUploadCompletes(t *testing.T) {
	srv := httptest.NewServer(newFakeServer().handler())
	defer srv.Close()

	content := "0123456789abcdef"
	path := writeTempFile(t, content)

	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, discardLogger())
	require.NoError(t, err)
	defer q.Close()
	record, err := q.Enqueue("", "upload.bin", int64(len(content)), "application/octet-stream", 4, "src")
	require.NoError(t, err)

	sched := newTestScheduler(t, srv, q, record, path)

	err = sched.Run(contextBackground())
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, record.GetStatus())
	require.Equal(t, "https://example.com/result", record.ResultURL)
}

func TestSchedulerDeduplicatesOnExistingFile(t *testing.T) {
	fs := newFakeServer()
	fs.probeExists = true
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	path := writeTempFile(t, "hello world")
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, discardLogger())
	require.NoError(t, err)
	defer q.Close()
	record, err := q.Enqueue("", "hello.bin", 11, "application/octet-stream", 4, "src")
	require.NoError(t, err)

	sched := newTestScheduler(t, srv, q, record, path)

	err = sched.Run(contextBackground())
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, record.GetStatus())
	require.Equal(t, "https://example.com/done", record.ResultURL)
}

func TestSchedulerResumesFromProbedIndices(t *testing.T) {
	fs := newFakeServer()
	fs.probeUploaded = []int{0}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	content := "0123456789abcdef"
	path := writeTempFile(t, content)
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, discardLogger())
	require.NoError(t, err)
	defer q.Close()
	record, err := q.Enqueue("", "upload.bin", int64(len(content)), "application/octet-stream", 4, "src")
	require.NoError(t, err)

	sched := newTestScheduler(t, srv, q, record, path)

	require.NoError(t, sched.Run(contextBackground()))
	require.Equal(t, queue.StatusCompleted, record.GetStatus())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.True(t, fs.committed)
	// 16 bytes / 4 -> chunks 0..3; chunk 0 was reported by the probe.
	require.Equal(t, map[int]bool{1: true, 2: true, 3: true}, fs.chunks)
}

func TestSchedulerRetriesTransientChunkFailure(t *testing.T) {
	fs := newFakeServer()
	fs.failChunkOnce[1] = true
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	content := "0123456789abcdef"
	path := writeTempFile(t, content)
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, discardLogger())
	require.NoError(t, err)
	defer q.Close()
	record, err := q.Enqueue("", "upload.bin", int64(len(content)), "application/octet-stream", 4, "src")
	require.NoError(t, err)

	sched := newTestScheduler(t, srv, q, record, path)
	sched.opts.Retry = retry.Policy{BaseDelay: time.Millisecond, Backoff: 1, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3}

	require.NoError(t, sched.Run(contextBackground()))
	require.Equal(t, queue.StatusCompleted, record.GetStatus())
}
