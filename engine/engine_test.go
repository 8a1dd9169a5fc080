package engine

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
	"github.com/filechunkpro/engine/queue"
	"github.com/filechunkpro/engine/retry"
)

type fakeServer struct {
	mu              sync.Mutex
	chunkPOSTs      []int
	commits         int
	probeExists     bool
	probeURL        string
	probeUploaded   []int
	failChunkNTimes map[int]int
	chunkDelay      time.Duration
}

func newFakeServer() *fakeServer {
	return &fakeServer{failChunkNTimes: map[int]int{}}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.probeExists {
			json.NewEncoder(w).Encode(map[string]any{"exists": true, "url": f.probeURL})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"exists": false, "uploadedChunks": f.probeUploaded})
	})
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		if f.chunkDelay > 0 {
			time.Sleep(f.chunkDelay)
		}
		r.ParseMultipartForm(10 << 20)
		idx, err := strconv.Atoi(r.FormValue("index"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failChunkNTimes[idx] > 0 {
			f.failChunkNTimes[idx]--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.chunkPOSTs = append(f.chunkPOSTs, idx)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/merge", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.commits++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"url": "https://example.com/merged"})
	})
	mux.HandleFunc("/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func discardLogger() zerolog.Logger { return zerolog.Nop() }

func newTestEngine(t *testing.T, baseURL string, cfg Config) *Engine {
	t.Helper()
	cfg.Queue.Path = filepath.Join(t.TempDir(), "queue.db")
	e, err := New(cfg, baseURL, host.NewOSFile(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func waitForStatus(t *testing.T, e *Engine, id string, want queue.Status, timeout time.Duration) queue.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := e.Status(id)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("upload %s did not reach status %s in time", id, want)
	return queue.Record{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 4
	cfg.Gate = gate.Config{MinParallelism: 1, MaxParallelism: 4, InitialParallelism: 4}
	cfg.Retry = retry.Policy{BaseDelay: time.Millisecond, Backoff: 1, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}
	return cfg
}

func TestEngineFreshUploadScenario(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	e := newTestEngine(t, srv.URL, testConfig())
	path := writeTempFile(t, "0123456789") // 10 bytes, chunk_size 4 -> 3 chunks

	var completed []events.Event
	var mu sync.Mutex
	e.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeUploadCompleted {
			mu.Lock()
			completed = append(completed, ev)
			mu.Unlock()
		}
	})

	id, err := e.Enqueue(context.Background(), path)
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, queue.StatusCompleted, 2*time.Second)
	require.Equal(t, "https://example.com/merged", rec.ResultURL)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.chunkPOSTs, 3)
	require.Equal(t, 1, fs.commits)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
}

func TestEngineDeduplicatedFile(t *testing.T) {
	fs := newFakeServer()
	fs.probeExists = true
	fs.probeURL = "https://example.com/existing"
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	e := newTestEngine(t, srv.URL, testConfig())
	path := writeTempFile(t, "this content already exists on the server")

	id, err := e.Enqueue(context.Background(), path)
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, queue.StatusCompleted, 2*time.Second)
	require.Equal(t, "https://example.com/existing", rec.ResultURL)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Empty(t, fs.chunkPOSTs)
	require.Equal(t, 0, fs.commits)
}

func TestEngineResumeAfterPartialUpload(t *testing.T) {
	fs := newFakeServer()
	fs.probeUploaded = []int{0, 2}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	e := newTestEngine(t, srv.URL, testConfig())
	path := writeTempFile(t, "0123456789AB") // 12 bytes, chunk_size 4 -> 3 chunks

	id, err := e.Enqueue(context.Background(), path)
	require.NoError(t, err)

	waitForStatus(t, e, id, queue.StatusCompleted, 2*time.Second)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, []int{1}, fs.chunkPOSTs)
}

func TestEngineExhaustedRetriesThenResume(t *testing.T) {
	fs := newFakeServer()
	fs.failChunkNTimes[0] = 2
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	e := newTestEngine(t, srv.URL, cfg)
	path := writeTempFile(t, "01234567") // 8 bytes, chunk_size 4 -> 2 chunks

	id, err := e.Enqueue(context.Background(), path)
	require.NoError(t, err)

	rec := waitForStatus(t, e, id, queue.StatusFailed, 2*time.Second)
	require.Equal(t, "ServerTransient", rec.LastErr.Kind)

	require.NoError(t, e.Resume(id))
	waitForStatus(t, e, id, queue.StatusCompleted, 2*time.Second)
}

func TestEngineRehydratesNonTerminalRecordOnRestart(t *testing.T) {
	fs := newFakeServer()
	fs.chunkDelay = 100 * time.Millisecond
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	cfg := testConfig()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	cfg.Queue.Path = dbPath

	e1, err := New(cfg, srv.URL, host.NewOSFile(), discardLogger())
	require.NoError(t, err)

	path := writeTempFile(t, "0123456789AB") // 12 bytes, chunk_size 4 -> 3 chunks
	id, err := e1.Enqueue(context.Background(), path)
	require.NoError(t, err)

	// Kill the engine mid-upload without a graceful Shutdown, simulating
	// a crash: the record is left non-terminal with its chunk loop
	// abandoned, same as a process that was signal-killed.
	e1.gate.Close()
	require.NoError(t, e1.queue.Close())

	e2, err := New(cfg, srv.URL, host.NewOSFile(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e2.Shutdown(ctx)
	})

	rec := waitForStatus(t, e2, id, queue.StatusCompleted, 2*time.Second)
	require.Equal(t, "https://example.com/merged", rec.ResultURL)
}

func TestEngineBackPressureRejectsPastWatermark(t *testing.T) {
	fs := newFakeServer()
	fs.chunkDelay = 200 * time.Millisecond
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxQueueLength = 2
	cfg.MaxConcurrentUploads = 2
	e := newTestEngine(t, srv.URL, cfg)

	path1 := writeTempFile(t, "aaaa")
	path2 := writeTempFile(t, "bbbb")
	path3 := writeTempFile(t, "cccc")

	_, err := e.Enqueue(context.Background(), path1)
	require.NoError(t, err)
	_, err = e.Enqueue(context.Background(), path2)
	require.NoError(t, err)
	_, err = e.Enqueue(context.Background(), path3)
	require.ErrorIs(t, err, ErrQueueFull)
}
