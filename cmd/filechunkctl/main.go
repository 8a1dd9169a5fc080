// Command filechunkctl drives an engine.Engine from the command line,
// for manual and integration exercise of the whole resumable-upload
// stack against a real spec.md §6.1 server. Grounded on
// totokunaga-binary-uploader's cli/internal/usecase/upload.go (flags
// for concurrency/retries/chunk size feeding a single upload usecase)
// and the pack's numerous cobra-based upload-tool manifests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filechunkpro/engine/engine"
	"github.com/filechunkpro/engine/events"
	"github.com/filechunkpro/engine/host"
	"github.com/filechunkpro/engine/internal/logging"
	"github.com/filechunkpro/engine/queue"
)

var log = logging.For("cli")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "filechunkctl",
		Short: "Drive a resumable chunked upload engine against an HTTP endpoint",
	}
	root.AddCommand(newUploadCmd())
	return root
}

func newUploadCmd() *cobra.Command {
	var (
		baseURL      string
		chunkSize    int64
		concurrency  int
		maxAttempts  int
		queuePath    string
		probeEnabled bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file, resuming any previously queued attempt with the same content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]

			cfg := engine.DefaultConfig()
			if chunkSize > 0 {
				cfg.ChunkSize = chunkSize
			}
			if concurrency > 0 {
				cfg.MaxConcurrentUploads = concurrency
			}
			if maxAttempts > 0 {
				cfg.Retry.MaxAttempts = maxAttempts
			}
			cfg.ProbeEnabled = probeEnabled
			cfg.Queue.Path = queuePath

			eng, err := engine.New(cfg, baseURL, host.NewOSFile(), log)
			if err != nil {
				return fmt.Errorf("construct engine: %w", err)
			}

			done := make(chan struct{})
			eng.Subscribe(func(ev events.Event) {
				logEvent(ev)
				switch ev.Type {
				case events.TypeUploadCompleted, events.TypeUploadFailed, events.TypeUploadCancelled:
					close(done)
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := eng.Enqueue(ctx, source)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", source, err)
			}
			fmt.Printf("enqueued upload %s\n", id)

			select {
			case <-done:
			case <-ctx.Done():
				fmt.Println("interrupted, pausing upload for later resume")
				_ = eng.Pause(id)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eng.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}

			rec, err := eng.Status(id)
			if err != nil {
				return err
			}
			return statusToErr(rec)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "base URL of the upload server implementing the check/chunk/merge/abort contract")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "chunk size in bytes (0 uses the engine default)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent uploads (0 uses the engine default)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "max attempts per chunk before failing (0 uses the engine default)")
	cmd.Flags().StringVar(&queuePath, "queue-path", "filechunkctl.db", "path to the persistent queue database")
	cmd.Flags().BoolVar(&probeEnabled, "probe", true, "probe the server for an existing upload before sending chunks")

	return cmd
}

func logEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeUploadProgress:
		fmt.Printf("progress: %.1f%%\n", ev.Fraction*100)
	case events.TypeChunkRetried:
		fmt.Printf("retrying chunk %d (attempt %d, backoff %s)\n", ev.ChunkIndex, ev.Attempt, ev.BackoffFor)
	case events.TypeUploadCompleted:
		fmt.Printf("completed: %s\n", ev.ResultURL)
	case events.TypeUploadFailed:
		fmt.Printf("failed: %s: %s\n", ev.ErrorKind, ev.ErrorMessage)
	case events.TypeUploadCancelled:
		fmt.Println("cancelled")
	}
}

func statusToErr(rec queue.Record) error {
	if rec.Status == queue.StatusFailed && rec.LastErr != nil {
		return fmt.Errorf("upload failed: %s: %s", rec.LastErr.Kind, rec.LastErr.Message)
	}
	return nil
}
