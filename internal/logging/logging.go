// Package logging provides per-component loggers, replacing the
// teacher's internal/blog leveled-verbosity logger (b2 imports
// "github.com/kurin/blazer/internal/blog") with zerolog's structured
// sub-logger idiom, following Auriora-OneMount's pkg/logging scoping.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	root = zerolog.New(defaultWriter()).With().Timestamp().Logger()
)

func defaultWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
}

// SetOutput redirects every future For() logger's underlying writer.
// Intended for tests and for hosts that want structured JSON instead of
// the default console writer.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(w).With().Timestamp().Logger()
}

// For returns a logger scoped to a named component (e.g. "scheduler",
// "gate", "queue"), mirroring Auriora-OneMount's per-subsystem loggers.
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", component).Logger()
}
