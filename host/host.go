// Package host defines the capability interface the core consumes from
// its embedding host (spec.md §6.3, C1) and supplies a real OS-file
// implementation used by the CLI and integration tests. Browser/mini
// program/native-mobile host adapters are out of scope (spec.md §1) and
// implement the same Capability interface outside this module.
package host

import (
	"context"
	"io"
	"time"
)

// FileInfo describes the source file being uploaded.
type FileInfo struct {
	Name         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ProgressFunc reports fractional progress in [0, 1].
type ProgressFunc func(fraction float64)

// Capability is the small surface the core needs from its host
// (spec.md §6.3): opening byte ranges and basic file metadata. Content
// digests are computed by the digest package over a reader obtained from
// OpenRange, so there is no digest method here. HTTP transport is
// handled by the protocol package directly against net/http, which every Go host provides natively, so
// it is not part of this interface.
type Capability interface {
	// OpenRange returns a reader over [start, end) of source. The
	// caller closes it when done.
	OpenRange(ctx context.Context, source string, start, end int64) (io.ReadCloser, error)

	// FileInfo returns metadata about source.
	FileInfo(ctx context.Context, source string) (FileInfo, error)
}

// OSFile is the reference Capability backed by the local filesystem,
// grounded on the teacher's fileBuffer/fr wrapper (b2/buffer.go), which
// wraps *os.File so callers don't see an io.Closer where they expect a
// plain io.ReadSeeker.
type OSFile struct{}

// NewOSFile constructs the reference os.File-backed capability.
func NewOSFile() *OSFile { return &OSFile{} }
