// Package digest streams a file through a content-hash accumulator to
// produce the Fingerprint used for deduplication and resumption
// (spec.md §3, §4.2, C3). The teacher's sha1-over-io.TeeReader shape
// (b2/buffer.go's hashReader, b2/writer.go's meteredReader) is kept; the
// hash function is upgraded to BLAKE3, truncated to a 128-bit fingerprint
// as spec.md §3 allows ("a 128-bit digest is sufficient").
package digest

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/filechunkpro/engine/ferrors"
)

// fingerprintSize is 128 bits, the minimum spec.md §3 calls sufficient.
const fingerprintSize = 16

// Fingerprint is the stable, lowercase-hex content identity of a file.
type Fingerprint string

// ProgressFunc receives fractional progress in [0, 1]. The digest service
// calls it at most once per percentage point changed (spec.md §4.2).
type ProgressFunc func(fraction float64)

// blockSize is a small multiple of a typical OS page size, matching
// spec.md §4.2's "typically a small multiple of the OS page size".
const blockSize = 256 * 1024

// Stream reads r sequentially until EOF, feeding blockSize blocks to a
// BLAKE3 accumulator, and returns the resulting Fingerprint. size is the
// expected total length, used only to compute progress fractions; it may
// be zero, in which case progress is never emitted. Cancellation is
// observed at each block boundary, matching the "cooperative" contract
// of spec.md §4.2 and §5.
func Stream(ctx context.Context, r io.Reader, size int64, progress ProgressFunc, log zerolog.Logger) (Fingerprint, error) {
	h := blake3.New(fingerprintSize, nil)
	buf := make([]byte, blockSize)

	var read int64
	lastPct := -1

	for {
		select {
		case <-ctx.Done():
			return "", ferrors.Wrap(ferrors.KindCancelled, "digest cancelled", ctx.Err())
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", ferrors.Wrap(ferrors.KindTransportNetwork, "digest accumulator write failed", werr)
			}
			read += int64(n)
			if progress != nil && size > 0 {
				pct := int(float64(read) / float64(size) * 100)
				if pct != lastPct {
					lastPct = pct
					progress(float64(read) / float64(size))
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Debug().Err(err).Msg("digest: read failed")
			return "", ferrors.Wrap(ferrors.KindTransportNetwork, "digest read failed", err)
		}
	}

	sum := h.Sum(nil)
	return Fingerprint(hex.EncodeToString(sum)), nil
}
