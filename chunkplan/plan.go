// Package chunkplan computes the deterministic byte-range decomposition
// of a file (spec.md §3, §4.1, C2). It is a pure function package: no
// I/O, no clocks, no randomness, so the same (fileSize, chunkSize) pair
// always yields a byte-identical plan across runs and restarts.
package chunkplan

import "github.com/filechunkpro/engine/ferrors"

// Descriptor is one chunk's byte range within a file.
type Descriptor struct {
	Index  int
	Start  int64
	End    int64
	Length int64
}

// Plan is the full ordered decomposition of a file into chunks.
type Plan struct {
	FileSize    int64
	ChunkSize   int64
	TotalChunks int
	Descriptors []Descriptor
}

// New computes the plan for a file of fileSize bytes split into chunks of
// at most chunkSize bytes. A zero-byte file yields exactly one
// zero-length descriptor (the "one empty chunk" policy documented in
// SPEC_FULL.md §4 and spec.md §4.1/§9 — both probe and commit treat it
// like any other single-chunk upload).
func New(fileSize, chunkSize int64) (*Plan, error) {
	if chunkSize <= 0 {
		return nil, ferrors.New(ferrors.KindInvalidArgument, "chunk size must be positive")
	}
	if fileSize < 0 {
		return nil, ferrors.New(ferrors.KindInvalidArgument, "file size must be non-negative")
	}

	if fileSize == 0 {
		return &Plan{
			FileSize:    0,
			ChunkSize:   chunkSize,
			TotalChunks: 1,
			Descriptors: []Descriptor{{Index: 0, Start: 0, End: 0, Length: 0}},
		}, nil
	}

	total := int((fileSize + chunkSize - 1) / chunkSize)
	descriptors := make([]Descriptor, total)
	for i := 0; i < total; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		descriptors[i] = Descriptor{
			Index:  i,
			Start:  start,
			End:    end,
			Length: end - start,
		}
	}

	return &Plan{
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Descriptors: descriptors,
	}, nil
}

// Remaining returns the descriptors whose index is not present in done.
func (p *Plan) Remaining(done map[int]struct{}) []Descriptor {
	n := len(p.Descriptors) - len(done)
	if n < 0 {
		n = 0
	}
	out := make([]Descriptor, 0, n)
	for _, d := range p.Descriptors {
		if _, ok := done[d.Index]; !ok {
			out = append(out, d)
		}
	}
	return out
}

// AllIndices returns the full {0..N-1} index set as a set.
func (p *Plan) AllIndices() map[int]struct{} {
	set := make(map[int]struct{}, p.TotalChunks)
	for i := 0; i < p.TotalChunks; i++ {
		set[i] = struct{}{}
	}
	return set
}
