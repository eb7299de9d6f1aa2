// Package video provides frame access for chunked camera recordings.
//
// A recording is split into chunks, each covering a contiguous range of frame
// indices. ChunkIndex maps a frame index to the chunk holding it; Decoder
// opens chunks; Library keeps readers open while an experiment's frames are
// being consumed.
package video

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Chunk is one file (or directory of stills) covering frames [Start, End)
type Chunk struct {
	Path  string `yaml:"path" json:"path"`
	Start int64  `yaml:"start" json:"start"`
	End   int64  `yaml:"end" json:"end"`
}

// Contains reports whether frame lies in the chunk
func (c Chunk) Contains(frame int64) bool {
	return frame >= c.Start && frame < c.End
}

// ChunkIndex is an ordered, non-overlapping set of chunks
type ChunkIndex struct {
	chunks []Chunk
}

// NewChunkIndex sorts chunks by start frame and rejects empty or overlapping ranges
func NewChunkIndex(chunks []Chunk) (ChunkIndex, error) {
	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, c := range sorted {
		if c.End <= c.Start {
			return ChunkIndex{}, errors.Newf(errors.ErrorTypeValidation,
				"chunk %s has empty range [%d, %d)", c.Path, c.Start, c.End)
		}
		if i > 0 && c.Start < sorted[i-1].End {
			return ChunkIndex{}, errors.Newf(errors.ErrorTypeValidation,
				"chunk %s overlaps %s", c.Path, sorted[i-1].Path)
		}
	}
	return ChunkIndex{chunks: sorted}, nil
}

// ScanChunks builds an index from a camera directory whose entries are named
// by their first frame index ("0", "3500.mp4", ...). Each chunk ends where the
// next begins; the last one spans chunkSize frames.
func ScanChunks(dir string, chunkSize int64) (ChunkIndex, error) {
	if chunkSize <= 0 {
		return ChunkIndex{}, errors.Newf(errors.ErrorTypeValidation, "chunk size must be positive, got %d", chunkSize)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ChunkIndex{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to list video chunks").
			WithDetail("dir", dir)
	}

	type named struct {
		path  string
		start int64
	}
	var found []named
	for _, e := range entries {
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		start, err := strconv.ParseInt(base, 10, 64)
		if err != nil || start < 0 {
			continue
		}
		found = append(found, named{path: filepath.Join(dir, e.Name()), start: start})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	chunks := make([]Chunk, len(found))
	for i, f := range found {
		end := f.start + chunkSize
		if i+1 < len(found) && found[i+1].start < end {
			end = found[i+1].start
		}
		chunks[i] = Chunk{Path: f.path, Start: f.start, End: end}
	}
	return NewChunkIndex(chunks)
}

// Locate returns the chunk holding frame and the frame's offset inside it
func (ix ChunkIndex) Locate(frame int64) (Chunk, int64, error) {
	i := sort.Search(len(ix.chunks), func(i int) bool { return ix.chunks[i].End > frame })
	if i < len(ix.chunks) && ix.chunks[i].Contains(frame) {
		return ix.chunks[i], frame - ix.chunks[i].Start, nil
	}
	return Chunk{}, 0, errors.Newf(errors.ErrorTypeMissingVideoChunk, "no chunk covers frame %d", frame).
		WithDetail("frame", frame)
}

// Chunks returns a copy of the ordered chunk list
func (ix ChunkIndex) Chunks() []Chunk {
	return append([]Chunk(nil), ix.chunks...)
}

// Len returns the number of chunks
func (ix ChunkIndex) Len() int {
	return len(ix.chunks)
}
