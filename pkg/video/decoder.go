package video

import (
	"context"
	"image"
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// ChunkReader reads frames of one open chunk by offset from the chunk start
type ChunkReader interface {
	ReadFrame(ctx context.Context, offset int64) (*Frame, error)
	Close() error
}

// Decoder opens chunks for reading
type Decoder interface {
	Open(ctx context.Context, chunk Chunk) (ChunkReader, error)
}

var stillExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// ImageSequenceDecoder treats each chunk path as a directory of still frames.
// Files are ordered by name; offset i is the i-th file.
type ImageSequenceDecoder struct {
	// Channels is 1 for grayscale or 3 for RGB
	Channels int
}

// Open lists the chunk directory
func (d ImageSequenceDecoder) Open(ctx context.Context, chunk Chunk) (ChunkReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(chunk.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMissingVideoChunk, "failed to open chunk").
			WithDetail("chunk", chunk.Path)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !stillExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(chunk.Path, e.Name()))
	}
	sort.Strings(files)

	channels := d.Channels
	if channels == 0 {
		channels = 3
	}
	return &sequenceReader{chunk: chunk, files: files, channels: channels}, nil
}

type sequenceReader struct {
	chunk    Chunk
	files    []string
	channels int
}

func (r *sequenceReader) ReadFrame(ctx context.Context, offset int64) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(len(r.files)) {
		return nil, errors.Newf(errors.ErrorTypeMissingVideoChunk,
			"chunk %s has %d frames, offset %d requested", r.chunk.Path, len(r.files), offset)
	}

	f, err := os.Open(r.files[offset])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMissingVideoChunk, "failed to open frame").
			WithDetail("file", r.files[offset])
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMissingVideoChunk, "failed to decode frame").
			WithDetail("file", r.files[offset])
	}
	return FrameFromImage(img, r.channels)
}

func (r *sequenceReader) Close() error {
	return nil
}

// MemorySource serves frames from memory, keyed by chunk path
type MemorySource struct {
	mu     sync.RWMutex
	frames map[string][]*Frame
	opened map[string]int
}

// NewMemorySource creates an empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		frames: make(map[string][]*Frame),
		opened: make(map[string]int),
	}
}

// Add registers the frames of a chunk
func (m *MemorySource) Add(path string, frames []*Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[path] = frames
}

// Opens returns how many times a chunk was opened
func (m *MemorySource) Opens(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opened[path]
}

// Open implements Decoder
func (m *MemorySource) Open(ctx context.Context, chunk Chunk) (ChunkReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	frames, ok := m.frames[chunk.Path]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeMissingVideoChunk, "chunk %s not registered", chunk.Path)
	}
	m.opened[chunk.Path]++
	return memoryReader{path: chunk.Path, frames: frames}, nil
}

type memoryReader struct {
	path   string
	frames []*Frame
}

func (r memoryReader) ReadFrame(_ context.Context, offset int64) (*Frame, error) {
	if offset < 0 || offset >= int64(len(r.frames)) {
		return nil, errors.Newf(errors.ErrorTypeMissingVideoChunk,
			"chunk %s has %d frames, offset %d requested", r.path, len(r.frames), offset)
	}
	return r.frames[offset], nil
}

func (r memoryReader) Close() error {
	return nil
}
