package video

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Library keeps one reader open per (experiment, chunk) until the experiment
// is released. Reads through one reader are serialized; different chunks are
// read concurrently. Opens run outside the library lock and concurrent opens
// of one chunk share a single decoder call.
type Library struct {
	decoder Decoder
	logger  *zap.Logger
	flight  singleflight.Group

	mu      sync.Mutex
	readers map[readerKey]*scopedReader
	closed  bool
}

type readerKey struct {
	experiment string
	path       string
}

type scopedReader struct {
	mu     sync.Mutex
	reader ChunkReader
}

// NewLibrary creates a library backed by decoder
func NewLibrary(decoder Decoder, logger *zap.Logger) *Library {
	return &Library{
		decoder: decoder,
		logger:  logger.With(zap.String("component", "video_library")),
		readers: make(map[readerKey]*scopedReader),
	}
}

// Frame returns the decoded frame at index from the chunk set of one camera
func (l *Library) Frame(ctx context.Context, experiment string, index ChunkIndex, frame int64) (*Frame, error) {
	chunk, offset, err := index.Locate(frame)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMissingVideoChunk, "frame not covered").
			WithDetail("experiment", experiment)
	}

	sr, err := l.acquire(ctx, readerKey{experiment: experiment, path: chunk.Path}, chunk)
	if err != nil {
		return nil, err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.reader.ReadFrame(ctx, offset)
}

func (l *Library) acquire(ctx context.Context, key readerKey, chunk Chunk) (*scopedReader, error) {
	if sr, err := l.lookup(key); sr != nil || err != nil {
		return sr, err
	}

	v, err, _ := l.flight.Do(key.experiment+"\x00"+key.path, func() (interface{}, error) {
		// a previous flight may have stored the reader since the lookup above
		if sr, err := l.lookup(key); sr != nil || err != nil {
			return sr, err
		}
		reader, err := l.decoder.Open(ctx, chunk)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMissingVideoChunk, "failed to open chunk").
				WithDetail("chunk", chunk.Path)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			_ = reader.Close()
			return nil, errors.New(errors.ErrorTypeInternal, "video library is closed")
		}
		sr := &scopedReader{reader: reader}
		l.readers[key] = sr
		l.logger.Debug("opened chunk",
			zap.String("experiment", key.experiment),
			zap.String("chunk", chunk.Path))
		return sr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*scopedReader), nil
}

func (l *Library) lookup(key readerKey) (*scopedReader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New(errors.ErrorTypeInternal, "video library is closed")
	}
	return l.readers[key], nil
}

// Open returns the number of readers currently held
func (l *Library) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.readers)
}

// ReleaseExperiment closes every reader opened for experiment
func (l *Library) ReleaseExperiment(experiment string) error {
	l.mu.Lock()
	var toClose []*scopedReader
	for key, sr := range l.readers {
		if key.experiment == experiment {
			toClose = append(toClose, sr)
			delete(l.readers, key)
		}
	}
	l.mu.Unlock()

	var firstErr error
	for _, sr := range toClose {
		sr.mu.Lock()
		if err := sr.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		sr.mu.Unlock()
	}
	if len(toClose) > 0 {
		l.logger.Debug("released experiment readers",
			zap.String("experiment", experiment),
			zap.Int("readers", len(toClose)))
	}
	return firstErr
}

// Close releases every reader; later Frame calls fail
func (l *Library) Close() error {
	l.mu.Lock()
	readers := l.readers
	l.readers = make(map[readerKey]*scopedReader)
	l.closed = true
	l.mu.Unlock()

	var firstErr error
	for _, sr := range readers {
		sr.mu.Lock()
		if err := sr.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		sr.mu.Unlock()
	}
	return firstErr
}
