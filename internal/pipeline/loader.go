package pipeline

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/ajitpratap0/posevol/internal/cache"
	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Fetcher returns the arrays of ids in order. Samples that cannot be
// produced are left out of the result.
type Fetcher interface {
	Fetch(ctx context.Context, ids []sample.ID) (*volume.Arrays, error)
}

// CacheFetcher reads batches from a generated cache
type CacheFetcher struct {
	Manager *cache.Manager
	Aux     bool
	Logger  *zap.Logger
}

// Fetch implements Fetcher
func (f CacheFetcher) Fetch(ctx context.Context, ids []sample.ID) (*volume.Arrays, error) {
	arr, excluded, err := f.Manager.Load(ctx, ids, f.Aux)
	if err != nil {
		return nil, err
	}
	for _, ex := range excluded {
		if f.Logger != nil {
			f.Logger.Warn("sample unavailable in cache", zap.Stringer("sample", ex.ID), zap.Error(ex.Err))
		}
	}
	return arr, nil
}

// MemoryFetcher slices batches out of arrays assembled in memory
type MemoryFetcher struct {
	Arrays *volume.Arrays
}

// Fetch implements Fetcher
func (f MemoryFetcher) Fetch(ctx context.Context, ids []sample.ID) (*volume.Arrays, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Arrays.Select(ids)
}

// Loader delivers one split batch by batch. Nothing is read until Next is
// called. With temporal chunks each batch is one chunk, in chunk order.
type Loader struct {
	fetcher Fetcher
	batches [][]sample.ID
	pos     int
}

// NewLoader batches ids by batchSize, or delivers chunks as batches when
// chunks is non-empty. A batchSize of 0 or less delivers everything at once.
func NewLoader(fetcher Fetcher, ids []sample.ID, chunks [][]sample.ID, batchSize int) *Loader {
	l := &Loader{fetcher: fetcher}
	switch {
	case len(chunks) > 0:
		l.batches = chunks
	case batchSize <= 0 || batchSize >= len(ids):
		if len(ids) > 0 {
			l.batches = [][]sample.ID{ids}
		}
	default:
		for start := 0; start < len(ids); start += batchSize {
			end := min(start+batchSize, len(ids))
			l.batches = append(l.batches, ids[start:end])
		}
	}
	return l
}

// Len returns the number of batches
func (l *Loader) Len() int {
	return len(l.batches)
}

// Batches returns the ids of every batch in delivery order
func (l *Loader) Batches() [][]sample.ID {
	return l.batches
}

// Next returns the next batch, or io.EOF after the last one
func (l *Loader) Next(ctx context.Context) (*volume.Arrays, error) {
	if l.pos >= len(l.batches) {
		return nil, io.EOF
	}
	arr, err := l.fetcher.Fetch(ctx, l.batches[l.pos])
	if err != nil {
		return nil, err
	}
	l.pos++
	return arr, nil
}

// Reset rewinds the loader to the first batch
func (l *Loader) Reset() {
	l.pos = 0
}
