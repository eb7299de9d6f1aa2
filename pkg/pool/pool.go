// Package pool provides typed object pooling on top of sync.Pool.
//
// Volume encoding and decoding churn through large float and byte buffers;
// pooling them keeps cache generation from thrashing the garbage collector.
//
// Example usage:
//
//	bufs := pool.NewBufferPool()
//	b := bufs.Get(4 * n)
//	defer bufs.Put(b)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a type-safe wrapper around sync.Pool with usage statistics.
// Pointer types avoid an allocation on Put.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
	}
}

// New creates a pool. reset, if non-nil, runs before an object is returned
// to the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get takes an object from the pool, creating one if it is empty
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.gets, 1)
	atomic.AddInt64(&p.stats.inUse, 1)
	return p.pool.Get().(T)
}

// Put returns obj to the pool
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns the number of objects created, currently checked out, and
// Get calls served without creating a new object.
func (p *Pool[T]) Stats() (allocated, inUse, hits int64) {
	allocated = atomic.LoadInt64(&p.stats.allocated)
	gets := atomic.LoadInt64(&p.stats.gets)
	return allocated, atomic.LoadInt64(&p.stats.inUse), max(gets-allocated, 0)
}

// bufferSizes are the bucket capacities, 4KB to 64MB by powers of four
var bufferSizes = []int{
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
	1 << 20,
	4 << 20,
	16 << 20,
	64 << 20,
}

// BufferPool pools byte slices in size buckets
type BufferPool struct {
	pools []*Pool[*[]byte]
	sizes []int
}

// NewBufferPool creates a buffer pool. Requests above the largest bucket
// are allocated directly.
func NewBufferPool() *BufferPool {
	pools := make([]*Pool[*[]byte], len(bufferSizes))
	for i, size := range bufferSizes {
		pools[i] = New(func() *[]byte {
			b := make([]byte, size)
			return &b
		}, nil)
	}
	return &BufferPool{pools: pools, sizes: bufferSizes}
}

// Get returns a slice of length size from the smallest bucket that fits.
// Contents are not zeroed.
func (p *BufferPool) Get(size int) []byte {
	for i, s := range p.sizes {
		if s >= size {
			b := p.pools[i].Get()
			return (*b)[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its bucket. Slices not obtained from Get are dropped.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	for i, s := range p.sizes {
		if s == c {
			buf = buf[:c]
			p.pools[i].Put(&buf)
			return
		}
	}
}
