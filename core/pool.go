package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BoundedPool is a fixed-capacity free list guarded by a mutex. Unlike
// sync.Pool its contents are never cleared by the garbage collector, and it
// never holds more than its capacity: items put back into a full pool are
// dropped.
type BoundedPool[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	newFunc  func() T
	reset    func(T)

	// Metrics
	hits    atomic.Uint64 // Number of times an item was served from the free list.
	misses  atomic.Uint64 // Number of times the free list was empty.
	dropped atomic.Uint64 // Number of items discarded because the pool was full.
}

// NewBoundedPool creates a pool holding at most capacity idle items. The pool
// is pre-warmed with capacity items built by newFunc. reset, when non-nil, is
// applied to every item handed back through Put.
func NewBoundedPool[T any](capacity int, newFunc func() T, reset func(T)) *BoundedPool[T] {
	if capacity < 0 {
		capacity = 0
	}
	p := &BoundedPool[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		newFunc:  newFunc,
		reset:    reset,
	}
	for i := 0; i < capacity; i++ {
		p.items = append(p.items, newFunc())
	}
	return p
}

// Get retrieves an item from the pool, building a new one if the pool is empty.
func (p *BoundedPool[T]) Get() T {
	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		p.misses.Add(1)
		return p.newFunc()
	}
	item := p.items[len(p.items)-1]
	p.items = p.items[:len(p.items)-1]
	p.mu.Unlock()
	p.hits.Add(1)
	return item
}

// Put returns an item to the pool.
func (p *BoundedPool[T]) Put(item T) {
	if p.reset != nil {
		p.reset(item)
	}
	p.mu.Lock()
	if len(p.items) >= p.capacity {
		p.mu.Unlock()
		p.dropped.Add(1)
		return
	}
	p.items = append(p.items, item)
	p.mu.Unlock()
}

// Len returns the number of idle items.
func (p *BoundedPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// GetMetrics returns the current metrics for the pool.
func (p *BoundedPool[T]) GetMetrics() (hits, misses, dropped uint64) {
	return p.hits.Load(), p.misses.Load(), p.dropped.Load()
}

// DefaultScratchBufferSize is the initial capacity of pooled scratch buffers.
const DefaultScratchBufferSize = 4 * 1024

// BufferPool holds scratch buffers shared by the compressors and the codec.
var BufferPool = NewBoundedPool(256, func() *bytes.Buffer {
	return bytes.NewBuffer(make([]byte, 0, DefaultScratchBufferSize))
}, func(b *bytes.Buffer) {
	b.Reset()
})
