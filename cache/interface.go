package cache

import (
	"cmp"
	"expvar"
)

// Interface defines the public API for an ordered-key cache.
type Interface[K cmp.Ordered, V any] interface {
	Put(key K, value V)
	Get(key K) (value V, ok bool)
	Floor(bound K) (key K, value V, ok bool)
	Remove(key K) bool
	RemoveIf(pred func(key K, value V) bool) int
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}

var _ Interface[uint64, struct{}] = (*LRUCache[uint64, struct{}])(nil)
