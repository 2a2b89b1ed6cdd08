// Package hashtable implements a bucket-locked hash table, used to back
// Aether's per-node security table. Adapted from biscuit's Hashtable_t (biscuit/src/hashtable),
// generalized from its interface{}-keyed, hand-hashed design to Go generics
// (this module targets go1.24, where biscuit predates generics) and
// from its lock-free atomic.LoadPointer/StorePointer bucket chains — which
// biscuit's own comment admits are unverified "without an explicit
// memory model" — to a plain sync.RWMutex per bucket.
package hashtable

import "sync"

type entry[K comparable, V any] struct {
	key   K
	value V
}

type bucket[K comparable, V any] struct {
	mu    sync.RWMutex
	elems []entry[K, V]
}

// Hashtable maps keys to values across a fixed number of locked buckets.
type Hashtable[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    func(K) uint32
}

// New returns a hash table with size buckets, hashing keys with hashFn.
func New[K comparable, V any](size int, hashFn func(K) uint32) *Hashtable[K, V] {
	if size <= 0 {
		panic("hashtable: non-positive size")
	}
	ht := &Hashtable[K, V]{
		buckets: make([]*bucket[K, V], size),
		hash:    hashFn,
	}
	for i := range ht.buckets {
		ht.buckets[i] = &bucket[K, V]{}
	}
	return ht
}

func (ht *Hashtable[K, V]) bucketFor(key K) *bucket[K, V] {
	return ht.buckets[int(ht.hash(key))%len(ht.buckets)]
}

// Get returns the value stored for key, and whether it was present.
func (ht *Hashtable[K, V]) Get(key K) (V, bool) {
	b := ht.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.elems {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set stores value for key, replacing any existing entry; it reports
// whether the key was newly inserted.
func (ht *Hashtable[K, V]) Set(key K, value V) bool {
	b := ht.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.elems {
		if e.key == key {
			b.elems[i].value = value
			return false
		}
	}
	b.elems = append(b.elems, entry[K, V]{key: key, value: value})
	return true
}

// Del removes key, reporting whether it was present.
func (ht *Hashtable[K, V]) Del(key K) bool {
	b := ht.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.elems {
		if e.key == key {
			b.elems = append(b.elems[:i], b.elems[i+1:]...)
			return true
		}
	}
	return false
}

// Size returns the total number of stored entries.
func (ht *Hashtable[K, V]) Size() int {
	n := 0
	for _, b := range ht.buckets {
		b.mu.RLock()
		n += len(b.elems)
		b.mu.RUnlock()
	}
	return n
}

// Iter calls f for every stored pair; iteration stops early if f returns
// true.
func (ht *Hashtable[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range ht.buckets {
		b.mu.RLock()
		elems := append([]entry[K, V](nil), b.elems...)
		b.mu.RUnlock()
		for _, e := range elems {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

// Uint32Hash hashes a uint32 key via Fibonacci multiplicative hashing.
func Uint32Hash(k uint32) uint32 { return k * 2654435761 }
