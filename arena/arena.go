// Package arena implements the linear bump allocator with a generation
// counter. No fragmentation by construction;
// individual frees are no-ops; Reset rewinds the cursor and invalidates
// outstanding arena-bound capabilities by bumping the generation.
package arena

import (
	"sync"

	"citadel/util"
	"citadel/void"
)

// Flags control allocation behavior.
type Flags uint32

const (
	// ZeroOnAlloc zeroes each allocation's bytes before returning it.
	ZeroOnAlloc Flags = 1 << iota
)

// Arena is a linear, bump-allocated memory region with a generation counter
// that invalidates outstanding references on Reset.
type Arena struct {
	mu         sync.Mutex
	buf        []byte
	used       int
	align      int
	flags      Flags
	generation uint64
	log        *void.Log
}

// New allocates an arena of the given capacity in bytes, with a default
// allocation alignment and behavior flags.
func New(capacity, align int, flags Flags, log *void.Log) *Arena {
	if align <= 0 || !util.IsPow2(align) {
		align = 8
	}
	return &Arena{
		buf:   make([]byte, capacity),
		align: align,
		flags: flags,
		log:   log,
	}
}

// Capacity returns the arena's total byte capacity.
func (a *Arena) Capacity() int {
	return len(a.buf)
}

// Used returns the number of bytes currently bump-allocated.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Generation returns the current generation counter.
func (a *Arena) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Alloc bump-allocates size bytes aligned to align (0 meaning "use the
// arena's default alignment"). It returns the byte slice, its offset within
// the arena, the generation at allocation time, and true on success; on
// capacity exhaustion it returns (nil, 0, 0, false) — "NULL" — without
// trapping.
func (a *Arena) Alloc(size, align int) ([]byte, int, uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size <= 0 {
		return nil, 0, 0, false
	}
	if align <= 0 {
		align = a.align
	}
	aligned := util.Roundup(a.used, align)
	end := aligned + size
	if end > len(a.buf) {
		a.log.Record(void.ReasonOOM, []int64{int64(size), int64(len(a.buf) - a.used)}, "arena: capacity exceeded")
		return nil, 0, 0, false
	}
	region := a.buf[aligned:end]
	if a.flags&ZeroOnAlloc != 0 {
		for i := range region {
			region[i] = 0
		}
	}
	a.used = end
	return region, aligned, a.generation, true
}

// Free is a no-op: the arena reclaims space only on Reset. Individual
// frees are no-ops by design.
func (a *Arena) Free([]byte) {}

// Reset rewinds the bump cursor to zero and increments the generation,
// invalidating every outstanding arena-bound capability minted against the
// previous generation.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
	a.generation++
}

// ValidGeneration reports whether gen still matches the arena's current
// generation (used by capability validity checks).
func (a *Arena) ValidGeneration(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gen == a.generation
}

// At returns the byte slice at [offset, offset+size) if it lies within the
// currently-used region of the current generation, or (nil, false)
// otherwise.
func (a *Arena) At(offset, size int, gen uint64) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return nil, false
	}
	if offset < 0 || size < 0 || offset+size > a.used {
		return nil, false
	}
	return a.buf[offset : offset+size], true
}
