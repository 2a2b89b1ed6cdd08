// Package kmalloc implements the slab and large-object allocator: eight
// power-of-two size classes backed by 4 KiB pages drawn
// from pmm, with an intrusive free list threaded through each slab's own
// freed objects — generalized from biscuit's page-source/free-list
// pattern in biscuit/src/mem/mem.go (Physmem_t.Refpg_new and the
// free-list-in-freed-memory technique used by Pgs[idx].nexti).
package kmalloc

import (
	"sync"

	"citadel/pmm"
	"citadel/stats"
	"citadel/util"
	"citadel/void"
)

// Addr is a flat physical byte offset into the owning PMM's direct map —
// the "pointer" type returned by this package's API. AddrVoid is returned,
// never a panic, when an allocation cannot be satisfied.
type Addr uint64

// AddrVoid is the absent-allocation sentinel.
const AddrVoid Addr = Addr(void.U64)

// IsVoid reports whether a is the absent-allocation sentinel.
func (a Addr) IsVoid() bool { return a == AddrVoid }

// sizeClasses are the eight power-of-two object sizes a slab page can host.
var sizeClasses = [8]int{16, 32, 64, 128, 256, 512, 1024, 2048}

// headerSize is the fixed slab/large-allocation header occupying the start
// of every page this allocator owns. 32 bytes is a multiple of 16, as is
// every size class, so every object starts 16-byte aligned.
const headerSize = 32

const (
	slabMagic  uint64 = 0x5343_4142_534c_4142 // "slab header" tag
	largeMagic uint64 = 0x4c52_4745_414c_4c4f // "large alloc" tag
)

// slab is one 4 KiB page carved into fixed-size objects with an intrusive
// free list. Free objects store the index of the next free object in
// their own first 8 bytes; -1 (void.U64) terminates the list.
type slab struct {
	frame     pmm.Frame
	base      Addr
	bytes     []byte
	objSize   int
	objCount  int
	freeCount int
	freeHead  int64 // object index, -1 == empty
}

func newSlab(p *pmm.PMM, objSize int, log *void.Log) *slab {
	f := p.AllocPage()
	if f.IsVoid() {
		return nil
	}
	b := p.Bytes(f)
	s := &slab{
		frame:   f,
		base:    Addr(uint64(f) * pmm.PageSize),
		bytes:   b,
		objSize: objSize,
	}
	s.objCount = (pmm.PageSize - headerSize) / objSize
	util.PutLE64(b, 0, slabMagic)
	util.PutLE64(b, 8, uint64(objSize))
	util.PutLE64(b, 16, uint64(s.objCount))
	// thread every object onto the free list, ascending, so the first
	// allocation returns object 0.
	for i := 0; i < s.objCount; i++ {
		next := int64(i + 1)
		if i == s.objCount-1 {
			next = -1
		}
		util.PutLE64(b, s.objOffset(i), uint64(next))
	}
	s.freeHead = 0
	s.freeCount = s.objCount
	return s
}

func (s *slab) objOffset(i int) int { return headerSize + i*s.objSize }

func (s *slab) full() bool  { return s.freeCount == 0 }
func (s *slab) empty() bool { return s.freeCount == s.objCount }

// popFree removes and returns the head of the free list, or (0, false) if
// the slab is full.
func (s *slab) popFree() (Addr, bool) {
	if s.freeHead < 0 {
		return 0, false
	}
	idx := int(s.freeHead)
	off := s.objOffset(idx)
	next := int64(util.GetLE64(s.bytes, off))
	s.freeHead = next
	s.freeCount--
	return s.base + Addr(off), true
}

// pushFree returns the object at byte offset off (within the page) to the
// free list.
func (s *slab) pushFree(off int) {
	idx := (off - headerSize) / s.objSize
	util.PutLE64(s.bytes, off, uint64(s.freeHead))
	s.freeHead = int64(idx)
	s.freeCount++
}

// cache manages every slab for one size class.
type cache struct {
	mu      sync.Mutex
	objSize int
	partial []*slab
	full    []*slab

	allocations uint64
	frees       uint64
}

func (c *cache) alloc(p *pmm.PMM, log *void.Log) Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partial) == 0 {
		s := newSlab(p, c.objSize, log)
		if s == nil {
			log.Record(void.ReasonOOM, []int64{int64(c.objSize)}, "kmalloc: no page for new slab")
			return AddrVoid
		}
		c.partial = append(c.partial, s)
	}
	s := c.partial[len(c.partial)-1]
	addr, ok := s.popFree()
	if !ok {
		// shouldn't happen: a slab in partial always has room.
		log.Record(void.ReasonCorruption, nil, "kmalloc: partial slab unexpectedly full")
		return AddrVoid
	}
	c.allocations++
	if s.full() {
		c.partial = c.partial[:len(c.partial)-1]
		c.full = append(c.full, s)
	}
	return addr
}

func (c *cache) free(s *slab, off int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasFull := s.full()
	s.pushFree(off)
	c.frees++
	if wasFull {
		for i, f := range c.full {
			if f == s {
				c.full = append(c.full[:i], c.full[i+1:]...)
				break
			}
		}
		c.partial = append(c.partial, s)
	}
}

func (c *cache) stats() (allocations, frees uint64, freeBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fb := 0
	for _, s := range c.partial {
		fb += s.freeCount * s.objSize
	}
	return c.allocations, c.frees, fb
}

// KMalloc is the top-level slab+large allocator.
type KMalloc struct {
	pmm     *pmm.PMM
	log     *void.Log
	caches  [8]*cache
	slabsMu sync.Mutex
	slabs   map[Addr]*slab // page base -> owning slab, for free() routing

	large *largeAllocator

	// totalAllocs/totalFrees tally every Kmalloc/Kfree across all size
	// classes and the large-object path. Kept separate from each cache's
	// own mutex-guarded allocations/frees fields, which exist for slab
	// bookkeeping, not introspection: a global atomic counter lets a
	// diagnostic caller read an overall total without taking every
	// cache's lock in turn.
	totalAllocs stats.Counter
	totalFrees  stats.Counter
}

// New returns a KMalloc drawing pages from p.
func New(p *pmm.PMM, log *void.Log) *KMalloc {
	k := &KMalloc{
		pmm:   p,
		log:   log,
		slabs: make(map[Addr]*slab),
	}
	for i, sz := range sizeClasses {
		k.caches[i] = &cache{objSize: sz}
	}
	k.large = newLargeAllocator(p, log)
	return k
}

func classFor(size int) int {
	for i, sz := range sizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Kmalloc allocates size bytes, routing to the smallest size class that
// fits, or to the large-object path above the largest class (2048 bytes).
// It returns AddrVoid, never a panic, when the allocation cannot be
// satisfied.
func (k *KMalloc) Kmalloc(size int) Addr {
	if size <= 0 {
		k.log.Record(void.ReasonOutOfRange, []int64{int64(size)}, "kmalloc: non-positive size")
		return AddrVoid
	}
	ci := classFor(size)
	if ci < 0 {
		addr := k.large.alloc(size)
		if !addr.IsVoid() {
			k.totalAllocs.Inc()
		}
		return addr
	}
	c := k.caches[ci]
	addr := c.alloc(k.pmm, k.log)
	if addr.IsVoid() {
		return AddrVoid
	}
	k.registerSlabOwner(addr, c)
	k.totalAllocs.Inc()
	return addr
}

// registerSlabOwner indexes addr's owning page so Kfree can route without a
// linear scan; stored once per page, not per object.
func (k *KMalloc) registerSlabOwner(addr Addr, c *cache) {
	pageBase := Addr(util.Rounddown(uint64(addr), uint64(pmm.PageSize)))
	k.slabsMu.Lock()
	defer k.slabsMu.Unlock()
	if _, ok := k.slabs[pageBase]; ok {
		return
	}
	c.mu.Lock()
	var owner *slab
	for _, s := range c.partial {
		if s.base == pageBase {
			owner = s
			break
		}
	}
	if owner == nil {
		for _, s := range c.full {
			if s.base == pageBase {
				owner = s
				break
			}
		}
	}
	c.mu.Unlock()
	if owner != nil {
		k.slabs[pageBase] = owner
	}
}

// UsableSize returns the size class backing addr, or -1 if addr is not a
// live allocation (large allocations report the size originally
// requested, not their page-granular footprint).
func (k *KMalloc) UsableSize(addr Addr) int {
	pageBase := Addr(util.Rounddown(uint64(addr), uint64(pmm.PageSize)))
	k.slabsMu.Lock()
	s, ok := k.slabs[pageBase]
	k.slabsMu.Unlock()
	if ok {
		return s.objSize
	}
	if n, ok := k.large.usableSize(addr); ok {
		return n
	}
	return -1
}

// Kfree releases a pointer previously returned by Kmalloc. The page-aligned
// header at the start of addr's page is consulted for its magic to route
// between the slab and large-object paths.
func (k *KMalloc) Kfree(addr Addr) {
	pageBase := Addr(util.Rounddown(uint64(addr), uint64(pmm.PageSize)))
	header := k.pmm.GlobalBytes(uint64(pageBase), headerSize)
	magic := util.GetLE64(header, 0)
	switch magic {
	case slabMagic:
		k.slabsMu.Lock()
		s := k.slabs[pageBase]
		k.slabsMu.Unlock()
		if s == nil {
			k.log.Record(void.ReasonCorruption, []int64{int64(addr)}, "kmalloc: free of unknown slab page")
			return
		}
		ci := classFor(s.objSize)
		off := int(addr - pageBase)
		k.caches[ci].free(s, off)
		k.totalFrees.Inc()
	case largeMagic:
		k.large.free(addr)
		k.totalFrees.Inc()
	default:
		k.log.Record(void.ReasonCorruption, []int64{int64(addr)}, "kmalloc: free of address with no valid header")
	}
}

// GlobalStats returns the running total of successful allocations and frees
// across every size class and the large-object path.
func (k *KMalloc) GlobalStats() (allocs, frees int64) {
	return k.totalAllocs.Get(), k.totalFrees.Get()
}

// Bytes returns a view of n bytes at addr.
func (k *KMalloc) Bytes(addr Addr, n int) []byte {
	return k.pmm.GlobalBytes(uint64(addr), uint64(n))
}

// Realloc grows the allocation at addr to newSize by allocating fresh,
// copying the overlap, and freeing the original, only when newSize exceeds
// addr's current usable size; otherwise it returns addr unchanged, per the
// allocator contract (no shrink-in-place, no wasted copy on a no-op resize).
func (k *KMalloc) Realloc(addr Addr, newSize int) Addr {
	if addr.IsVoid() {
		return k.Kmalloc(newSize)
	}
	old := k.UsableSize(addr)
	if old < 0 {
		k.log.Record(void.ReasonCorruption, []int64{int64(addr)}, "kmalloc: realloc of unknown pointer")
		return AddrVoid
	}
	if newSize <= old {
		return addr
	}
	next := k.Kmalloc(newSize)
	if next.IsVoid() {
		return AddrVoid
	}
	n := util.Min(old, newSize)
	copy(k.Bytes(next, n), k.Bytes(addr, n))
	k.Kfree(addr)
	return next
}

// AlignedAlloc allocates size bytes aligned to align (a power of two) by
// over-allocating and storing the true allocation's address in the 8 bytes
// immediately preceding the aligned pointer returned to the caller;
// Kfree on the aligned pointer is not supported — callers
// must free the address returned alongside it.
func (k *KMalloc) AlignedAlloc(size, align int) (aligned Addr, trueAddr Addr) {
	if align <= 0 || !util.IsPow2(align) || align <= 8 {
		a := k.Kmalloc(size)
		return a, a
	}
	raw := k.Kmalloc(size + align + 8)
	if raw.IsVoid() {
		return AddrVoid, AddrVoid
	}
	want := util.Roundup(uint64(raw)+8, uint64(align))
	hdr := want - 8
	util.PutLE64(k.Bytes(Addr(hdr), 8), 0, uint64(raw))
	return Addr(want), raw
}
