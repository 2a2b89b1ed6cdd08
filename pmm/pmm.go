// Package pmm implements the physical page-frame allocator: a bitmap
// over 4 KiB frames with first-fit-with-cursor allocation, generalized
// from biscuit's mem.Physmem_t free-list/cursor design
// (biscuit/src/mem/mem.go) into a bitmap.
package pmm

import (
	"sync"

	"citadel/oommsg"
	"citadel/void"
)

// PageSize is the frame size in bytes.
const PageSize = 4096

// Frame identifies a physical page frame by index. FrameVoid is returned
// on exhaustion instead of trapping.
type Frame uint64

// FrameVoid is the sentinel returned when allocation fails.
const FrameVoid Frame = Frame(void.U64)

// IsVoid reports whether f is the absent-frame sentinel.
func (f Frame) IsVoid() bool { return f == FrameVoid }

// PMM is the bitmap frame allocator. v1 has no per-NUMA arenas and is
// guarded by a single mutex (a "single BKL" design).
type PMM struct {
	mu     sync.Mutex
	bitmap []uint64 // one bit per frame; 1 == free
	n      uint64   // total usable frames
	cursor uint64   // first-fit scan cursor
	free   uint64   // free-frame count

	log     *void.Log
	OOM     oommsg.Channel

	backingOnce sync.Once
	backing     []byte // lazily allocated direct-map storage, see dmap.go
}

func (p *PMM) ensureBacking() {
	p.backingOnce.Do(func() {
		p.backing = make([]byte, p.n*PageSize)
	})
}

// New creates a PMM managing n physical frames, all initially free.
func New(n uint64, log *void.Log) *PMM {
	words := (n + 63) / 64
	p := &PMM{
		bitmap: make([]uint64, words),
		n:      n,
		free:   n,
		log:    log,
		OOM:    oommsg.NewChannel(),
	}
	for i := range p.bitmap {
		p.bitmap[i] = ^uint64(0)
	}
	// clear any trailing bits beyond n in the last word
	if rem := n % 64; rem != 0 && len(p.bitmap) > 0 {
		mask := uint64(1)<<rem - 1
		p.bitmap[len(p.bitmap)-1] &= mask
	}
	return p
}

func (p *PMM) testBit(i uint64) bool {
	return p.bitmap[i/64]&(1<<(i%64)) != 0
}

func (p *PMM) clearBit(i uint64) {
	p.bitmap[i/64] &^= 1 << (i % 64)
}

func (p *PMM) setBit(i uint64) {
	p.bitmap[i/64] |= 1 << (i % 64)
}

// AllocPage allocates a single frame, returning FrameVoid on exhaustion.
func (p *PMM) AllocPage() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked()
}

func (p *PMM) allocLocked() Frame {
	if p.free == 0 {
		p.log.Record(void.ReasonOOM, []int64{1}, "pmm: no free frames")
		p.OOM.Notify(1)
		return FrameVoid
	}
	start := p.cursor
	for i := uint64(0); i < p.n; i++ {
		idx := (start + i) % p.n
		if p.testBit(idx) {
			p.clearBit(idx)
			p.free--
			p.cursor = (idx + 1) % p.n
			return Frame(idx)
		}
	}
	// bitmap disagreed with p.free: treat as corruption, but degrade to
	// VOID rather than trap.
	p.log.Record(void.ReasonCorruption, nil, "pmm: free counter out of sync with bitmap")
	return FrameVoid
}

// AllocPages allocates n contiguous frames. Contiguity is mandatory: a
// partial run is not acceptable.
func (p *PMM) AllocPages(n uint64) Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == 0 {
		return FrameVoid
	}
	if n == 1 {
		return p.allocLocked()
	}
	if p.free < n {
		p.log.Record(void.ReasonOOM, []int64{int64(n)}, "pmm: insufficient free frames for contiguous run")
		p.OOM.Notify(int(n))
		return FrameVoid
	}
	run := uint64(0)
	var runStart uint64
	for i := uint64(0); i < p.n; i++ {
		if p.testBit(i) {
			if run == 0 {
				runStart = i
			}
			run++
			if run == n {
				for f := runStart; f < runStart+n; f++ {
					p.clearBit(f)
				}
				p.free -= n
				p.cursor = (runStart + n) % p.n
				return Frame(runStart)
			}
		} else {
			run = 0
		}
	}
	p.log.Record(void.ReasonOOM, []int64{int64(n)}, "pmm: no contiguous run of requested size")
	p.OOM.Notify(int(n))
	return FrameVoid
}

// FreePage returns a single frame to the pool.
func (p *PMM) FreePage(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeOneLocked(f)
}

func (p *PMM) freeOneLocked(f Frame) {
	i := uint64(f)
	if i >= p.n {
		panic("pmm: free of out-of-range frame")
	}
	if p.testBit(i) {
		panic("pmm: double free of frame")
	}
	p.setBit(i)
	p.free++
}

// FreePages returns a contiguous run of n frames starting at f.
func (p *PMM) FreePages(f Frame, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		p.freeOneLocked(Frame(uint64(f) + i))
	}
}

// FreeCount reports the number of currently free frames.
func (p *PMM) FreeCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Total reports the total number of managed frames.
func (p *PMM) Total() uint64 {
	return p.n
}
