package kmalloc

import (
	"sync"

	"citadel/pmm"
	"citadel/util"
	"citadel/void"
)

// largeInfo records the bookkeeping for one large (>2048 byte) allocation:
// the run of pages it occupies and the caller-requested size, so Kfree can
// return exactly that run to pmm.
type largeInfo struct {
	frame pmm.Frame
	pages uint64
	size  int
}

// largeAllocator serves allocations too big for any slab size class as a
// page-granular run with a magic header at its first page, mirroring the
// biscuit's contiguous multi-page allocations (mem.Physmem_t.Refpg_new with
// a run length) but adding the header kmalloc.Kfree needs to route a free
// without being told the original size.
type largeAllocator struct {
	mu     sync.Mutex
	pmm    *pmm.PMM
	log    *void.Log
	allocs map[Addr]largeInfo // page base -> info
}

func newLargeAllocator(p *pmm.PMM, log *void.Log) *largeAllocator {
	return &largeAllocator{pmm: p, log: log, allocs: make(map[Addr]largeInfo)}
}

func (l *largeAllocator) alloc(size int) Addr {
	total := headerSize + size
	pages := uint64((total + pmm.PageSize - 1) / pmm.PageSize)
	f := l.pmm.AllocPages(pages)
	if f.IsVoid() {
		l.log.Record(void.ReasonOOM, []int64{int64(size)}, "kmalloc: large allocation exhausted pmm")
		return AddrVoid
	}
	base := Addr(uint64(f) * pmm.PageSize)
	header := l.pmm.GlobalBytes(uint64(base), headerSize)
	util.PutLE64(header, 0, largeMagic)
	util.PutLE64(header, 8, uint64(size))
	util.PutLE64(header, 16, pages)

	l.mu.Lock()
	l.allocs[base] = largeInfo{frame: f, pages: pages, size: size}
	l.mu.Unlock()

	return base + headerSize
}

func (l *largeAllocator) free(addr Addr) {
	base := Addr(util.Rounddown(uint64(addr), uint64(pmm.PageSize)))
	l.mu.Lock()
	info, ok := l.allocs[base]
	if ok {
		delete(l.allocs, base)
	}
	l.mu.Unlock()
	if !ok {
		l.log.Record(void.ReasonCorruption, []int64{int64(addr)}, "kmalloc: free of unknown large allocation")
		return
	}
	l.pmm.FreePages(info.frame, info.pages)
}

func (l *largeAllocator) usableSize(addr Addr) (int, bool) {
	base := Addr(util.Rounddown(uint64(addr), uint64(pmm.PageSize)))
	l.mu.Lock()
	info, ok := l.allocs[base]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return info.size, true
}
