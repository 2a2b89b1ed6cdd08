// Package vmm implements the virtual memory manager: a simulated 4-level
// page table (PML4/PDPT/PD/PT) with map/unmap/translate and a fixed
// VOLATILE/ATLAS/AETHER/KERNEL address-space partitioning.
//
// Real hardware MMU programming is out of scope (VMX/EPT and the
// bootloader handoff are treated as external collaborators), so the
// four-level walk here is simulated over plain Go structures rather than
// real page-table memory — the slot/offset bit math is generalized from
// biscuit's biscuit/src/mem/dmap.go (pgbits/mkpg/shl) and the region
// tagging from biscuit/src/defs/device.go's Mkdev/Unmkdev.
package vmm

import (
	"sync"

	"citadel/defs"
	"citadel/pmm"
	"citadel/void"
)

// Flags mirror the PTE flag bits.
type Flags uint32

const (
	PRESENT Flags = 1 << iota
	WRITABLE
	USER
	NOCACHE
	HUGE
	GLOBAL
	NX
)

// VAddr is a virtual address; PAddr is a physical byte address derived from
// a pmm.Frame (Frame*PageSize + page offset).
type VAddr uint64
type PAddr uint64

// PAddrVoid is returned by Translate on a miss.
const PAddrVoid PAddr = PAddr(void.U64)

const (
	levelBits = 9
	pageBits  = 12
	pageMask  = 1<<pageBits - 1
)

func shift(level int) uint { return pageBits + levelBits*uint(level) }

// index returns the 9-bit index for v at the given level (0 = PT, 3 = PML4).
func index(v VAddr, level int) int {
	return int((uint64(v) >> shift(level)) & 0x1ff)
}

type entry struct {
	present bool
	paddr   PAddr
	flags   Flags
	next    *table // nil at leaf (level 0)
}

type table struct {
	entries [512]*entry
}

// AddressSpace is one process's simulated page table.
type AddressSpace struct {
	mu   sync.Mutex
	pml4 *table
	pmm  *pmm.PMM
	log  *void.Log
}

// New returns a fresh, empty address space. p is stored but never
// consulted: page tables live in Go's heap and no physical frames are
// charged for them.
func New(p *pmm.PMM, log *void.Log) *AddressSpace {
	return &AddressSpace{pml4: &table{}, pmm: p, log: log}
}

func (as *AddressSpace) walk(v VAddr, create bool) *entry {
	t := as.pml4
	for level := 3; level >= 1; level-- {
		i := index(v, level)
		e := t.entries[i]
		if e == nil {
			if !create {
				return nil
			}
			e = &entry{present: true, flags: PRESENT | WRITABLE, next: &table{}}
			t.entries[i] = e
		}
		if e.next == nil {
			// a huge-page leaf was installed at a higher level; no lower
			// table exists to descend into.
			return nil
		}
		t = e.next
	}
	i := index(v, 0)
	e := t.entries[i]
	if e == nil && create {
		e = &entry{}
		t.entries[i] = e
	}
	return e
}

// Map installs a mapping from v to p with the given flags. It returns false
// if v was already PRESENT (callers must Unmap first).
func (as *AddressSpace) Map(v VAddr, p PAddr, flags Flags) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.walk(v, true)
	if e == nil {
		as.log.Record(void.ReasonOutOfRange, []int64{int64(v)}, "vmm: map could not reach leaf (huge-page conflict)")
		return false
	}
	if e.present {
		as.log.Record(void.ReasonOutOfRange, []int64{int64(v)}, "vmm: map over already-present mapping")
		return false
	}
	e.present = true
	e.paddr = p
	e.flags = flags | PRESENT
	return true
}

// Unmap removes the mapping at v, returning false if none existed.
func (as *AddressSpace) Unmap(v VAddr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.walk(v, false)
	if e == nil || !e.present {
		as.log.Record(void.ReasonLookupMiss, []int64{int64(v)}, "vmm: unmap of unmapped address")
		return false
	}
	e.present = false
	e.paddr = 0
	e.flags = 0
	return true
}

// Translate resolves v to a physical address, or PAddrVoid if unmapped —
// never a trap.
func (as *AddressSpace) Translate(v VAddr) PAddr {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.walk(v, false)
	if e == nil || !e.present {
		as.log.Record(void.ReasonLookupMiss, []int64{int64(v)}, "vmm: translate miss")
		return PAddrVoid
	}
	return e.paddr | PAddr(uint64(v)&pageMask)
}

// FlagsAt returns the flags installed at v and whether v is present.
func (as *AddressSpace) FlagsAt(v VAddr) (Flags, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.walk(v, false)
	if e == nil || !e.present {
		return 0, false
	}
	return e.flags, true
}

// DefaultFlags returns the PTE defaults for region r: VOLATILE is eagerly
// PRESENT|WRITABLE; ATLAS and AETHER
// are kept PRESENT=0 so accesses demand-fault into those subsystems; KERNEL
// is PRESENT|GLOBAL|NX.
func DefaultFlags(r defs.Region) Flags {
	switch r {
	case defs.RegionVolatile:
		return PRESENT | WRITABLE
	case defs.RegionAtlas, defs.RegionAether:
		return 0
	case defs.RegionKernel:
		return PRESENT | GLOBAL | NX
	default:
		return 0
	}
}

// RegionAddr builds a VAddr tagged with region r at the given offset,
// delegating to defs.MkRegionAddr.
func RegionAddr(r defs.Region, offset uint64) VAddr {
	return VAddr(defs.MkRegionAddr(r, offset))
}
