// Package atlas implements the single-level persistent store: a
// memory-mapped region with a bump allocator, optimistic transactions,
// causal snapshots, and semantic checkpoints. biscuit has no direct
// precedent for this — its own persistence lives in its ufs/ log-
// structured filesystem, not a single-level store — so the allocator
// shape here is grounded on this module's own arena bump allocator
// (citadel/arena), generalized from volatile to file-backed, and the
// backend split is grounded on biscuit/src/fs/blk.go's Disk_i interface.
package atlas

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"
	"unsafe"

	"citadel/chronon"
	"citadel/util"
	"citadel/void"
)

// PageSize is Atlas's page granularity, matching the kernel's physical
// frame size.
const PageSize = 4096

// GenesisMagic identifies a formatted Atlas region.
const GenesisMagic uint64 = 0x4154_4C41_5356_3031 // "ATLASV01" read big-endian

// GenTableMagic identifies the Generation Table region.
var GenTableMagic = [8]byte{'G', 'E', 'N', 'T', 'A', 'B', 'L', 'E'}

const (
	genesisSize      = PageSize
	genTableOffset   = PageSize
	genTablePages    = 3
	genTableSize     = genTablePages * PageSize
	genTableSlots    = (genTableSize - len(GenTableMagic)) / 8
	defaultNextAlloc = 4 * PageSize // 16 KiB

	// Genesis field byte offsets within the header page.
	offMagic          = 0
	offVersion        = 8
	offGeneration     = 16
	offRootOffset     = 24
	offFreeListOffset = 32
	offGenTableOffset = 40
	offNextAlloc      = 48
	offTotalAlloc     = 56
	offTotalFreed     = 64
	offCommitCount    = 72
	offAbortCount     = 80
	offCreatedAt      = 88
	offEpoch          = 96
)

const noRoot = -1

// Genesis is the Atlas header at offset 0, mirrored in and out of the
// backing bytes on every mutation.
type Genesis struct {
	Magic          uint64
	Version        uint32
	Generation     uint64
	RootOffset     int64
	FreeListOffset int64
	GenTableOffset uint64
	NextAlloc      uint64
	TotalAlloc     uint64
	TotalFreed     uint64
	CommitCount    uint64
	AbortCount     uint64
	CreatedAt      uint64
	Epoch          uint64
}

func (g *Genesis) marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[offMagic:], g.Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], g.Version)
	binary.LittleEndian.PutUint64(buf[offGeneration:], g.Generation)
	binary.LittleEndian.PutUint64(buf[offRootOffset:], uint64(g.RootOffset))
	binary.LittleEndian.PutUint64(buf[offFreeListOffset:], uint64(g.FreeListOffset))
	binary.LittleEndian.PutUint64(buf[offGenTableOffset:], g.GenTableOffset)
	binary.LittleEndian.PutUint64(buf[offNextAlloc:], g.NextAlloc)
	binary.LittleEndian.PutUint64(buf[offTotalAlloc:], g.TotalAlloc)
	binary.LittleEndian.PutUint64(buf[offTotalFreed:], g.TotalFreed)
	binary.LittleEndian.PutUint64(buf[offCommitCount:], g.CommitCount)
	binary.LittleEndian.PutUint64(buf[offAbortCount:], g.AbortCount)
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], g.CreatedAt)
	binary.LittleEndian.PutUint64(buf[offEpoch:], g.Epoch)
}

func (g *Genesis) unmarshal(buf []byte) {
	g.Magic = binary.LittleEndian.Uint64(buf[offMagic:])
	g.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	g.Generation = binary.LittleEndian.Uint64(buf[offGeneration:])
	g.RootOffset = int64(binary.LittleEndian.Uint64(buf[offRootOffset:]))
	g.FreeListOffset = int64(binary.LittleEndian.Uint64(buf[offFreeListOffset:]))
	g.GenTableOffset = binary.LittleEndian.Uint64(buf[offGenTableOffset:])
	g.NextAlloc = binary.LittleEndian.Uint64(buf[offNextAlloc:])
	g.TotalAlloc = binary.LittleEndian.Uint64(buf[offTotalAlloc:])
	g.TotalFreed = binary.LittleEndian.Uint64(buf[offTotalFreed:])
	g.CommitCount = binary.LittleEndian.Uint64(buf[offCommitCount:])
	g.AbortCount = binary.LittleEndian.Uint64(buf[offAbortCount:])
	g.CreatedAt = binary.LittleEndian.Uint64(buf[offCreatedAt:])
	g.Epoch = binary.LittleEndian.Uint64(buf[offEpoch:])
}

// Atlas is a single-level persistent store instance.
type Atlas struct {
	mu      sync.Mutex
	backend Backend
	data    []byte
	genesis Genesis
	log     *void.Log

	vclock chronon.VectorClock
	self   chronon.NodeID

	txSlots     []*Transaction
	nextTxID    int
	dirtyLimit  int

	snapshots   map[int]*Snapshot
	nextSnapID  int
	maxSnaps    int

	types         map[int]*Type
	typesByName   map[string]int
	nextTypeID    int
	checkpoints   map[int]*Checkpoint
	nextCheckpoint int
}

// Init opens (formatting if necessary) an Atlas region of size bytes
// through backend, and validates or writes the Genesis/Generation-Table
// magics.
func Init(backend Backend, path string, size int64, self chronon.NodeID, log *void.Log) (*Atlas, void.Vbit) {
	if size < 2*genesisSize {
		log.Record(void.ReasonOutOfRange, []int64{size}, "atlas: region smaller than minimum (2x header)")
		return nil, void.VOID
	}
	data, err := backend.Open(path, size, true)
	if err != nil {
		log.Record(void.ReasonCorruption, nil, fmt.Sprintf("atlas: backend open failed: %v", err))
		return nil, void.VOID
	}

	a := &Atlas{
		backend:     backend,
		data:        data,
		log:         log,
		self:        self,
		vclock:      chronon.New(),
		snapshots:   make(map[int]*Snapshot),
		maxSnaps:    64,
		types:       make(map[int]*Type),
		typesByName: make(map[string]int),
		checkpoints: make(map[int]*Checkpoint),
		dirtyLimit:  512,
	}

	var g Genesis
	g.unmarshal(data[:genesisSize])
	if g.Magic == GenesisMagic {
		if string(data[genTableOffset:genTableOffset+8]) != string(GenTableMagic[:]) {
			log.Record(void.ReasonCorruption, nil, "atlas: gentable magic mismatch on existing region")
			return nil, void.VOID
		}
		a.genesis = g
		return a, void.TRUE
	}

	a.format()
	return a, void.TRUE
}

func (a *Atlas) format() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.genesis = Genesis{
		Magic:          GenesisMagic,
		Version:        1,
		Generation:     1,
		RootOffset:     noRoot,
		FreeListOffset: noRoot,
		GenTableOffset: genTableOffset,
		NextAlloc:      defaultNextAlloc,
		CreatedAt:      uint64(time.Now().Unix()),
		Epoch:          1,
	}
	a.genesis.marshal(a.data[:genesisSize])
	copy(a.data[genTableOffset:genTableOffset+8], GenTableMagic[:])
	a.vclock = a.vclock.Tick(a.self)
	a.syncLocked(0, defaultNextAlloc)
}

// Destroy aborts all active snapshots, syncs, and closes the backend.
func (a *Atlas) Destroy() {
	a.mu.Lock()
	for id, s := range a.snapshots {
		if s.State == SnapActive || s.State == SnapPreparing {
			s.State = SnapFailed
		}
		delete(a.snapshots, id)
	}
	a.genesis.marshal(a.data[:genesisSize])
	a.mu.Unlock()
	a.backend.SyncRange(0, len(a.data))
	a.backend.Close()
}

func (a *Atlas) syncLocked(offset, length int) {
	a.genesis.marshal(a.data[:genesisSize])
	a.backend.SyncRange(0, genesisSize)
	if length > 0 {
		a.backend.SyncRange(offset, length)
	}
}

// Size returns the total backing size in bytes.
func (a *Atlas) Size() int64 { return int64(len(a.data)) }

// Generation returns Genesis's current generation counter.
func (a *Atlas) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.genesis.Generation
}

// Counters returns Genesis's commit/abort/alloc/free tallies, for
// diagnostic tools that report a region's health without needing a
// transaction of their own.
func (a *Atlas) Counters() (commits, aborts, totalAlloc, totalFreed uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.genesis.CommitCount, a.genesis.AbortCount, a.genesis.TotalAlloc, a.genesis.TotalFreed
}

// CheckpointNames returns the name of every registered checkpoint, in
// ascending ID order.
func (a *Atlas) CheckpointNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int, 0, len(a.checkpoints))
	for id := range a.checkpoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, a.checkpoints[id].Name)
	}
	return names
}

// PtrToOffset converts a live pointer (here, a byte-slice view into Atlas)
// to a containment-checked offset, or void.PtrVoid if ptr does not point
// into this Atlas's backing bytes.
func (a *Atlas) PtrToOffset(ptr []byte) void.Ptr {
	if len(ptr) == 0 || len(a.data) == 0 {
		return void.PtrVoid
	}
	base := uintptr(unsafe.Pointer(&a.data[0]))
	target := uintptr(unsafe.Pointer(&ptr[0]))
	if target < base {
		return void.PtrVoid
	}
	off := int64(target - base)
	if off >= int64(len(a.data)) {
		return void.PtrVoid
	}
	return void.Ptr(off)
}

// OffsetToPtr converts an Atlas-relative offset back into a live byte view
// of length size, or nil if the range is not contained within Atlas.
func (a *Atlas) OffsetToPtr(offset void.Ptr, size int) ([]byte, bool) {
	if offset.IsVoid() || size < 0 {
		return nil, false
	}
	o := int64(offset)
	if o+int64(size) > int64(len(a.data)) {
		a.log.Record(void.ReasonOutOfRange, []int64{o, int64(size)}, "atlas: offset_to_ptr out of bounds")
		return nil, false
	}
	return a.data[o : o+int64(size)], true
}

// Contains reports whether [offset, offset+size) lies entirely within
// Atlas's backing bytes.
func (a *Atlas) Contains(offset int64, size int) bool {
	return offset >= 0 && size >= 0 && offset+int64(size) <= int64(len(a.data))
}

// Alloc bump-allocates size bytes aligned to 8, advancing
// Genesis.NextAlloc. Returns void.PtrVoid on capacity exhaustion.
func (a *Atlas) Alloc(size int) void.Ptr {
	return a.allocAligned(size, 8)
}

// AllocPages bump-allocates size bytes rounded up to a page boundary, first
// aligning the cursor itself up to a page boundary.
func (a *Atlas) AllocPages(size int) void.Ptr {
	a.mu.Lock()
	a.genesis.NextAlloc = util.Roundup(a.genesis.NextAlloc, uint64(PageSize))
	a.mu.Unlock()
	return a.allocAligned(int(util.Roundup(uint64(size), uint64(PageSize))), PageSize)
}

func (a *Atlas) allocAligned(size, align int) void.Ptr {
	if size <= 0 {
		return void.PtrVoid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	aligned := util.Roundup(a.genesis.NextAlloc, uint64(align))
	end := aligned + uint64(size)
	if end > uint64(len(a.data)) {
		a.log.Record(void.ReasonOOM, []int64{int64(size)}, "atlas: bump allocator exhausted")
		return void.PtrVoid
	}
	a.genesis.NextAlloc = end
	a.genesis.TotalAlloc += uint64(size)
	a.genesis.marshal(a.data[:genesisSize])
	return void.Ptr(aligned)
}

// Free pushes the region at offset onto the free-list head, embedding the
// previous head pointer in the freed bytes' first 8 bytes. Re-use is
// best-effort in v1 — see DESIGN.md for the free() decision: Atlas never
// allocates back from this list, and no compaction step reclaims it.
func (a *Atlas) Free(offset int64, size int) void.Vbit {
	if !a.Contains(offset, size) || size < 8 {
		a.log.Record(void.ReasonOutOfRange, []int64{offset, int64(size)}, "atlas: free region invalid")
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	util.PutLE64(a.data, int(offset), uint64(a.genesis.FreeListOffset))
	a.genesis.FreeListOffset = offset
	a.genesis.TotalFreed += uint64(size)
	a.genesis.marshal(a.data[:genesisSize])
	return void.TRUE
}

// SetRoot stores a single Atlas-resident root offset, interpreted by the
// embedder as the persistent-tree entry point.
func (a *Atlas) SetRoot(offset int64) void.Vbit {
	if offset != noRoot && !a.Contains(offset, 0) {
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.genesis.RootOffset = offset
	a.genesis.marshal(a.data[:genesisSize])
	return void.TRUE
}

// Root returns the current root offset, or void.PtrVoid if unset.
func (a *Atlas) Root() void.Ptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.genesis.RootOffset == noRoot {
		return void.PtrVoid
	}
	return void.Ptr(a.genesis.RootOffset)
}

// Sync flushes the whole region through the backend.
func (a *Atlas) Sync() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncLocked(0, len(a.data))
}

