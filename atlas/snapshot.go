package atlas

import (
	"citadel/chronon"
	"citadel/void"
)

// SnapState is a Snapshot's lifecycle state.
type SnapState int

const (
	SnapPreparing SnapState = iota
	SnapActive
	SnapCommitted
	SnapFailed
	SnapVoid
)

// COWFlags marks a copy-on-write page's status.
type COWFlags uint8

const (
	COWValid COWFlags = 1 << iota
	COWDirty
	COWGenesisPage
)

type cowEntry struct {
	CopyOffset int64
	Flags      COWFlags
}

type pageRange struct {
	Offset int64
	Size   int
}

// Snapshot is a causal, copy-on-write point-in-time view of Atlas.
type Snapshot struct {
	ID            int
	VClock        chronon.VectorClock
	Generation    uint64
	Epoch         uint64
	IncludedPages []pageRange
	COWPages      map[int64]cowEntry
	GenesisCopy   Genesis
	State         SnapState

	cowArea    int64
	cowCursor  int64
	cowSize    int64
}

// SnapshotBegin creates a snapshot in PREPARING, capturing vclock (or
// Atlas's own live clock if vclock is nil) and a restore copy of Genesis.
func (a *Atlas) SnapshotBegin(vclock chronon.VectorClock) (*Snapshot, void.Vbit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.snapshots) >= a.maxSnaps {
		a.log.Record(void.ReasonPoolExhausted, nil, "atlas: snapshot slot pool exhausted")
		return nil, void.VOID
	}
	if vclock == nil {
		vclock = a.vclock.Clone()
	}
	snap := &Snapshot{
		ID:          a.nextSnapID,
		VClock:      vclock.Clone(),
		Generation:  a.genesis.Generation,
		Epoch:       a.genesis.Epoch,
		COWPages:    make(map[int64]cowEntry),
		GenesisCopy: a.genesis,
		State:       SnapPreparing,
	}
	a.nextSnapID++
	a.snapshots[snap.ID] = snap
	return snap, void.TRUE
}

// SnapshotInclude accumulates ptr's page range in snap's included set while
// PREPARING.
func (a *Atlas) SnapshotInclude(snap *Snapshot, offset int64, size int) void.Vbit {
	if snap == nil || snap.State != SnapPreparing {
		return void.VOID
	}
	if !a.Contains(offset, size) {
		return void.VOID
	}
	snap.IncludedPages = append(snap.IncludedPages, pageRange{Offset: offset, Size: size})
	return void.TRUE
}

// SnapshotActivate allocates COW storage sized to the included pages,
// transitions snap to ACTIVE, and records a causal event on the local
// vector clock entry.
func (a *Atlas) SnapshotActivate(snap *Snapshot) void.Vbit {
	if snap == nil || snap.State != SnapPreparing {
		return void.VOID
	}
	var total int64
	for _, p := range snap.IncludedPages {
		total += int64(p.Size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	area := a.allocAreaLocked(total)
	if area.IsVoid() {
		snap.State = SnapFailed
		return void.VOID
	}
	snap.cowArea = int64(area)
	snap.cowCursor = int64(area)
	snap.cowSize = total
	snap.State = SnapActive
	a.vclock = a.vclock.Tick(a.self)
	snap.VClock = snap.VClock.Merge(a.vclock)
	return void.TRUE
}

func (a *Atlas) allocAreaLocked(size int64) void.Ptr {
	if size <= 0 {
		return void.Ptr(0)
	}
	aligned := a.genesis.NextAlloc
	end := aligned + uint64(size)
	if end > uint64(len(a.data)) {
		a.log.Record(void.ReasonOOM, []int64{size}, "atlas: cow area exhausted")
		return void.PtrVoid
	}
	a.genesis.NextAlloc = end
	a.genesis.marshal(a.data[:genesisSize])
	return void.Ptr(aligned)
}

// SnapshotCOWPage copies page's current bytes into snap's reserved COW
// area the first time it is about to be clobbered, recording the mapping.
// It is a no-op if page is not one of snap's included pages, or if it has
// already been copied.
func (a *Atlas) SnapshotCOWPage(snap *Snapshot, offset int64, size int) void.Vbit {
	if snap == nil || snap.State != SnapActive {
		return void.VOID
	}
	if _, ok := snap.COWPages[offset]; ok {
		return void.TRUE
	}
	included := false
	for _, p := range snap.IncludedPages {
		if p.Offset == offset && p.Size == size {
			included = true
			break
		}
	}
	if !included {
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if snap.cowCursor+int64(size) > snap.cowArea+snap.cowSize {
		return void.VOID
	}
	copyOff := snap.cowCursor
	copy(a.data[copyOff:copyOff+int64(size)], a.data[offset:offset+int64(size)])
	snap.cowCursor += int64(size)
	snap.COWPages[offset] = cowEntry{CopyOffset: copyOff, Flags: COWValid | COWDirty}
	return void.TRUE
}

// SnapshotReadPage returns snap's COW copy of the page at offset if one
// exists, else the live bytes.
func (a *Atlas) SnapshotReadPage(snap *Snapshot, offset int64, size int) ([]byte, void.Vbit) {
	if snap == nil {
		return nil, void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := snap.COWPages[offset]; ok {
		return a.data[e.CopyOffset : e.CopyOffset+int64(size)], void.TRUE
	}
	if !a.Contains(offset, size) {
		return nil, void.VOID
	}
	return a.data[offset : offset+int64(size)], void.TRUE
}

// SnapshotCommit syncs COW pages and metadata and transitions snap to
// COMMITTED, bumping its vector clock.
func (a *Atlas) SnapshotCommit(snap *Snapshot) void.Vbit {
	if snap == nil || snap.State != SnapActive {
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if snap.cowSize > 0 {
		a.backend.SyncRange(int(snap.cowArea), int(snap.cowSize))
	}
	snap.VClock = snap.VClock.Tick(a.self)
	snap.State = SnapCommitted
	return void.TRUE
}

// SnapshotRestore requires snap to be COMMITTED: it aborts all active
// transactions, copies every COW page back to its original location,
// restores Genesis (preserving generation, bumping commit_count and
// keeping abort_count), merges snap's vector clock into the live one
// (componentwise max) then bumps it, and syncs.
func (a *Atlas) SnapshotRestore(snap *Snapshot) void.Vbit {
	if snap == nil || snap.State != SnapCommitted {
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tx := range a.txSlots {
		if tx.State == TxActive {
			tx.State = TxAborted
			a.genesis.AbortCount++
		}
	}

	for offset, e := range snap.COWPages {
		size := 0
		for _, p := range snap.IncludedPages {
			if p.Offset == offset {
				size = p.Size
				break
			}
		}
		if size == 0 {
			continue
		}
		copy(a.data[offset:offset+int64(size)], a.data[e.CopyOffset:e.CopyOffset+int64(size)])
	}

	preservedGeneration := a.genesis.Generation
	commitCount := a.genesis.CommitCount + 1
	abortCount := a.genesis.AbortCount
	a.genesis = snap.GenesisCopy
	a.genesis.Generation = preservedGeneration
	a.genesis.CommitCount = commitCount
	a.genesis.AbortCount = abortCount
	a.genesis.Epoch++
	a.genesis.marshal(a.data[:genesisSize])

	a.vclock = a.vclock.Merge(snap.VClock)
	a.vclock = a.vclock.Tick(a.self)

	a.syncLocked(0, 0)
	return void.TRUE
}

// SnapshotCompare returns the causal order between two snapshots' vector
// clocks.
func (a *Atlas) SnapshotCompare(x, y *Snapshot) chronon.Order {
	if x == nil || y == nil {
		a.log.Record(void.ReasonMalformedFrame, nil, "atlas: snapshot_compare on nil snapshot")
		return chronon.VoidOrder
	}
	return chronon.Compare(a.log, x.VClock, y.VClock)
}
