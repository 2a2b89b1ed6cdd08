package atlas

import (
	"testing"

	"citadel/chronon"
	"citadel/util"
	"citadel/void"

	"github.com/stretchr/testify/require"
)

func newTestAtlas(t *testing.T) *Atlas {
	log := void.NewLog()
	a, ok := Init(&MemBackend{}, "test", 1<<20, 1, log)
	require.Equal(t, void.TRUE, ok)
	return a
}

func TestFormatWritesMagics(t *testing.T) {
	a := newTestAtlas(t)
	require.Equal(t, GenesisMagic, a.genesis.Magic)
	require.Equal(t, uint64(1), a.genesis.Generation)
	require.Equal(t, uint64(defaultNextAlloc), a.genesis.NextAlloc)
}

func TestPtrOffsetRoundTrip(t *testing.T) {
	a := newTestAtlas(t)
	off := a.Alloc(64)
	require.False(t, off.IsVoid())

	buf, ok := a.OffsetToPtr(off, 64)
	require.True(t, ok)

	got := a.PtrToOffset(buf)
	require.Equal(t, off, got)
}

func TestAllocPagesAligns(t *testing.T) {
	a := newTestAtlas(t)
	off := a.AllocPages(100)
	require.False(t, off.IsVoid())
	require.Equal(t, int64(0), int64(off)%PageSize)
}

// TestCommitBumpsGeneration covers the commit invariant: after a
// successful commit, generation_after = generation_before + 1 and
// commit_count increases by 1.
func TestCommitBumpsGeneration(t *testing.T) {
	a := newTestAtlas(t)
	genBefore := a.Generation()
	commitsBefore := a.genesis.CommitCount

	tx, ok := a.Begin()
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, void.TRUE, a.Commit(tx))

	require.Equal(t, genBefore+1, a.Generation())
	require.Equal(t, commitsBefore+1, a.genesis.CommitCount)
}

// TestOptimisticCommitConflict is scenario S3: two transactions begin
// against the same generation; the first commits and bumps it, so the
// second's commit must abort without touching the generation again.
func TestOptimisticCommitConflict(t *testing.T) {
	a := newTestAtlas(t)

	txA, _ := a.Begin()
	txB, _ := a.Begin()

	require.Equal(t, void.TRUE, a.Commit(txA))
	genAfterA := a.Generation()

	require.Equal(t, void.FALSE, a.Commit(txB))
	require.Equal(t, TxAborted, txB.State)
	require.Equal(t, genAfterA, a.Generation())
}

func TestAbortLeavesGenerationUnchanged(t *testing.T) {
	a := newTestAtlas(t)
	genBefore := a.Generation()
	tx, _ := a.Begin()
	require.Equal(t, void.TRUE, a.Abort(tx))
	require.Equal(t, TxAborted, tx.State)
	require.Equal(t, genBefore, a.Generation())
}

func TestGenerationRevocation(t *testing.T) {
	a := newTestAtlas(t)
	id, ok := a.AllocGeneration()
	require.Equal(t, void.TRUE, ok)

	g := a.CurrentGeneration(id)
	require.Equal(t, void.TRUE, a.CheckGeneration(id, g))

	require.Equal(t, void.TRUE, a.Revoke(id))
	require.Equal(t, void.VOID, a.CheckGeneration(id, g))
}

// TestCausalSnapshotRestore is scenario S4: a snapshot including all
// written pages, committed then restored, reproduces the state at
// activation time byte-for-byte for every included page.
func TestCausalSnapshotRestore(t *testing.T) {
	a := newTestAtlas(t)
	off := a.Alloc(64)
	buf, _ := a.OffsetToPtr(off, 64)
	copy(buf, []byte("original-state-before-snapshot!!"))

	snap, ok := a.SnapshotBegin(nil)
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, void.TRUE, a.SnapshotInclude(snap, int64(off), 64))
	require.Equal(t, void.TRUE, a.SnapshotActivate(snap))

	require.Equal(t, void.TRUE, a.SnapshotCOWPage(snap, int64(off), 64))
	live, _ := a.OffsetToPtr(off, 64)
	copy(live, []byte("mutated-after-activation-!!!!!!!"))

	require.Equal(t, void.TRUE, a.SnapshotCommit(snap))
	require.Equal(t, void.TRUE, a.SnapshotRestore(snap))

	restored, _ := a.OffsetToPtr(off, 64)
	want := make([]byte, 64)
	copy(want, "original-state-before-snapshot!!")
	require.Equal(t, want, restored)
}

func TestSnapshotCompareCausality(t *testing.T) {
	a := newTestAtlas(t)
	v1 := chronon.New()
	v1 = v1.Tick(1)
	snapA, _ := a.SnapshotBegin(v1)

	v2 := v1.Tick(1)
	snapB, _ := a.SnapshotBegin(v2)

	order := a.SnapshotCompare(snapA, snapB)
	require.Equal(t, chronon.Before, order)
}

// TestAutoRecoveryOfCyclicList is scenario S6: a 4-node cycle is detected
// by NO_CYCLE and broken by Recover so re-validation passes.
func TestAutoRecoveryOfCyclicList(t *testing.T) {
	a := newTestAtlas(t)

	const nodeSize = 16 // [8]next-offset, [8]payload
	typeID, ok := a.RegisterType("listnode", nodeSize)
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, void.TRUE, a.AddInvariant(typeID, Invariant{
		Kind:       NoCycle,
		NextOffset: 0,
		MaxDepth:   64,
	}))

	offs := make([]void.Ptr, 4)
	for i := range offs {
		offs[i] = a.Alloc(nodeSize)
	}
	for i := 0; i < 4; i++ {
		buf, _ := a.OffsetToPtr(offs[i], nodeSize)
		next := offs[(i+1)%4] // last node's next wraps to the first: a cycle
		util.PutLE64(buf, 0, uint64(next))
	}

	cp, ok := a.CheckpointCreate("cyclecheck", 8)
	require.Equal(t, void.TRUE, ok)
	for _, o := range offs {
		require.Equal(t, void.TRUE, a.AddEntry(cp, int64(o), typeID, nodeSize))
	}

	report, ok := a.Validate(cp)
	require.Equal(t, void.TRUE, ok)
	require.Greater(t, report.Violated, 0)

	recovered, ok := a.Recover(cp)
	require.Equal(t, void.TRUE, ok)
	require.Greater(t, recovered.Recovered, 0)

	final, ok := a.Validate(cp)
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, 0, final.Violated)
}

func TestArrayBoundsInvariant(t *testing.T) {
	a := newTestAtlas(t)
	const structSize = 24 // [8]ptr [8]count [8]pad
	typeID, _ := a.RegisterType("arr", structSize)
	a.AddInvariant(typeID, Invariant{
		Kind:        ArrayBounds,
		FieldOffset: 0,
		CountOffset: 8,
		MaxCount:    10,
		ElemSize:    4,
	})

	dataOff := a.Alloc(40)
	structOff := a.Alloc(structSize)
	buf, _ := a.OffsetToPtr(structOff, structSize)
	util.PutLE64(buf, 0, uint64(dataOff))
	util.PutLE64(buf, 8, 3) // within bounds

	cp, _ := a.CheckpointCreate("arrcheck", 4)
	a.AddEntry(cp, int64(structOff), typeID, structSize)

	report, _ := a.Validate(cp)
	require.Equal(t, 0, report.Violated)

	// corrupt the count out of range
	util.PutLE64(buf, 8, 999)
	report, _ = a.Validate(cp)
	require.Equal(t, 1, report.Violated)
}
