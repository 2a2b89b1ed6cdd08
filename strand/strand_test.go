package strand

import (
	"testing"

	"citadel/arena"
	"citadel/capability"
	"citadel/void"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) (*Table, *arena.Arena, *capability.CDT) {
	log := void.NewLog()
	band := arena.New(1<<20, 16, 0, log)
	cdt := capability.New(log)
	return NewTable(log), band, cdt
}

func mkStrand(t *testing.T, tbl *Table, band *arena.Arena, cdt *capability.CDT) *Strand {
	s, ok := tbl.Create(cdt, capability.IDVoid, band, func(any) {}, nil, 4096, 1)
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, void.TRUE, s.Start())
	require.Equal(t, void.TRUE, s.Dispatch())
	return s
}

// TestDeadlockDetection exercises scenario S2: A holds M1 and blocks trying
// to acquire M2; B holds M2 and tries to acquire M1. The second attempt
// must return VOID without blocking either strand, and record a DEADLOCK.
func TestDeadlockDetection(t *testing.T) {
	log := void.NewLog()
	band := arena.New(1<<20, 16, 0, log)
	cdt := capability.New(log)
	tbl := NewTable(log)
	tbl.log = log

	a := mkStrand(t, tbl, band, cdt)
	b := mkStrand(t, tbl, band, cdt)

	m1 := NewMutex()
	m2 := NewMutex()

	require.Equal(t, void.TRUE, tbl.MutexAcquire(a.ID(), m1))
	require.Equal(t, void.TRUE, tbl.MutexAcquire(b.ID(), m2))

	require.Equal(t, void.TRUE, tbl.MutexAcquire(a.ID(), m2)) // blocks, no deadlock yet
	require.Equal(t, Blocked, a.State())

	result := tbl.MutexAcquire(b.ID(), m1)
	require.Equal(t, void.VOID, result)
	require.NotEqual(t, Blocked, b.State())

	found := false
	for _, r := range log.Entries() {
		if r.Reason == void.ReasonDeadlock {
			found = true
		}
	}
	require.True(t, found)
}

func TestGrantTransfersOwnership(t *testing.T) {
	tbl, band, cdt := newTestTable(t)
	a := mkStrand(t, tbl, band, cdt)
	b := mkStrand(t, tbl, band, cdt)

	require.Equal(t, void.TRUE, tbl.Grant(a.ID(), b.ID(), 0, 1))

	srcSlot, ok := a.CapGet(0)
	require.False(t, ok)
	require.Equal(t, SlotEmpty, srcSlot.State)

	dstSlot, ok := b.CapGet(1)
	require.True(t, ok)
	require.Equal(t, SlotOwned, dstSlot.State)
}

func TestLendAndExpire(t *testing.T) {
	tbl, band, cdt := newTestTable(t)
	a := mkStrand(t, tbl, band, cdt)
	b := mkStrand(t, tbl, band, cdt)

	require.Equal(t, void.TRUE, tbl.Lend(a.ID(), b.ID(), 0, 1, 0, 10))

	aSlot, _ := a.CapGet(0)
	require.Equal(t, SlotLent, aSlot.State)
	bSlot, _ := b.CapGet(1)
	require.Equal(t, SlotBorrowed, bSlot.State)

	tbl.ProcessLends(5) // not yet expired
	bSlot, ok := b.CapGet(1)
	require.True(t, ok)
	require.Equal(t, SlotBorrowed, bSlot.State)

	tbl.ProcessLends(11) // expired
	bSlot, ok = b.CapGet(1)
	require.False(t, ok)
	aSlot, _ = a.CapGet(0)
	require.Equal(t, SlotOwned, aSlot.State)
}

func TestJoinOnTerminatedReturnsImmediately(t *testing.T) {
	tbl, band, cdt := newTestTable(t)
	a := mkStrand(t, tbl, band, cdt)
	b := mkStrand(t, tbl, band, cdt)

	tbl.Exit(b.ID(), 42)

	code, ok := tbl.Join(a.ID(), b.ID())
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, uint32(42), code)
}
