package kmalloc

import (
	"testing"

	"citadel/pmm"
	"citadel/void"

	"github.com/stretchr/testify/require"
)

func newTestKMalloc(t *testing.T) *KMalloc {
	log := void.NewLog()
	p := pmm.New(64, log)
	return New(p, log)
}

// TestSlabRoundTrip exercises scenario S1: a 48-byte request rounds up into
// the 64-byte class, the freed object is handed back LIFO to the next
// same-size request, and the class's allocation/free counters track both
// events.
func TestSlabRoundTrip(t *testing.T) {
	k := newTestKMalloc(t)

	a := k.Kmalloc(48)
	require.False(t, a.IsVoid())
	require.Equal(t, 64, k.UsableSize(a))

	k.Kfree(a)

	b := k.Kmalloc(48)
	require.False(t, b.IsVoid())
	require.Equal(t, a, b, "freed object should be reused LIFO")

	ci := classFor(48)
	require.Equal(t, 64, sizeClasses[ci])
	allocations, frees, _ := k.caches[ci].stats()
	require.Equal(t, uint64(2), allocations)
	require.Equal(t, uint64(1), frees)
}

func TestClassRounding(t *testing.T) {
	require.Equal(t, 0, classFor(1))
	require.Equal(t, 0, classFor(16))
	require.Equal(t, 1, classFor(17))
	require.Equal(t, 7, classFor(2048))
	require.Equal(t, -1, classFor(2049))
}

func TestLargeAllocationRoundTrip(t *testing.T) {
	k := newTestKMalloc(t)

	a := k.Kmalloc(9000)
	require.False(t, a.IsVoid())
	require.Equal(t, 9000, k.UsableSize(a))

	view := k.Bytes(a, 16)
	for i := range view {
		view[i] = byte(i)
	}

	k.Kfree(a)
	// a second large allocation of the same size should succeed again,
	// proving the pages were actually returned to pmm.
	b := k.Kmalloc(9000)
	require.False(t, b.IsVoid())
}

func TestReallocGrowsAndCopies(t *testing.T) {
	k := newTestKMalloc(t)

	a := k.Kmalloc(20)
	require.False(t, a.IsVoid())
	view := k.Bytes(a, 20)
	for i := range view {
		view[i] = byte(i + 1)
	}

	b := k.Realloc(a, 100)
	require.False(t, b.IsVoid())
	require.Equal(t, 128, k.UsableSize(b))

	grown := k.Bytes(b, 20)
	for i := range grown {
		require.Equal(t, byte(i+1), grown[i])
	}
}

func TestAlignedAlloc(t *testing.T) {
	k := newTestKMalloc(t)

	aligned, raw := k.AlignedAlloc(100, 64)
	require.False(t, aligned.IsVoid())
	require.False(t, raw.IsVoid())
	require.Equal(t, uint64(0), uint64(aligned)%64)

	k.Kfree(raw)
}

func TestGlobalStatsTallyAcrossClasses(t *testing.T) {
	k := newTestKMalloc(t)

	a := k.Kmalloc(48)
	b := k.Kmalloc(4096) // large-object path
	k.Kfree(a)

	allocs, frees := k.GlobalStats()
	require.Equal(t, int64(2), allocs)
	require.Equal(t, int64(1), frees)

	k.Kfree(b)
	_, frees = k.GlobalStats()
	require.Equal(t, int64(2), frees)
}

func TestKmallocExhaustion(t *testing.T) {
	log := void.NewLog()
	p := pmm.New(1, log)
	k := New(p, log)

	// the single available frame goes to the first slab; exhaust every
	// small-object allocator by draining whichever class's single page we
	// can obtain, then confirm a large request (which needs its own pages)
	// reports VOID rather than panicking.
	first := k.Kmalloc(16)
	require.False(t, first.IsVoid())

	big := k.Kmalloc(100000)
	require.True(t, big.IsVoid())
	require.Greater(t, log.Len(), 0)
}
