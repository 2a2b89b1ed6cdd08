package chronon

import (
	"testing"

	"citadel/void"

	"github.com/stretchr/testify/require"
)

func TestTickAndMerge(t *testing.T) {
	a := New().Tick(1)
	require.Equal(t, Chronon(1), a.Get(1))

	b := New().Tick(2).Tick(2)
	require.Equal(t, Chronon(2), b.Get(2))

	merged := a.Merge(b)
	require.Equal(t, Chronon(1), merged.Get(1))
	require.Equal(t, Chronon(2), merged.Get(2))
}

func TestCompareCausality(t *testing.T) {
	log := void.NewLog()

	base := New().Tick(1)
	ahead := base.Tick(1)

	require.Equal(t, Before, Compare(log, base, ahead))
	require.Equal(t, After, Compare(log, ahead, base))
	require.Equal(t, Equal, Compare(log, base, base.Clone()))

	concurrent := New().Tick(2)
	require.Equal(t, Concurrent, Compare(log, base, concurrent))
}

func TestCompareNilIsVoid(t *testing.T) {
	log := void.NewLog()
	require.Equal(t, VoidOrder, Compare(log, nil, New()))
	require.Equal(t, 1, log.Len())
}
