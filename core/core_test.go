package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"citadel/aether"
	"citadel/sovereign"
)

func TestBootWiresEverySubsystem(t *testing.T) {
	c := Boot(DefaultConfig())
	require.NotNil(t, c.PMM)
	require.NotNil(t, c.KMalloc)
	require.NotNil(t, c.Sovereigns)
	require.NotNil(t, c.Primordial)
	require.Equal(t, sovereign.AuthorityAll, c.Primordial.Authority())
	require.NotNil(t, c.Atlas)
	require.NotNil(t, c.AetherNodes)
}

func TestBootAddressSpacePerSovereign(t *testing.T) {
	c := Boot(DefaultConfig())
	as := c.AddressSpace(c.Primordial.ID())
	require.NotNil(t, as)
	require.Same(t, as, c.AddressSpace(c.Primordial.ID()))
}

func TestTickIsMonotonic(t *testing.T) {
	c := Boot(DefaultConfig())
	require.Equal(t, uint64(0), uint64(c.Now()))
	first := c.Tick()
	second := c.Tick()
	require.Greater(t, uint64(second), uint64(first))
}

func TestRegisterAetherNodeSignsFrames(t *testing.T) {
	c := Boot(DefaultConfig())
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	id := c.RegisterAetherNode(1, key, aether.PermRead, DefaultConfig())
	require.Equal(t, uint32(1), id.Wire)

	frame := &aether.Frame{Header: aether.Header{
		Magic: aether.Magic, Version: aether.Version, Type: aether.Ack,
		SeqNum: 1, SrcNode: 1, DstNode: 2,
	}}
	require.True(t, c.AetherNodes.Sign(1, frame))

	result, _ := aether.Validate(c.Log, c.AetherNodes, frame.Encode(), c.Now())
	require.Equal(t, aether.Accepted, result)
}
