package capability

import (
	"testing"

	"citadel/void"

	"github.com/stretchr/testify/require"
)

func TestDeriveNarrowsPermissions(t *testing.T) {
	log := void.NewLog()
	c := New(log)

	root := c.Root(Token{Base: 0, Length: 4096, Perms: PermRead | PermWrite | PermGrant, Type: 1})

	child, ok := c.Derive(root, Token{Base: 100, Length: 50, Perms: PermRead, Type: 1})
	require.Equal(t, void.TRUE, ok)
	require.NotEqual(t, IDVoid, child)

	require.Equal(t, void.TRUE, c.Check(child, PermRead))
	require.Equal(t, void.FALSE, c.Check(child, PermWrite))
}

func TestDeriveRejectsPermissionEscalation(t *testing.T) {
	log := void.NewLog()
	c := New(log)
	root := c.Root(Token{Base: 0, Length: 4096, Perms: PermRead | PermGrant, Type: 1})

	_, ok := c.Derive(root, Token{Base: 0, Length: 4096, Perms: PermRead | PermWrite, Type: 1})
	require.Equal(t, void.VOID, ok)
}

func TestDeriveRejectsOutOfRange(t *testing.T) {
	log := void.NewLog()
	c := New(log)
	root := c.Root(Token{Base: 0, Length: 100, Perms: PermRead | PermGrant, Type: 1})

	_, ok := c.Derive(root, Token{Base: 50, Length: 100, Perms: PermRead, Type: 1})
	require.Equal(t, void.VOID, ok)
}

func TestRevokeCascadesToDescendants(t *testing.T) {
	log := void.NewLog()
	c := New(log)
	root := c.Root(Token{Base: 0, Length: 4096, Perms: PermRead | PermGrant, Type: 1})
	mid, _ := c.Derive(root, Token{Base: 0, Length: 2048, Perms: PermRead | PermGrant, Type: 1})
	leaf, _ := c.Derive(mid, Token{Base: 0, Length: 100, Perms: PermRead, Type: 1})

	require.Equal(t, void.TRUE, c.Revoke(mid))

	require.Equal(t, void.VOID, c.Check(mid, PermRead))
	require.Equal(t, void.VOID, c.Check(leaf, PermRead))
	// the root itself is untouched
	require.Equal(t, void.TRUE, c.Check(root, PermRead))
}

func TestCheckUnknownIDIsVoid(t *testing.T) {
	log := void.NewLog()
	c := New(log)
	require.Equal(t, void.VOID, c.Check(ID(999), PermRead))
}
