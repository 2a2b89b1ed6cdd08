package sovereign

import (
	"testing"

	"citadel/chronon"
	"citadel/strand"
	"citadel/void"

	"github.com/stretchr/testify/require"
)

// mainStrandID is the id Vivify's sole created strand always gets: each
// Sovereign owns a freshly constructed strand.Table (see Conceive/
// Primordial), whose ids start at 0, and Vivify creates exactly one strand
// (the main strand) against it.
const mainStrandID = strand.ID(0)

func newPrimordialTable(t *testing.T) (*Table, *Sovereign) {
	log := void.NewLog()
	tbl := NewTable(log)
	root := tbl.Primordial(Config{MemoryLimit: 1 << 20, CodeLimit: 1 << 16, ScratchLimit: 1 << 16}, 0)
	return tbl, root
}

func TestConceiveNarrowsAuthority(t *testing.T) {
	tbl, root := newPrimordialTable(t)

	child, ok := tbl.Conceive(root.ID(), Config{
		Authority:   AuthoritySpawn | AuthorityKill,
		MemoryLimit: 4096,
		CodeLimit:   4096,
		ScratchLimit: 4096,
	})
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, Nascent, child.State())
	require.Equal(t, root.ID(), child.ParentID())
	require.Equal(t, Authority(0), child.Authority()&^root.Authority())
}

func TestConceiveRejectsEscalation(t *testing.T) {
	log := void.NewLog()
	tbl := NewTable(log)
	limited := tbl.Primordial(Config{MemoryLimit: 4096, CodeLimit: 4096, ScratchLimit: 4096}, 0)
	// demote the "root" to a non-Primordial-authority holder for this test
	limited.authority = AuthoritySpawn

	_, ok := tbl.Conceive(limited.ID(), Config{Authority: AuthorityKill | AuthoritySpawn})
	require.Equal(t, void.FALSE, ok)
}

func TestVivifyAndKill(t *testing.T) {
	tbl, root := newPrimordialTable(t)
	child, _ := tbl.Conceive(root.ID(), Config{
		Authority:    AuthoritySpawn,
		MemoryLimit:  4096,
		CodeLimit:    4096,
		ScratchLimit: 4096,
	})

	require.Equal(t, void.TRUE, tbl.Vivify(child.ID(), func(any) {}, nil, 1024, 1))
	require.Equal(t, Running, child.State())

	require.Equal(t, void.TRUE, tbl.Kill(root.ID(), child.ID()))
	require.Equal(t, VoidState, child.State(), "kill must complete KILLED -> frees arenas -> VOID, not stop at KILLED")
	require.Equal(t, uint64(1), child.Arenas().Primary.Generation(), "kill must free the primary arena, bumping its generation")
}

func TestCannotKillPrimordial(t *testing.T) {
	tbl, root := newPrimordialTable(t)
	require.Equal(t, void.FALSE, tbl.Kill(root.ID(), root.ID()))
}

func TestKillMergesAccountingIntoParent(t *testing.T) {
	tbl, root := newPrimordialTable(t)
	child, _ := tbl.Conceive(root.ID(), Config{
		Authority:    AuthoritySpawn,
		MemoryLimit:  4096,
		CodeLimit:    4096,
		ScratchLimit: 4096,
	})
	require.Equal(t, void.TRUE, tbl.Vivify(child.ID(), func(any) {}, nil, 1024, 1))

	require.Equal(t, void.TRUE, child.ChargeStrandExec(mainStrandID, chronon.Chronon(7)))
	require.Equal(t, void.TRUE, child.ChargeStrandWait(mainStrandID, chronon.Chronon(3)))

	exec, wait := child.Usage()
	require.Equal(t, chronon.Chronon(7), exec)
	require.Equal(t, chronon.Chronon(3), wait)

	rootExecBefore, rootWaitBefore := root.Usage()
	require.Equal(t, void.TRUE, tbl.Kill(root.ID(), child.ID()))

	rootExecAfter, rootWaitAfter := root.Usage()
	require.Equal(t, rootExecBefore+7, rootExecAfter, "parent accounting must absorb the killed child's exec ticks")
	require.Equal(t, rootWaitBefore+3, rootWaitAfter, "parent accounting must absorb the killed child's wait ticks")

	// a second reap attempt (e.g. a subsequent Wait) must not double-count.
	_, ok := tbl.Wait(child.ID(), 0, chronon.Chronon(^uint64(0)))
	require.Equal(t, void.TRUE, ok)
	rootExecFinal, rootWaitFinal := root.Usage()
	require.Equal(t, rootExecAfter, rootExecFinal)
	require.Equal(t, rootWaitAfter, rootWaitFinal)
}

func TestWaitReapsExitedChild(t *testing.T) {
	tbl, root := newPrimordialTable(t)
	child, _ := tbl.Conceive(root.ID(), Config{
		Authority:    AuthoritySpawn,
		MemoryLimit:  4096,
		CodeLimit:    4096,
		ScratchLimit: 4096,
	})
	require.Equal(t, void.TRUE, tbl.Vivify(child.ID(), func(any) {}, nil, 1024, 1))

	require.Equal(t, void.TRUE, child.ChargeStrandExec(mainStrandID, chronon.Chronon(11)))

	tbl.Exit(child.ID(), 5)

	code, ok := tbl.Wait(child.ID(), 0, chronon.Chronon(^uint64(0)))
	require.Equal(t, void.TRUE, ok)
	require.Equal(t, uint32(5), code)
	require.Equal(t, VoidState, child.State(), "wait must reap an exited child to VOID")

	exec, _ := root.Usage()
	require.Equal(t, chronon.Chronon(11), exec, "wait must merge the exited child's accounting into the parent")
}
