// Package sovereign implements the hierarchical process model: a tree
// of Sovereigns with monotonically-narrowing authority
// masks, each owning a primary/code/scratch arena triple and a strand
// table, plus the conceive/grant_cap/load_code/vivify/kill/wait/suspend/
// resume lifecycle. Grounded on biscuit's process tree bookkeeping
// (parent/child ids, not pointers, so kill can sever a subtree without the
// garbage collector fighting back) generalized from POSIX process groups
// to capability authority.
package sovereign

import (
	"sync"

	"citadel/accnt"
	"citadel/arena"
	"citadel/capability"
	"citadel/chronon"
	"citadel/strand"
	"citadel/void"
)

// ID identifies a Sovereign within its Table.
type ID int32

// IDVoid is the absent-sovereign sentinel; the Primordial's parent.
const IDVoid ID = -1

// Authority is the bitmask of rights a Sovereign may exercise or delegate.
type Authority uint64

const (
	AuthoritySpawn Authority = 1 << iota
	AuthorityKill
	AuthoritySuspend
	AuthorityGrant
	AuthorityRevoke
	AuthorityAtlas
	AuthorityAether
)

// AuthorityAll is the Primordial's full authority mask.
const AuthorityAll Authority = ^Authority(0)

// State is a position in the Sovereign lifecycle.
type State int

const (
	Nascent State = iota
	Running
	WaitingState
	SuspendedState
	Exiting
	Killed
	VoidState
)

func (s State) terminal() bool { return s == Killed || s == Exiting || s == VoidState }

// Config parameterizes conceive.
type Config struct {
	Authority   Authority
	MemoryLimit int // primary-arena capacity in bytes
	CodeLimit   int
	ScratchLimit int
}

// Arenas groups the three arenas a Sovereign owns.
type Arenas struct {
	Primary *arena.Arena
	Code    *arena.Arena
	Scratch *arena.Arena
}

// NumCapSlots is the fixed size of a Sovereign's own capability table,
// distinct from each of its Strands' 256-entry tables.
const NumCapSlots = 64

// CapSlot mirrors strand.CapSlot's shape for a Sovereign-level grant.
type CapSlot struct {
	Owned bool
	Cap   capability.ID
}

// Sovereign is a capability-scoped process: owner of strands, arenas, and
// child Sovereigns.
type Sovereign struct {
	mu sync.Mutex

	id       ID
	parentID ID
	authority Authority
	state    State

	children []ID
	caps     [NumCapSlots]CapSlot

	arenas  Arenas
	strands *strand.Table
	cdt     *capability.CDT

	memoryUsed int

	birth    chronon.Chronon
	exitCode uint32

	accounting accnt.Accnt
}

// ID returns s's identity.
func (s *Sovereign) ID() ID { return s.id }

// ParentID returns s's parent, or IDVoid for the Primordial.
func (s *Sovereign) ParentID() ID { return s.parentID }

// Authority returns s's current authority mask.
func (s *Sovereign) Authority() Authority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authority
}

// State returns s's current lifecycle state.
func (s *Sovereign) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Strands returns s's owned strand table.
func (s *Sovereign) Strands() *strand.Table { return s.strands }

// CDT returns s's capability derivation tree.
func (s *Sovereign) CDT() *capability.CDT { return s.cdt }

// Arenas returns s's primary/code/scratch arena triple.
func (s *Sovereign) Arenas() Arenas { return s.arenas }

// ChargeStrandExec charges execDelta ticks of execution time consumed by
// strandID to s's resource accounting. A driving scheduler loop reports
// this once per quantum, the same externally-supplied-metric idiom the
// Galactic scheduler itself uses for its own per-Strand statistics.
func (s *Sovereign) ChargeStrandExec(strandID strand.ID, execDelta chronon.Chronon) void.Vbit {
	if s.strands.Get(strandID) == nil {
		return void.VOID
	}
	s.accounting.ExecAdd(execDelta)
	return void.TRUE
}

// ChargeStrandWait charges waitDelta ticks strandID spent BLOCKED or
// WAITING (on a mutex or a join target) to s's resource accounting.
func (s *Sovereign) ChargeStrandWait(strandID strand.ID, waitDelta chronon.Chronon) void.Vbit {
	if s.strands.Get(strandID) == nil {
		return void.VOID
	}
	s.accounting.WaitAdd(waitDelta)
	return void.TRUE
}

// Usage returns s's accumulated (exec, wait) ticks, including totals merged
// in from reaped children via Kill/Wait.
func (s *Sovereign) Usage() (exec, wait chronon.Chronon) {
	return s.accounting.Fetch()
}

// Table is the registry of every Sovereign in the system, rooted at the
// Primordial.
type Table struct {
	mu         sync.Mutex
	nextID     ID
	sovereigns map[ID]*Sovereign
	log        *void.Log
}

// NewTable returns an empty Sovereign table.
func NewTable(log *void.Log) *Table {
	return &Table{sovereigns: make(map[ID]*Sovereign), log: log}
}

// Get returns the Sovereign with id, or nil.
func (t *Table) Get(id ID) *Sovereign {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sovereigns[id]
}

// Primordial creates and registers the root Sovereign: full authority, no
// parent, RUNNING on creation, and never exits.
func (t *Table) Primordial(cfg Config, birth chronon.Chronon) *Sovereign {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	s := &Sovereign{
		id:        id,
		parentID:  IDVoid,
		authority: AuthorityAll,
		state:     Running,
		arenas: Arenas{
			Primary: arena.New(cfg.MemoryLimit, 16, 0, t.log),
			Code:    arena.New(cfg.CodeLimit, 16, 0, t.log),
			Scratch: arena.New(cfg.ScratchLimit, 16, 0, t.log),
		},
		strands: strand.NewTable(t.log),
		cdt:     capability.New(t.log),
		birth:   birth,
	}
	t.sovereigns[id] = s
	return s
}

// Conceive creates a child of parentID, requiring SPAWN authority on the
// parent and config.Authority ⊆ parent.Authority. It returns
// (nil, void.FALSE) on an authority violation and (nil,
// void.VOID) on a malformed or unknown parent.
func (t *Table) Conceive(parentID ID, cfg Config) (*Sovereign, void.Vbit) {
	parent := t.Get(parentID)
	if parent == nil {
		return nil, void.VOID
	}
	parent.mu.Lock()
	authOK := parent.authority&AuthoritySpawn != 0
	parentAuthority := parent.authority
	parent.mu.Unlock()
	if !authOK {
		t.log.Record(void.ReasonOutOfRange, []int64{int64(parentID)}, "sovereign: conceive without SPAWN authority")
		return nil, void.FALSE
	}
	if cfg.Authority&^parentAuthority != 0 {
		t.log.Record(void.ReasonOutOfRange, []int64{int64(parentID)}, "sovereign: conceive requests authority escalation")
		return nil, void.FALSE
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	child := &Sovereign{
		id:        id,
		parentID:  parentID,
		authority: cfg.Authority,
		state:     Nascent,
		arenas: Arenas{
			Primary: arena.New(cfg.MemoryLimit, 16, 0, t.log),
			Code:    arena.New(cfg.CodeLimit, 16, 0, t.log),
			Scratch: arena.New(cfg.ScratchLimit, 16, 0, t.log),
		},
		strands: strand.NewTable(t.log),
		cdt:     capability.New(t.log),
	}
	t.sovereigns[id] = child
	t.mu.Unlock()

	parent.mu.Lock()
	parent.children = append(parent.children, id)
	parent.mu.Unlock()
	return child, void.TRUE
}

// GrantCap places cap into childID's slot dstSlot while child is still
// NASCENT, optionally clearing parentID's srcSlot (transfer).
func (t *Table) GrantCap(parentID, childID ID, srcSlot, dstSlot int, cap capability.ID, transfer bool) void.Vbit {
	parent, child := t.Get(parentID), t.Get(childID)
	if parent == nil || child == nil {
		return void.VOID
	}
	if !validSlot(srcSlot) || !validSlot(dstSlot) {
		return void.VOID
	}
	child.mu.Lock()
	if child.state != Nascent {
		child.mu.Unlock()
		return void.VOID
	}
	if child.caps[dstSlot].Owned {
		child.mu.Unlock()
		return void.VOID
	}
	child.caps[dstSlot] = CapSlot{Owned: true, Cap: cap}
	child.mu.Unlock()

	if transfer {
		parent.mu.Lock()
		parent.caps[srcSlot] = CapSlot{}
		parent.mu.Unlock()
	}
	return void.TRUE
}

func validSlot(i int) bool { return i >= 0 && i < NumCapSlots }

// LoadCode copies buf into childID's code arena; loadAddr is recorded only
// as the caller's intended mapping base (this kernel simulates code arenas
// as plain bump-allocated storage, not a real executable image).
func (t *Table) LoadCode(childID ID, buf []byte, loadAddr uint64) void.Vbit {
	_ = loadAddr
	child := t.Get(childID)
	if child == nil {
		return void.VOID
	}
	child.mu.Lock()
	defer child.mu.Unlock()
	if child.state != Nascent {
		return void.VOID
	}
	region, _, _, ok := child.arenas.Code.Alloc(len(buf), 1)
	if !ok {
		return void.VOID
	}
	copy(region, buf)
	return void.TRUE
}

// Vivify creates childID's main strand from entry/arg, starts and
// dispatches it, and transitions the Sovereign to RUNNING.
func (t *Table) Vivify(childID ID, entry func(any), arg any, stackSize int, stackType capability.TypeTag) void.Vbit {
	child := t.Get(childID)
	if child == nil {
		return void.VOID
	}
	child.mu.Lock()
	if child.state != Nascent {
		child.mu.Unlock()
		return void.VOID
	}
	child.mu.Unlock()

	main, ok := child.strands.Create(child.cdt, capability.IDVoid, child.arenas.Primary, entry, arg, stackSize, stackType)
	if ok != void.TRUE {
		return void.VOID
	}
	if main.Start() != void.TRUE {
		return void.VOID
	}
	main.Dispatch()

	child.mu.Lock()
	child.state = Running
	child.mu.Unlock()
	return void.TRUE
}

// Kill terminates childID on behalf of callerID, requiring KILL authority
// and direct parentage; the Primordial can never be killed.
func (t *Table) Kill(callerID, childID ID) void.Vbit {
	caller, child := t.Get(callerID), t.Get(childID)
	if caller == nil || child == nil {
		return void.VOID
	}
	if child.id == 0 && child.parentID == IDVoid {
		t.log.Record(void.ReasonOutOfRange, []int64{int64(childID)}, "sovereign: attempted kill of Primordial")
		return void.FALSE
	}
	caller.mu.Lock()
	authOK := caller.authority&AuthorityKill != 0
	caller.mu.Unlock()
	if !authOK {
		return void.FALSE
	}
	child.mu.Lock()
	if child.parentID != callerID {
		child.mu.Unlock()
		return void.FALSE
	}
	child.state = Killed
	child.exitCode = strand.ExitVoid
	child.mu.Unlock()

	t.reap(caller, child)
	return void.TRUE
}

// reap completes a terminated child's lifecycle on behalf of parent: merges
// the child's accumulated resource accounting into parent's (mirroring
// biscuit's Accnt_t.Add on wait(2)), resets its arenas — bumping each
// arena's generation invalidates every outstanding arena-bound capability —
// and finishes spec §4.8's KILLED → frees arenas → VOID transition. A
// no-op if child has already been reaped.
func (t *Table) reap(parent, child *Sovereign) {
	child.mu.Lock()
	if child.state == VoidState {
		child.mu.Unlock()
		return
	}
	child.state = VoidState
	child.mu.Unlock()

	parent.accounting.Add(&child.accounting)

	child.arenas.Primary.Reset()
	child.arenas.Code.Reset()
	child.arenas.Scratch.Reset()
}

// Exit voluntarily terminates selfID with the given code; a no-op on the
// Primordial.
func (t *Table) Exit(selfID ID, code uint32) {
	s := t.Get(selfID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parentID == IDVoid {
		return // Primordial never exits
	}
	s.state = Exiting
	s.exitCode = code
}

// Wait polls childID for termination. elapsed and timeout are caller-supplied
// chronon ticks; a timeout of chronon.Chronon(void.U64) ("VOID") means
// "poll once, do not wait further". It returns (code, TRUE) if terminal,
// (0, FALSE) if not yet terminal within the budget, and (0, VOID) on error.
func (t *Table) Wait(childID ID, elapsed, timeout chronon.Chronon) (uint32, void.Vbit) {
	child := t.Get(childID)
	if child == nil {
		return 0, void.VOID
	}
	child.mu.Lock()
	terminal := child.state.terminal()
	code := child.exitCode
	child.mu.Unlock()

	if terminal {
		if parent := t.Get(child.parentID); parent != nil {
			t.reap(parent, child)
		}
		return code, void.TRUE
	}
	if timeout == chronon.Chronon(^uint64(0)) {
		return 0, void.FALSE
	}
	if elapsed >= timeout {
		return 0, void.FALSE
	}
	return 0, void.FALSE
}

// Suspend pauses callerID's child childID, gated by SUSPEND authority.
func (t *Table) Suspend(callerID, childID ID) void.Vbit {
	caller, child := t.Get(callerID), t.Get(childID)
	if caller == nil || child == nil {
		return void.VOID
	}
	caller.mu.Lock()
	authOK := caller.authority&AuthoritySuspend != 0
	caller.mu.Unlock()
	if !authOK {
		return void.FALSE
	}
	child.mu.Lock()
	defer child.mu.Unlock()
	if child.state != Running {
		return void.VOID
	}
	child.state = SuspendedState
	return void.TRUE
}

// Resume resumes a previously SUSPENDED childID, gated by SUSPEND authority.
func (t *Table) Resume(callerID, childID ID) void.Vbit {
	caller, child := t.Get(callerID), t.Get(childID)
	if caller == nil || child == nil {
		return void.VOID
	}
	caller.mu.Lock()
	authOK := caller.authority&AuthoritySuspend != 0
	caller.mu.Unlock()
	if !authOK {
		return void.FALSE
	}
	child.mu.Lock()
	defer child.mu.Unlock()
	if child.state != SuspendedState {
		return void.VOID
	}
	child.state = Running
	return void.TRUE
}
