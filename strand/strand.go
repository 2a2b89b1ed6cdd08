// Package strand implements the capability-isolated thread: a
// 256-entry capability table, a private bump arena for its stack,
// grant/lend/revoke transfer of capability ownership between strands,
// mutex acquisition with deadlock detection, and the
// NASCENT→READY→RUNNING→{READY,BLOCKED,WAITING,TERMINATED} state machine.
//
// Strands are owned by a Table (conceptually the owning Sovereign's
// strand table — ids into a Sovereign-owned Strand table, or weak
// references); cross-strand references (join targets, mutex
// holders) are IDs, never Go pointers, so the intentionally-cyclic
// deadlock-detection graph never fights the garbage collector. Grounded on
// biscuit's thread/context bookkeeping conventions (tinfo.Tnote_t-style
// per-thread state in biscuit/src/tinfo/tinfo.go) generalized to this
// kernel's capability-centric model.
package strand

import (
	"sync"

	"citadel/arena"
	"citadel/capability"
	"citadel/chronon"
	"citadel/void"
)

// ID identifies a Strand within its owning Table.
type ID int32

// IDVoid is the absent-strand sentinel.
const IDVoid ID = -1

// State is a position in the Strand state machine.
type State int

const (
	Nascent State = iota
	Ready
	Running
	Blocked
	Waiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Nascent:
		return "NASCENT"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Waiting:
		return "WAITING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// CapSlotState is the lifecycle state of one entry of a Strand's cap table.
type CapSlotState int

const (
	SlotEmpty CapSlotState = iota
	SlotOwned
	SlotLent     // lent out to another strand; Peer/PeerSlot name the borrower
	SlotBorrowed // borrowed from another strand; Peer/PeerSlot name the lender
)

// NumCapSlots is the fixed cap-table size.
const NumCapSlots = 256

// CapSlot is one entry of a Strand's capability table.
type CapSlot struct {
	State    CapSlotState
	Cap      capability.ID
	Peer     ID // lender or borrower counterpart strand, IDVoid if n/a
	PeerSlot int
	Expiry   chronon.Chronon // valid only when State == SlotLent/SlotBorrowed
}

// ExitVoid is the reserved "killed, no code" exit code.
const ExitVoid uint32 = 0xFFFFFFFF

// Strand is a capability-isolated thread of control.
type Strand struct {
	mu sync.Mutex

	id    ID
	state State
	clock chronon.Chronon

	caps [NumCapSlots]CapSlot

	band      *arena.Arena
	stackCap  capability.ID
	stackBase uint64
	stackSize uint64

	entry func(arg any)
	arg   any

	priority     int
	basePriority int
	affinity     uint64

	// waitingOn/blockedMutex are non-owning references used only by
	// deadlock detection; traversal is read-only.
	waitingOn    ID
	blockedMutex *Mutex
	joiners      []ID

	exitCode  uint32
	contextGen uint64

	log *void.Log
}

// ID returns s's identity.
func (s *Strand) ID() ID { return s.id }

// State returns s's current state.
func (s *Strand) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Priority returns s's current effective priority.
func (s *Strand) Priority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// SetPriority sets s's effective priority, clamped to [min, max].
func (s *Strand) SetPriority(p, min, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p < min {
		p = min
	}
	if p > max {
		p = max
	}
	s.priority = p
}

// ContextGeneration returns the number of context switches s has undergone.
func (s *Strand) ContextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextGen
}

// DefaultPriority is the priority assigned to a freshly created Strand.
const DefaultPriority = 0

// Table is the registry of every Strand belonging to one owner (a
// Sovereign); it is the sole holder of *Strand pointers, and every
// cross-strand operation (join, grant, mutex contention) goes through it.
type Table struct {
	mu      sync.Mutex
	nextID  ID
	strands map[ID]*Strand
	log     *void.Log
}

// NewTable returns an empty strand table.
func NewTable(log *void.Log) *Table {
	return &Table{strands: make(map[ID]*Strand), log: log}
}

// Get returns the strand with the given id, or nil.
func (t *Table) Get(id ID) *Strand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strands[id]
}

// Create allocates a stack from band, mints a stack capability (rooted if
// parentCap is capability.IDVoid, else derived from it), and registers a
// new Strand in NASCENT state.
func (t *Table) Create(cdt *capability.CDT, parentCap capability.ID, band *arena.Arena, entry func(any), arg any, stackSize int, stackType capability.TypeTag) (*Strand, void.Vbit) {
	region, offset, gen, ok := band.Alloc(stackSize, 16)
	if !ok {
		return nil, void.VOID
	}
	_ = region
	tok := capability.Token{
		Base:       uint64(offset),
		Length:     uint64(stackSize),
		Generation: gen,
		Perms:      capability.PermRead | capability.PermWrite,
		Type:       stackType,
	}
	var stackCap capability.ID
	if parentCap == capability.IDVoid {
		stackCap = cdt.Root(tok)
	} else {
		var vb void.Vbit
		stackCap, vb = cdt.Derive(parentCap, tok)
		if vb != void.TRUE {
			return nil, void.VOID
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	s := &Strand{
		id:           id,
		state:        Nascent,
		band:         band,
		stackCap:     stackCap,
		stackBase:    uint64(offset),
		stackSize:    uint64(stackSize),
		entry:        entry,
		arg:          arg,
		priority:     DefaultPriority,
		basePriority: DefaultPriority,
		waitingOn:    IDVoid,
		log:          t.log,
	}
	s.caps[0] = CapSlot{State: SlotOwned, Cap: stackCap, Peer: IDVoid}
	t.strands[id] = s
	return s, void.TRUE
}

// Start transitions s from NASCENT to READY.
func (s *Strand) Start() void.Vbit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Nascent {
		s.log.Record(void.ReasonOutOfRange, []int64{int64(s.state)}, "strand: start from non-NASCENT state")
		return void.VOID
	}
	s.state = Ready
	return void.TRUE
}

// Dispatch transitions s from READY to RUNNING; called by the scheduler.
func (s *Strand) Dispatch() void.Vbit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return void.VOID
	}
	s.state = Running
	s.contextGen++
	return void.TRUE
}

// Yield transitions the current RUNNING strand back to READY.
func (s *Strand) Yield() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		s.state = Ready
		s.contextGen++
	}
}

// CapStore places cap in slot as OWNED, failing if slot is out of range or
// not currently EMPTY.
func (s *Strand) CapStore(slot int, cap capability.ID) void.Vbit {
	if slot < 0 || slot >= NumCapSlots {
		return void.VOID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps[slot].State != SlotEmpty {
		return void.VOID
	}
	s.caps[slot] = CapSlot{State: SlotOwned, Cap: cap, Peer: IDVoid}
	return void.TRUE
}

// Exit transitions s to TERMINATED with the given exit code and wakes every
// strand WAITING on it via Join.
func (t *Table) Exit(id ID, code uint32) {
	s := t.Get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state = Terminated
	s.exitCode = code
	joiners := s.joiners
	s.joiners = nil
	s.mu.Unlock()

	for _, j := range joiners {
		if js := t.Get(j); js != nil {
			js.mu.Lock()
			if js.state == Waiting {
				js.state = Ready
				js.waitingOn = IDVoid
			}
			js.mu.Unlock()
		}
	}
}

// next returns the strand id that id is currently blocked behind in the
// combined wait/join graph, or IDVoid if id is not blocked on anyone.
func (t *Table) next(id ID) ID {
	s := t.Get(id)
	if s == nil {
		return IDVoid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Waiting:
		return s.waitingOn
	case Blocked:
		if s.blockedMutex != nil {
			s.blockedMutex.mu.Lock()
			h := s.blockedMutex.holder
			s.blockedMutex.mu.Unlock()
			return h
		}
	}
	return IDVoid
}

// wouldCycle reports whether waiting on target from caller's perspective
// would close a cycle in the combined wait/join graph, walking a bounded
// number of hops (bounded-depth cycle detection).
func (t *Table) wouldCycle(caller, target ID) bool {
	cur := target
	bound := len(t.strandsSnapshot()) + 1
	for i := 0; i < bound; i++ {
		if cur == IDVoid {
			return false
		}
		if cur == caller {
			return true
		}
		cur = t.next(cur)
	}
	return true // exceeded bound: treat as a cycle rather than loop forever
}

func (t *Table) strandsSnapshot() map[ID]*Strand {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ID]*Strand, len(t.strands))
	for k, v := range t.strands {
		out[k] = v
	}
	return out
}

// Join returns (exit code, void.TRUE) if targetID has already reached
// TERMINATED. Otherwise it runs cycle detection; a cycle yields
// (0, void.VOID) and a recorded DEADLOCK without changing either strand's
// state. With no cycle, callerID is marked WAITING on targetID and Join
// returns (0, void.FALSE) at once: it does not block, and the exit code is
// not delivered until the caller joins again after targetID terminates.
func (t *Table) Join(callerID, targetID ID) (uint32, void.Vbit) {
	caller := t.Get(callerID)
	target := t.Get(targetID)
	if caller == nil || target == nil {
		return 0, void.VOID
	}

	target.mu.Lock()
	if target.state == Terminated {
		code := target.exitCode
		target.mu.Unlock()
		return code, void.TRUE
	}
	target.mu.Unlock()

	if t.wouldCycle(callerID, targetID) {
		t.log.Record(void.ReasonDeadlock, []int64{int64(callerID), int64(targetID)}, "strand: join would deadlock")
		return 0, void.VOID
	}

	caller.mu.Lock()
	caller.state = Waiting
	caller.waitingOn = targetID
	caller.mu.Unlock()

	target.mu.Lock()
	target.joiners = append(target.joiners, callerID)
	target.mu.Unlock()

	return 0, void.FALSE // caller must poll State() until Terminated; no real blocking scheduler in this model
}
