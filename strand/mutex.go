package strand

import (
	"sync"

	"citadel/chronon"
	"citadel/void"
)

// Mutex is a capability-addressed lock: acquisition swaps the holder id and
// contention enqueues the caller, with deadlock detection run across the
// combined wait/join graph before any strand actually blocks.
type Mutex struct {
	mu     sync.Mutex
	holder ID
	waitq  []ID
}

// NewMutex returns an unheld mutex.
func NewMutex() *Mutex {
	return &Mutex{holder: IDVoid}
}

// MutexAcquire attempts to acquire m on behalf of callerID. It returns
// void.TRUE whether acquired immediately or successfully enqueued to wait,
// and void.VOID if granting the wait would deadlock (neither strand
// blocks in that case).
func (t *Table) MutexAcquire(callerID ID, m *Mutex) void.Vbit {
	caller := t.Get(callerID)
	if caller == nil {
		return void.VOID
	}

	m.mu.Lock()
	if m.holder == IDVoid {
		m.holder = callerID
		m.mu.Unlock()
		return void.TRUE
	}
	holder := m.holder
	m.mu.Unlock()

	if t.wouldCycle(callerID, holder) {
		t.log.Record(void.ReasonDeadlock, []int64{int64(callerID), int64(holder)}, "strand: mutex_acquire would deadlock")
		return void.VOID
	}

	m.mu.Lock()
	// re-check: the holder may have released between the cycle check and
	// now taking the lock again.
	if m.holder == IDVoid {
		m.holder = callerID
		m.mu.Unlock()
		return void.TRUE
	}
	m.waitq = append(m.waitq, callerID)
	m.mu.Unlock()

	caller.mu.Lock()
	caller.state = Blocked
	caller.blockedMutex = m
	caller.mu.Unlock()
	return void.TRUE
}

// MutexRelease releases m on behalf of holderID, waking the head of the
// wait queue if any. It returns void.FALSE if holderID is not the current
// holder (an identity check before release).
func (t *Table) MutexRelease(holderID ID, m *Mutex) void.Vbit {
	m.mu.Lock()
	if m.holder != holderID {
		m.mu.Unlock()
		t.log.Record(void.ReasonOutOfRange, []int64{int64(holderID)}, "strand: mutex_release by non-holder")
		return void.FALSE
	}
	if len(m.waitq) == 0 {
		m.holder = IDVoid
		m.mu.Unlock()
		return void.TRUE
	}
	next := m.waitq[0]
	m.waitq = m.waitq[1:]
	m.holder = next
	m.mu.Unlock()

	if ns := t.Get(next); ns != nil {
		ns.mu.Lock()
		if ns.state == Blocked {
			ns.state = Ready
			ns.blockedMutex = nil
		}
		ns.mu.Unlock()
	}
	return void.TRUE
}

// capSlotValid reports whether slot indexes the fixed cap table.
func capSlotValid(slot int) bool { return slot >= 0 && slot < NumCapSlots }

// CapGet returns the slot's contents and whether it is non-empty.
func (s *Strand) CapGet(slot int) (CapSlot, bool) {
	if !capSlotValid(slot) {
		return CapSlot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.caps[slot]
	return c, c.State != SlotEmpty
}

// CapClear empties slot.
func (s *Strand) CapClear(slot int) void.Vbit {
	if !capSlotValid(slot) {
		return void.VOID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[slot] = CapSlot{Peer: IDVoid}
	return void.TRUE
}

// CapFindSlot returns the index of the first EMPTY slot, or -1 (VOID slot
// index) if the table is full.
func (s *Strand) CapFindSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.caps {
		if c.State == SlotEmpty {
			return i
		}
	}
	return -1
}

// Grant transfers ownership of a capability from "from"'s srcSlot to
// "to"'s dstSlot: the source slot becomes EMPTY, the destination OWNED.
func (t *Table) Grant(fromID, toID ID, srcSlot, dstSlot int) void.Vbit {
	from, to := t.Get(fromID), t.Get(toID)
	if from == nil || to == nil || !capSlotValid(srcSlot) || !capSlotValid(dstSlot) {
		return void.VOID
	}
	from.mu.Lock()
	src := from.caps[srcSlot]
	if src.State != SlotOwned {
		from.mu.Unlock()
		return void.VOID
	}
	from.caps[srcSlot] = CapSlot{Peer: IDVoid}
	from.mu.Unlock()

	to.mu.Lock()
	if to.caps[dstSlot].State != SlotEmpty {
		to.mu.Unlock()
		// restore source on failure
		from.mu.Lock()
		from.caps[srcSlot] = src
		from.mu.Unlock()
		return void.VOID
	}
	to.caps[dstSlot] = CapSlot{State: SlotOwned, Cap: src.Cap, Peer: IDVoid}
	to.mu.Unlock()
	return void.TRUE
}

// Lend marks "from"'s srcSlot LENT and "to"'s dstSlot BORROWED, expiring at
// now+timeout.
func (t *Table) Lend(fromID, toID ID, srcSlot, dstSlot int, now, timeout chronon.Chronon) void.Vbit {
	from, to := t.Get(fromID), t.Get(toID)
	if from == nil || to == nil || !capSlotValid(srcSlot) || !capSlotValid(dstSlot) {
		return void.VOID
	}
	expiry := now + timeout

	from.mu.Lock()
	src := from.caps[srcSlot]
	if src.State != SlotOwned {
		from.mu.Unlock()
		return void.VOID
	}
	from.mu.Unlock()

	to.mu.Lock()
	if to.caps[dstSlot].State != SlotEmpty {
		to.mu.Unlock()
		return void.VOID
	}
	to.caps[dstSlot] = CapSlot{State: SlotBorrowed, Cap: src.Cap, Peer: fromID, PeerSlot: srcSlot, Expiry: expiry}
	to.mu.Unlock()

	from.mu.Lock()
	from.caps[srcSlot] = CapSlot{State: SlotLent, Cap: src.Cap, Peer: toID, PeerSlot: dstSlot, Expiry: expiry}
	from.mu.Unlock()
	return void.TRUE
}

// RevokeLend immediately invalidates a lend: the lender's slot clears and
// the borrower's slot is forced empty, so any subsequent dereference of
// that capability by the borrower observes VOID.
func (t *Table) RevokeLend(lenderID ID, srcSlot int) void.Vbit {
	lender := t.Get(lenderID)
	if lender == nil || !capSlotValid(srcSlot) {
		return void.VOID
	}
	lender.mu.Lock()
	s := lender.caps[srcSlot]
	if s.State != SlotLent {
		lender.mu.Unlock()
		return void.VOID
	}
	lender.caps[srcSlot] = CapSlot{Peer: IDVoid}
	lender.mu.Unlock()

	if borrower := t.Get(s.Peer); borrower != nil {
		borrower.mu.Lock()
		if borrower.caps[s.PeerSlot].State == SlotBorrowed {
			borrower.caps[s.PeerSlot] = CapSlot{Peer: IDVoid}
		}
		borrower.mu.Unlock()
	}
	return void.TRUE
}

// Return lets a borrower give a lent capability back early: the borrower's
// slot clears and the lender's slot reverts to OWNED.
func (t *Table) Return(borrowerID ID, slot int) void.Vbit {
	borrower := t.Get(borrowerID)
	if borrower == nil || !capSlotValid(slot) {
		return void.VOID
	}
	borrower.mu.Lock()
	s := borrower.caps[slot]
	if s.State != SlotBorrowed {
		borrower.mu.Unlock()
		return void.VOID
	}
	borrower.caps[slot] = CapSlot{Peer: IDVoid}
	borrower.mu.Unlock()

	if lender := t.Get(s.Peer); lender != nil {
		lender.mu.Lock()
		if lender.caps[s.PeerSlot].State == SlotLent {
			lender.caps[s.PeerSlot] = CapSlot{State: SlotOwned, Cap: s.Cap, Peer: IDVoid}
		}
		lender.mu.Unlock()
	}
	return void.TRUE
}

// ProcessLends clears every BORROWED slot across every strand whose expiry
// has passed, returning the lender's slot to OWNED — run by the scheduler
// once per dispatch cycle.
func (t *Table) ProcessLends(now chronon.Chronon) {
	for _, s := range t.strandsSnapshot() {
		s.mu.Lock()
		for i, c := range s.caps {
			if c.State == SlotBorrowed && c.Expiry <= now {
				s.caps[i] = CapSlot{Peer: IDVoid}
				if lender := t.Get(c.Peer); lender != nil {
					lender.mu.Lock()
					if lender.caps[c.PeerSlot].State == SlotLent {
						lender.caps[c.PeerSlot] = CapSlot{State: SlotOwned, Cap: c.Cap, Peer: IDVoid}
					}
					lender.mu.Unlock()
				}
			}
		}
		s.mu.Unlock()
	}
}
