// Package accnt tracks per-Strand and per-Sovereign CPU usage in scheduler
// ticks (chronon.Chronon), the resource-accounting half of Strand/Sovereign
// bookkeeping. Adapted from biscuit's Accnt_t (biscuit/src/accnt), which
// accounted wall-clock nanoseconds for POSIX rusage; this kernel has no
// wall clock in its core (time here is logical ticks, not wall time), so
// the same accumulate-and-snapshot shape is retargeted to chronon ticks.
package accnt

import (
	"sync"

	"citadel/chronon"
)

// Accnt accumulates a Strand or Sovereign's consumed ticks, split between
// time actually executing and time charged while blocked/waiting on its
// behalf (e.g. a page fault serviced on its account).
type Accnt struct {
	mu        sync.Mutex
	execTicks chronon.Chronon
	waitTicks chronon.Chronon
}

// ExecAdd adds delta ticks of execution time.
func (a *Accnt) ExecAdd(delta chronon.Chronon) {
	a.mu.Lock()
	a.execTicks += delta
	a.mu.Unlock()
}

// WaitAdd adds delta ticks of wait time.
func (a *Accnt) WaitAdd(delta chronon.Chronon) {
	a.mu.Lock()
	a.waitTicks += delta
	a.mu.Unlock()
}

// Add merges n's totals into a.
func (a *Accnt) Add(n *Accnt) {
	n.mu.Lock()
	execN, waitN := n.execTicks, n.waitTicks
	n.mu.Unlock()

	a.mu.Lock()
	a.execTicks += execN
	a.waitTicks += waitN
	a.mu.Unlock()
}

// Fetch returns a consistent (execTicks, waitTicks) snapshot.
func (a *Accnt) Fetch() (chronon.Chronon, chronon.Chronon) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.execTicks, a.waitTicks
}
