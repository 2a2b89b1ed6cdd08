// Package limits holds the kernel's bounded-pool constants: the sizes of
// every fixed-capacity table in the kernel (Strand cap tables, Atlas's
// transaction/snapshot/checkpoint/type slots, Aether's node table), plus an
// atomically-adjusted counter type for tracking how much of each pool is in
// use. Adapted from biscuit's limits.Syslimit_t/Sysatomic_t
// (biscuit/src/limits/limits.go), retargeted from POSIX resource counts
// (procs, vnodes, futexes) to this kernel's own bounded pools, and from
// unsafe-pointer atomics to sync/atomic.Int64.
package limits

import "sync/atomic"

// Sysatomic is a resource counter that can be atomically given back or
// taken from a bound, refusing to go negative.
type Sysatomic struct {
	n atomic.Int64
}

// NewSysatomic returns a counter seeded at bound.
func NewSysatomic(bound int64) *Sysatomic {
	s := &Sysatomic{}
	s.n.Store(bound)
	return s
}

// Given increases the remaining count by n.
func (s *Sysatomic) Given(n int64) {
	if n < 0 {
		panic("limits: negative Given")
	}
	s.n.Add(n)
}

// Taken attempts to decrement the remaining count by n, refusing (and
// leaving the counter unchanged) if that would take it negative.
func (s *Sysatomic) Taken(n int64) bool {
	if n < 0 {
		panic("limits: negative Taken")
	}
	if s.n.Add(-n) >= 0 {
		return true
	}
	s.n.Add(n)
	return false
}

// Take is Taken(1).
func (s *Sysatomic) Take() bool { return s.Taken(1) }

// Give is Given(1).
func (s *Sysatomic) Give() { s.Given(1) }

// Remaining reports the current count.
func (s *Sysatomic) Remaining() int64 { return s.n.Load() }

// Syslimit collects the kernel's bounded-pool sizes. core.Config carries
// one, but no subsystem reads it: each table applies its own constant.
type Syslimit struct {
	MaxTransactions        int // Atlas concurrent transaction slots
	MaxSnapshots           int // Atlas concurrent snapshot slots
	MaxCheckpoints         int // Atlas checkpoints per store
	MaxCheckpointTypes     int // Atlas registered types
	MaxInvariantsPerType   int
	MaxDirtyPages          int // Atlas dirty-page table per transaction
	MaxAetherNodes         int // Aether node table
	MaxStrandCaps          int // Strand cap_table size (fixed at 256)
	MaxStrandsPerSovereign int
}

// Default returns the kernel's default bounded-pool sizes.
func Default() *Syslimit {
	return &Syslimit{
		MaxTransactions:        256,
		MaxSnapshots:           64,
		MaxCheckpoints:         128,
		MaxCheckpointTypes:     64,
		MaxInvariantsPerType:   16,
		MaxDirtyPages:          512,
		MaxAetherNodes:         256,
		MaxStrandCaps:          256,
		MaxStrandsPerSovereign: 64,
	}
}
