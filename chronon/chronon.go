// Package chronon implements the logical-clock and vector-clock causality
// primitives Atlas snapshots and Aether replay windows build on: a
// monotonic 64-bit scalar tick and a per-node vector clock with the
// standard BEFORE/AFTER/EQUAL/CONCURRENT partial order, plus VOID for a
// malformed comparison input. Neither primitive exists in biscuit, which
// has no distributed or persistent-snapshot story; the copy-on-write map
// style here follows the immutable-value idiom biscuit uses for Ubuf_t
// buffers (biscuit/src/ubuf equivalents) rather than mutating shared
// state in place.
package chronon

import "citadel/void"

// Chronon is a monotonic logical tick.
type Chronon uint64

// Tick returns c+1.
func (c Chronon) Tick() Chronon { return c + 1 }

// NodeID identifies one participant in a vector clock (an Atlas writer, an
// Aether DSM node).
type NodeID uint32

// VectorClock maps each node it has observed to that node's latest known
// tick. A nil or zero-value VectorClock is the origin clock: every entry
// implicitly reads as zero.
type VectorClock map[NodeID]Chronon

// New returns an empty (origin) vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Get returns the tick recorded for n, or zero if n has never been
// observed.
func (v VectorClock) Get(n NodeID) Chronon {
	return v[n]
}

// Clone returns an independent copy of v.
func (v VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Tick returns a copy of v with self's entry advanced by one tick — the
// update a node applies to its own clock before stamping an event.
func (v VectorClock) Tick(self NodeID) VectorClock {
	out := v.Clone()
	out[self] = out[self].Tick()
	return out
}

// Merge returns the entrywise maximum of v and other — the update applied
// on receipt of a remote event, folding in everything the sender had seen.
func (v VectorClock) Merge(other VectorClock) VectorClock {
	out := v.Clone()
	for k, val := range other {
		if val > out[k] {
			out[k] = val
		}
	}
	return out
}

// Order is the result of comparing two vector clocks for causal order.
type Order int8

const (
	Before Order = iota
	After
	Equal
	Concurrent
	VoidOrder Order = -1
)

func (o Order) String() string {
	switch o {
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Equal:
		return "EQUAL"
	case Concurrent:
		return "CONCURRENT"
	default:
		return "VOID"
	}
}

// Compare returns the causal order of a relative to b. Result is
// VoidOrder if either clock is nil: comparison against an absent clock
// yields VOID, not a default order.
func Compare(log *void.Log, a, b VectorClock) Order {
	if a == nil || b == nil {
		log.Record(void.ReasonMalformedFrame, nil, "chronon: compare against nil vector clock")
		return VoidOrder
	}
	keys := make(map[NodeID]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	aLess, bLess := false, false
	for k := range keys {
		av, bv := a.Get(k), b.Get(k)
		if av < bv {
			aLess = true
		} else if av > bv {
			bLess = true
		}
	}
	switch {
	case !aLess && !bLess:
		return Equal
	case aLess && !bLess:
		return Before
	case bLess && !aLess:
		return After
	default:
		return Concurrent
	}
}
