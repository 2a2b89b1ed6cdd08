// Package void implements the VOID algebra: canonical absence sentinels
// for each unsigned width, the ternary vbit boolean, and the
// VOID-record post-mortem log.
package void

import (
	"sync"

	"citadel/caller"
)

// Sentinel absence values: all-ones at each width.
const (
	U8  uint8  = 0xFF
	U16 uint16 = 0xFFFF
	U32 uint32 = 0xFFFFFFFF
	U64 uint64 = 0xFFFFFFFFFFFFFFFF
)

// IsVoidU8 reports whether x is the width-8 VOID sentinel.
func IsVoidU8(x uint8) bool { return x == U8 }

// IsVoidU16 reports whether x is the width-16 VOID sentinel.
func IsVoidU16(x uint16) bool { return x == U16 }

// IsVoidU32 reports whether x is the width-32 VOID sentinel.
func IsVoidU32(x uint32) bool { return x == U32 }

// IsVoidU64 reports whether x is the width-64 VOID sentinel.
func IsVoidU64(x uint64) bool { return x == U64 }

// Ptr is a distinguishable, non-null tagged pointer value: an offset/id into
// some owning structure (Arena, Atlas, a capability table), with a negative
// value reserved to mean "absent". Atlas's offset-returning APIs return a
// Ptr and never a trap; kmalloc and pmm use their own sentinel types
// (kmalloc.Addr, pmm.Frame).
type Ptr int64

// PtrVoid is the canonical absent-pointer value.
const PtrVoid Ptr = -1

// IsVoid reports whether p is the absent-pointer sentinel.
func (p Ptr) IsVoid() bool { return p < 0 }

// Vbit is the ternary boolean {TRUE, FALSE, VOID}.
type Vbit int8

const (
	FALSE Vbit = 0
	TRUE  Vbit = 1
	VOID  Vbit = -1
)

func (v Vbit) String() string {
	switch v {
	case TRUE:
		return "TRUE"
	case FALSE:
		return "FALSE"
	default:
		return "VOID"
	}
}

// BoolVbit lifts a plain bool into Vbit.
func BoolVbit(b bool) Vbit {
	if b {
		return TRUE
	}
	return FALSE
}

// And implements the ternary-logic identity VOID ∧ x = VOID.
func (v Vbit) And(o Vbit) Vbit {
	if v == VOID || o == VOID {
		return VOID
	}
	return BoolVbit(v == TRUE && o == TRUE)
}

// Or implements the ternary-logic identity VOID ∨ TRUE = TRUE.
func (v Vbit) Or(o Vbit) Vbit {
	if v == TRUE || o == TRUE {
		return TRUE
	}
	if v == VOID || o == VOID {
		return VOID
	}
	return FALSE
}

// Not implements ¬VOID = VOID.
func (v Vbit) Not() Vbit {
	switch v {
	case TRUE:
		return FALSE
	case FALSE:
		return TRUE
	default:
		return VOID
	}
}

// Reason names why an operation produced VOID (not exhaustive type names
// — descriptive reasons).
type Reason string

const (
	ReasonGenerationMismatch Reason = "generation_mismatch"
	ReasonRevoked            Reason = "revoked"
	ReasonOutOfRange         Reason = "out_of_range"
	ReasonPoolExhausted      Reason = "pool_exhausted"
	ReasonMalformedFrame     Reason = "malformed_frame"
	ReasonDivideByZero       Reason = "divide_by_zero"
	ReasonLookupMiss         Reason = "lookup_miss"
	ReasonOOM                Reason = "out_of_memory"
	ReasonDeadlock           Reason = "deadlock"
	ReasonCorruption         Reason = "corruption"
)

// Record is one entry of the VOID-record log: reason, call site, integer
// operand snapshot, and free-text note.
type Record struct {
	Reason   Reason
	Site     string
	Operands []int64
	Note     string
	Seq      uint64
}

// Log accumulates Records. It is owned by core.Core and passed explicitly
// to every subsystem that can produce VOID (no ambient globals),
// mirroring how biscuit threads its own Physmem/Syslimit handles
// explicitly rather than through package-level state.
type Log struct {
	mu      sync.Mutex
	entries []Record
	seq     uint64
}

// NewLog returns an empty VOID-record log.
func NewLog() *Log {
	return &Log{}
}

// Record appends a new entry, capturing the caller's site automatically
// (grounded on biscuit's caller.Callerdump site-capture idiom).
func (l *Log) Record(reason Reason, operands []int64, note string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	r := Record{
		Reason:   reason,
		Site:     caller.Site(1),
		Operands: operands,
		Note:     note,
		Seq:      l.seq,
	}
	l.entries = append(l.entries, r)
	return r
}

// Entries returns a snapshot copy of all recorded entries.
func (l *Log) Entries() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports how many records have been captured.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Last returns the most recent record and true, or a zero Record and false
// if the log is empty.
func (l *Log) Last() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Record{}, false
	}
	return l.entries[len(l.entries)-1], true
}
