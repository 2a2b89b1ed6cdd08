package atlas

import (
	"hash/crc32"

	"citadel/util"
	"citadel/void"
)

// InvariantKind names one of the typed validation rules a checkpoint
// supports.
type InvariantKind int

const (
	NonNullPointer InvariantKind = iota
	NullablePointer
	NoCycle
	ArrayBounds
	Refcount
	Range
	Custom
)

// Invariant is one rule attached to a registered Type.
type Invariant struct {
	Kind InvariantKind

	// NON_NULL / NULLABLE / NO_CYCLE / ARRAY_BOUNDS: byte offset of the
	// pointer field within the instance.
	FieldOffset int

	// NO_CYCLE: byte offset of the next-pointer field within *each* linked
	// node (usually equal to FieldOffset), and the maximum chain depth to
	// walk before giving up.
	NextOffset int
	MaxDepth   int

	// ARRAY_BOUNDS
	CountOffset int
	MaxCount    int64
	ElemSize    int

	// REFCOUNT / RANGE
	Width    int
	Min, Max int64
	LiveOnly bool

	// CUSTOM
	Validate func(a *Atlas, instance []byte) bool
	Recover  func(a *Atlas, instance []byte) bool
}

// Type is a registered instance shape with its attached invariants.
type Type struct {
	ID           int
	Name         string
	InstanceSize int
	Invariants   []Invariant
}

const maxInvariantsPerType = 16

const maxTypes = 64

// RegisterType allocates a type id for name in the bounded global
// registry (at most maxTypes types); a duplicate name or a full registry
// returns void.VOID.
func (a *Atlas) RegisterType(name string, instanceSize int) (int, void.Vbit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.typesByName[name]; exists {
		a.log.Record(void.ReasonOutOfRange, nil, "atlas: duplicate type name "+name)
		return -1, void.VOID
	}
	if len(a.types) >= maxTypes {
		a.log.Record(void.ReasonPoolExhausted, nil, "atlas: type registry full")
		return -1, void.VOID
	}
	id := a.nextTypeID
	a.nextTypeID++
	t := &Type{ID: id, Name: name, InstanceSize: instanceSize}
	a.types[id] = t
	a.typesByName[name] = id
	return id, void.TRUE
}

// AddInvariant attaches inv to typeID, up to a bounded number per type.
func (a *Atlas) AddInvariant(typeID int, inv Invariant) void.Vbit {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.types[typeID]
	if !ok {
		return void.VOID
	}
	if len(t.Invariants) >= maxInvariantsPerType {
		a.log.Record(void.ReasonPoolExhausted, nil, "atlas: invariant list full for type "+t.Name)
		return void.VOID
	}
	t.Invariants = append(t.Invariants, inv)
	return void.TRUE
}

// EntryFlags marks a checkpoint Entry's last-known status.
type EntryFlags uint32

const (
	EntryInvalid EntryFlags = 1 << iota
	EntryModified
)

// Entry records one pointer/offset Atlas is asked to keep validated.
type Entry struct {
	Ptr        int64
	Offset     int64
	TypeID     int
	AllocSize  int
	CRC32      uint32
	Flags      EntryFlags
	LastResult void.Vbit
}

// Checkpoint groups a bounded set of Entries under one name.
type Checkpoint struct {
	ID         int
	Name       string
	Generation uint64
	MaxEntries int
	Entries    []*Entry
}

// CheckpointCreate allocates a new checkpoint inside Atlas's bookkeeping
// (the entries themselves live in Go memory; only their target data lives
// in Atlas bytes).
func (a *Atlas) CheckpointCreate(name string, maxEntries int) (*Checkpoint, void.Vbit) {
	if maxEntries <= 0 {
		return nil, void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := &Checkpoint{
		ID:         a.nextCheckpoint,
		Name:       name,
		Generation: a.genesis.Generation,
		MaxEntries: maxEntries,
	}
	a.nextCheckpoint++
	a.checkpoints[cp.ID] = cp
	return cp, void.TRUE
}

// AddEntry records offset/type/size in cp (Entry.Ptr is left zero), computing the entry's
// baseline CRC32 over its current bytes.
func (a *Atlas) AddEntry(cp *Checkpoint, offset int64, typeID int, size int) void.Vbit {
	if cp == nil {
		return void.VOID
	}
	if len(cp.Entries) >= cp.MaxEntries {
		a.log.Record(void.ReasonPoolExhausted, nil, "atlas: checkpoint entry table full")
		return void.VOID
	}
	buf, ok := a.OffsetToPtr(void.Ptr(offset), size)
	if !ok {
		return void.VOID
	}
	e := &Entry{
		Offset:    offset,
		TypeID:    typeID,
		AllocSize: size,
		CRC32:     crc32.ChecksumIEEE(buf),
	}
	cp.Entries = append(cp.Entries, e)
	return void.TRUE
}

// Report summarizes one Validate/Recover pass.
type Report struct {
	Checked   int
	Violated  int
	Recovered int
	Findings  []Finding
}

// Finding names one invariant violation found during validation.
type Finding struct {
	EntryIndex int
	Kind       InvariantKind
	Detail     string
}

// Validate runs every entry's type's invariants against its current bytes,
// updating each entry's flags and LastResult.
func (a *Atlas) Validate(cp *Checkpoint) (*Report, void.Vbit) {
	if cp == nil {
		return nil, void.VOID
	}
	report := &Report{}
	for i, e := range cp.Entries {
		report.Checked++
		t, ok := a.types[e.TypeID]
		if !ok {
			e.LastResult = void.VOID
			continue
		}
		buf, ok := a.OffsetToPtr(void.Ptr(e.Offset), e.AllocSize)
		if !ok {
			e.Flags |= EntryInvalid
			e.LastResult = void.VOID
			report.Violated++
			report.Findings = append(report.Findings, Finding{EntryIndex: i, Detail: "entry offset out of bounds"})
			continue
		}
		if crc32.ChecksumIEEE(buf) != e.CRC32 {
			e.Flags |= EntryModified
		}
		ok2 := true
		for _, inv := range t.Invariants {
			if !a.checkInvariant(inv, buf) {
				ok2 = false
				report.Violated++
				report.Findings = append(report.Findings, Finding{EntryIndex: i, Kind: inv.Kind, Detail: "invariant violated"})
			}
		}
		if ok2 {
			e.Flags &^= EntryInvalid
			e.LastResult = void.TRUE
		} else {
			e.Flags |= EntryInvalid
			e.LastResult = void.FALSE
		}
	}
	return report, void.TRUE
}

func (a *Atlas) checkInvariant(inv Invariant, buf []byte) bool {
	switch inv.Kind {
	case NonNullPointer:
		return int64(util.GetLE64(buf, inv.FieldOffset)) != noRoot && util.GetLE64(buf, inv.FieldOffset) != 0
	case NullablePointer:
		off := int64(util.GetLE64(buf, inv.FieldOffset))
		if off == 0 || off == noRoot {
			return true
		}
		return a.Contains(off, 0)
	case NoCycle:
		return !a.hasCycle(buf, inv)
	case ArrayBounds:
		ptrOff := int64(util.GetLE64(buf, inv.FieldOffset))
		count := int64(util.GetLE64(buf, inv.CountOffset))
		if inv.MaxCount > 0 && count > inv.MaxCount {
			return false
		}
		return a.Contains(ptrOff, 0) && a.Contains(ptrOff, int(count*int64(inv.ElemSize)))
	case Refcount:
		v := readWidth(buf, inv.FieldOffset, inv.Width)
		if inv.LiveOnly && v == 0 {
			return true
		}
		return v >= inv.Min
	case Range:
		v := readWidth(buf, inv.FieldOffset, inv.Width)
		return v >= inv.Min && v <= inv.Max
	case Custom:
		if inv.Validate == nil {
			return true
		}
		return inv.Validate(a, buf)
	default:
		return true
	}
}

// hasCycle walks buf's next-offset chain with Floyd's tortoise-and-hare up
// to inv.MaxDepth steps.
func (a *Atlas) hasCycle(buf []byte, inv Invariant) bool {
	depth := inv.MaxDepth
	if depth <= 0 {
		depth = 1 << 20
	}
	size := len(buf)
	nextOf := func(off int64) int64 {
		if off == 0 {
			return 0
		}
		node, ok := a.OffsetToPtr(void.Ptr(off), size)
		if !ok {
			return 0
		}
		v := int64(util.GetLE64(node, inv.NextOffset))
		if v == noRoot {
			return 0
		}
		return v
	}

	start := int64(a.PtrToOffset(buf))
	slow := nextOf(start)
	fast := nextOf(nextOf(start))
	for steps := 0; steps < depth && slow != 0 && fast != 0; steps++ {
		if slow == fast {
			return true
		}
		slow = nextOf(slow)
		fast = nextOf(nextOf(fast))
	}
	return false
}

func mustPtr(a *Atlas, offset int64, size int) []byte {
	buf, ok := a.OffsetToPtr(void.Ptr(offset), size)
	if !ok {
		return make([]byte, size)
	}
	return buf
}

func readWidth(buf []byte, offset, width int) int64 {
	switch width {
	case 1:
		return int64(buf[offset])
	case 2:
		return int64(util.GetLE16(buf, offset))
	case 4:
		return int64(util.GetLE32(buf, offset))
	default:
		return int64(util.GetLE64(buf, offset))
	}
}

func writeWidth(buf []byte, offset, width int, v int64) {
	switch width {
	case 1:
		buf[offset] = byte(v)
	case 2:
		util.PutLE16(buf, offset, uint16(v))
	case 4:
		util.PutLE32(buf, offset, uint32(v))
	default:
		util.PutLE64(buf, offset, uint64(v))
	}
}

// Recover validates cp, then applies each failing, auto-recoverable
// invariant's canonical fix, and re-validates.
func (a *Atlas) Recover(cp *Checkpoint) (*Report, void.Vbit) {
	first, ok := a.Validate(cp)
	if ok != void.TRUE {
		return first, ok
	}
	if first.Violated == 0 {
		return first, void.TRUE
	}
	for i, e := range cp.Entries {
		if e.Flags&EntryInvalid == 0 {
			continue
		}
		t, ok := a.types[e.TypeID]
		if !ok {
			continue
		}
		buf, ok := a.OffsetToPtr(void.Ptr(e.Offset), e.AllocSize)
		if !ok {
			continue
		}
		for _, inv := range t.Invariants {
			if a.checkInvariant(inv, buf) {
				continue
			}
			a.applyRecovery(inv, buf)
		}
		_ = i
		e.CRC32 = crc32.ChecksumIEEE(buf)
	}
	final, _ := a.Validate(cp)
	final.Recovered = first.Violated - final.Violated
	return final, void.TRUE
}

func (a *Atlas) applyRecovery(inv Invariant, buf []byte) {
	switch inv.Kind {
	case NullablePointer:
		util.PutLE64(buf, inv.FieldOffset, 0)
	case NoCycle:
		a.breakCycle(buf, inv)
	case ArrayBounds:
		if inv.MaxCount > 0 {
			util.PutLE64(buf, inv.CountOffset, uint64(inv.MaxCount))
		}
	case Refcount:
		writeWidth(buf, inv.FieldOffset, inv.Width, inv.Min)
	case Range:
		v := readWidth(buf, inv.FieldOffset, inv.Width)
		if v < inv.Min {
			v = inv.Min
		}
		if v > inv.Max {
			v = inv.Max
		}
		writeWidth(buf, inv.FieldOffset, inv.Width, v)
	case Custom:
		if inv.Recover != nil {
			inv.Recover(a, buf)
		}
	}
}

// breakCycle finds the cycle's entry point with Floyd's algorithm, walks
// to the last node still inside the cycle, and nulls its next pointer.
func (a *Atlas) breakCycle(buf []byte, inv Invariant) {
	depth := inv.MaxDepth
	if depth <= 0 {
		depth = 1 << 20
	}
	nodeAt := func(off int64) []byte { return mustPtr(a, off, len(buf)) }
	nextOf := func(off int64) int64 {
		v := int64(util.GetLE64(nodeAt(off), inv.NextOffset))
		if v == noRoot {
			return 0
		}
		return v
	}

	// locate meeting point inside the cycle
	start0 := int64(a.PtrToOffset(buf))
	slow, fast := nextOf(start0), nextOf(start0)
	if fast != 0 {
		fast = nextOf(fast)
	}
	for i := 0; i < depth && slow != 0 && fast != 0 && slow != fast; i++ {
		slow = nextOf(slow)
		fast = nextOf(fast)
		if fast != 0 {
			fast = nextOf(fast)
		}
	}
	if slow == 0 || fast == 0 {
		return
	}

	// walk the cycle once more to find the last node before it repeats
	start := slow
	cur := start
	for i := 0; i < depth; i++ {
		n := nextOf(cur)
		if n == start {
			util.PutLE64(nodeAt(cur), inv.NextOffset, 0)
			return
		}
		if n == 0 {
			return
		}
		cur = n
	}
}
