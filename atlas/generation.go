package atlas

import (
	"citadel/util"
	"citadel/void"
)

// genTableSlotOffset returns the byte offset of generation slot id within
// the Generation Table region.
func genTableSlotOffset(id int) int {
	return genTableOffset + len(GenTableMagic) + id*8
}

// AllocGeneration returns a fresh allocation id indexed into the bounded
// Generation Table, seeding its generation counter to 1.
func (a *Atlas) AllocGeneration() (int64, void.Vbit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := 0; id < genTableSlots; id++ {
		off := genTableSlotOffset(id)
		if util.GetLE64(a.data, off) == 0 {
			util.PutLE64(a.data, off, 1)
			return int64(id), void.TRUE
		}
	}
	a.log.Record(void.ReasonPoolExhausted, nil, "atlas: generation table exhausted")
	return -1, void.VOID
}

// Revoke increments allocID's generation, invalidating every persistent
// capability minted with an older generation value.
func (a *Atlas) Revoke(allocID int64) void.Vbit {
	if allocID < 0 || allocID >= int64(genTableSlots) {
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	off := genTableSlotOffset(int(allocID))
	cur := util.GetLE64(a.data, off)
	if cur == 0 {
		return void.VOID
	}
	util.PutLE64(a.data, off, cur+1)
	return void.TRUE
}

// CheckGeneration returns TRUE if g still matches allocID's live
// generation, and VOID if g is stale (recorded as a generation mismatch)
// or allocID is out of range or unused.
func (a *Atlas) CheckGeneration(allocID int64, g uint64) void.Vbit {
	if allocID < 0 || allocID >= int64(genTableSlots) {
		return void.VOID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	off := genTableSlotOffset(int(allocID))
	cur := util.GetLE64(a.data, off)
	if cur == 0 {
		return void.VOID
	}
	if cur != g {
		a.log.Record(void.ReasonGenerationMismatch, []int64{allocID, int64(g)}, "atlas: stale generation")
		return void.VOID
	}
	return void.TRUE
}

// CurrentGeneration returns allocID's live generation value, or
// void.U64 if allocID is unused.
func (a *Atlas) CurrentGeneration(allocID int64) uint64 {
	if allocID < 0 || allocID >= int64(genTableSlots) {
		return void.U64
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	off := genTableSlotOffset(int(allocID))
	cur := util.GetLE64(a.data, off)
	if cur == 0 {
		return void.U64
	}
	return cur
}
