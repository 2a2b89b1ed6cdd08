package void

// DivU64 divides a by b, returning VOID (and recording it) instead of
// trapping when b is zero: division by zero returns VOID, it never traps.
func DivU64(log *Log, a, b uint64) uint64 {
	if b == 0 {
		log.Record(ReasonDivideByZero, []int64{int64(a), int64(b)}, "division by zero (u64)")
		return U64
	}
	return a / b
}

// DivU32 is the 32-bit-width counterpart of DivU64.
func DivU32(log *Log, a, b uint32) uint32 {
	if b == 0 {
		log.Record(ReasonDivideByZero, []int64{int64(a), int64(b)}, "division by zero (u32)")
		return U32
	}
	return a / b
}

// ModU64 is the remainder counterpart of DivU64.
func ModU64(log *Log, a, b uint64) uint64 {
	if b == 0 {
		log.Record(ReasonDivideByZero, []int64{int64(a), int64(b)}, "modulo by zero (u64)")
		return U64
	}
	return a % b
}

// AddU64Checked adds a and b, returning VOID on overflow.
func AddU64Checked(log *Log, a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		log.Record(ReasonOutOfRange, []int64{int64(a), int64(b)}, "u64 addition overflow")
		return U64
	}
	return sum
}

// SubU64Checked subtracts b from a, returning VOID on underflow.
func SubU64Checked(log *Log, a, b uint64) uint64 {
	if b > a {
		log.Record(ReasonOutOfRange, []int64{int64(a), int64(b)}, "u64 subtraction underflow")
		return U64
	}
	return a - b
}

// Propagate implements VOID propagation: if any operand is already a
// width-64 VOID, the result is VOID without evaluating op, and a record
// is appended; otherwise op's result is returned unchanged.
func Propagate(log *Log, op func() uint64, operands ...uint64) uint64 {
	for _, o := range operands {
		if IsVoidU64(o) {
			vals := make([]int64, len(operands))
			for i, v := range operands {
				vals[i] = int64(v)
			}
			log.Record(ReasonOutOfRange, vals, "VOID operand propagated")
			return U64
		}
	}
	return op()
}
