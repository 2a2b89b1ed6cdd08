// Package fixed implements Q16.16 fixed-point arithmetic, the only numeric
// representation the kernel's predictive scheduler and Aether's token
// bucket are allowed to use — floating point has no place in kernel
// paths. biscuit has no precedent for fixed-point math (it is
// integer-only throughout), so this is grounded directly on the
// textbook Q16.16 definition, kept as a single small package so both
// consumers share one rounding/overflow discipline.
package fixed

// Q16 is a signed Q16.16 fixed-point number: the low 16 bits are the
// fraction, the remaining 48 bits (of the int64) are the integer part.
type Q16 int64

// Shift is the number of fractional bits.
const Shift = 16

// One is the fixed-point representation of 1.
const One Q16 = 1 << Shift

// Zero is the fixed-point representation of 0.
const Zero Q16 = 0

// FromInt converts an integer to Q16.
func FromInt(i int64) Q16 { return Q16(i << Shift) }

// FromRatio returns num/den as Q16, e.g. FromRatio(1, 10) ~= 0.1.
func FromRatio(num, den int64) Q16 {
	if den == 0 {
		return 0
	}
	return Q16((num << Shift) / den)
}

// Int truncates toward negative infinity (Go's arithmetic right shift).
// Most integer-extraction callers want TruncInt instead: this is floor, not
// truncation toward zero, so it rounds a negative value further from zero.
func (a Q16) Int() int64 { return int64(a) >> Shift }

// TruncInt truncates a toward zero: sign(a)·floor(|a|). The scheduler's
// priority-delta step uses this, not Int, because emitting floor(a) for a
// negative accumulator would emit a delta one larger in magnitude than the
// accumulator itself, so subtracting it back out overshoots past zero and
// flips the accumulator's sign instead of shrinking it.
func (a Q16) TruncInt() int64 {
	if a < 0 {
		return -a.Abs().Int()
	}
	return a.Int()
}

// Add returns a+b.
func (a Q16) Add(b Q16) Q16 { return a + b }

// Sub returns a-b.
func (a Q16) Sub(b Q16) Q16 { return a - b }

// Mul returns a*b rounded toward negative infinity.
func (a Q16) Mul(b Q16) Q16 { return Q16((int64(a) * int64(b)) >> Shift) }

// Div returns a/b, or 0 if b is zero (fixed-point has no NaN; callers in
// this kernel never divide by a value that can legitimately be zero).
func (a Q16) Div(b Q16) Q16 {
	if b == 0 {
		return 0
	}
	return Q16((int64(a) << Shift) / int64(b))
}

// Abs returns the absolute value of a.
func (a Q16) Abs() Q16 {
	if a < 0 {
		return -a
	}
	return a
}

// Sign returns -1, 0, or 1.
func (a Q16) Sign() int {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	default:
		return 0
	}
}

// Min returns the smaller of a and b.
func (a Q16) Min(b Q16) Q16 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func (a Q16) Max(b Q16) Q16 {
	if a > b {
		return a
	}
	return b
}

// Clamp restricts a to [lo, hi].
func (a Q16) Clamp(lo, hi Q16) Q16 {
	return a.Max(lo).Min(hi)
}
