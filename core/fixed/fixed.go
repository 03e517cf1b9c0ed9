// Package fixed implements the deterministic signed fixed-point number used by
// every consensus-critical computation: 65 integer bits and 63 fractional bits
// (I65F63) held in two's complement.
//
// Results never depend on the platform. Multiplication and division truncate
// the magnitude toward zero and then re-apply the sign.
package fixed

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// FracBits is the number of fractional bits.
const FracBits = 63

// maxBits bounds the magnitude of every value: |raw| < 2^127.
const maxBits = 127

var (
	// ErrOverflow is returned (or panicked with, for the arithmetic operators)
	// when a result does not fit in 65 integer bits.
	ErrOverflow = errors.New("fixed: overflow")
	// ErrDivisionByZero is returned by Div for an exact zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")
	// ErrDomain is returned by Log2 for non-positive arguments.
	ErrDomain = errors.New("fixed: argument outside function domain")
)

// Fixed is an I65F63 number. The zero value is 0.
type Fixed struct {
	w uint256.Int
}

var (
	Zero = Fixed{}
	One  = FromUint64(1)
)

// FromUint64 converts an integer exactly.
func FromUint64(v uint64) Fixed {
	var f Fixed
	f.w.SetUint64(v)
	f.w.Lsh(&f.w, FracBits)
	return f
}

// FromInt64 converts a signed integer exactly.
func FromInt64(v int64) Fixed {
	if v < 0 {
		return FromUint64(uint64(-v)).Neg()
	}
	return FromUint64(uint64(v))
}

// FromRaw builds a value from its raw two's complement representation
// (value * 2^63). It fails when raw is outside the I65F63 range.
func FromRaw(raw *big.Int) (Fixed, error) {
	var f Fixed
	abs := new(big.Int).Abs(raw)
	if abs.BitLen() > maxBits {
		return Zero, ErrOverflow
	}
	if overflow := f.w.SetFromBig(abs); overflow {
		return Zero, ErrOverflow
	}
	if raw.Sign() < 0 {
		f.w.Neg(&f.w)
	}
	return f, nil
}

// Raw returns value * 2^63 as a signed big integer.
func (f Fixed) Raw() *big.Int {
	var a uint256.Int
	a.Abs(&f.w)
	r := a.ToBig()
	if f.w.Sign() < 0 {
		r.Neg(r)
	}
	return r
}

// Uint64 truncates toward zero. It panics with ErrOverflow when the integer
// part is negative or does not fit in 64 bits.
func (f Fixed) Uint64() uint64 {
	var a uint256.Int
	a.Abs(&f.w)
	a.Rsh(&a, FracBits)
	if a.IsZero() {
		return 0
	}
	if f.w.Sign() < 0 || !a.IsUint64() {
		panic(ErrOverflow)
	}
	return a.Uint64()
}

func inRange(w *uint256.Int) bool {
	var a uint256.Int
	a.Abs(w)
	return a.BitLen() <= maxBits
}

// Add returns f+g, panicking with ErrOverflow outside the range.
func (f Fixed) Add(g Fixed) Fixed {
	var r Fixed
	r.w.Add(&f.w, &g.w)
	if !inRange(&r.w) {
		panic(ErrOverflow)
	}
	return r
}

// Sub returns f-g, panicking with ErrOverflow outside the range.
func (f Fixed) Sub(g Fixed) Fixed {
	var r Fixed
	r.w.Sub(&f.w, &g.w)
	if !inRange(&r.w) {
		panic(ErrOverflow)
	}
	return r
}

// Mul returns f*g, panicking with ErrOverflow outside the range.
func (f Fixed) Mul(g Fixed) Fixed {
	r, err := mul(f, g)
	if err != nil {
		panic(err)
	}
	return r
}

func mul(f, g Fixed) (Fixed, error) {
	var a, b uint256.Int
	a.Abs(&f.w)
	b.Abs(&g.w)
	var r Fixed
	r.w.Mul(&a, &b)
	r.w.Rsh(&r.w, FracBits)
	if r.w.BitLen() > maxBits {
		return Zero, ErrOverflow
	}
	if f.negative() != g.negative() {
		r.w.Neg(&r.w)
	}
	return r, nil
}

// Div returns f/g. Callers are expected to guard against a zero divisor;
// ErrDivisionByZero is reported rather than panicking so the guard can be
// asserted.
func (f Fixed) Div(g Fixed) (Fixed, error) {
	if g.w.IsZero() {
		return Zero, ErrDivisionByZero
	}
	var a, b uint256.Int
	a.Abs(&f.w)
	b.Abs(&g.w)
	a.Lsh(&a, FracBits)
	var r Fixed
	r.w.Div(&a, &b)
	if r.w.BitLen() > maxBits {
		return Zero, ErrOverflow
	}
	if f.negative() != g.negative() {
		r.w.Neg(&r.w)
	}
	return r, nil
}

// Neg returns -f.
func (f Fixed) Neg() Fixed {
	var r Fixed
	r.w.Neg(&f.w)
	return r
}

// Cmp compares f and g as signed values.
func (f Fixed) Cmp(g Fixed) int {
	switch {
	case f.w.Slt(&g.w):
		return -1
	case f.w.Sgt(&g.w):
		return 1
	}
	return 0
}

// Sign returns -1, 0 or +1.
func (f Fixed) Sign() int { return f.w.Sign() }

// IsZero reports whether f == 0.
func (f Fixed) IsZero() bool { return f.w.IsZero() }

func (f Fixed) negative() bool { return f.w.Sign() < 0 }

var scale = new(big.Int).Lsh(big.NewInt(1), FracBits)

// String renders f in decimal with 19 fractional digits. Display only.
func (f Fixed) String() string {
	return new(big.Rat).SetFrac(f.Raw(), scale).FloatString(19)
}
