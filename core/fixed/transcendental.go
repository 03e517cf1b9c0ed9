package fixed

import "github.com/holiman/uint256"

// e is floor(e * 2^63).
var e = Fixed{w: *uint256.MustFromDecimal("25071724604899628341")}

// E returns Euler's number truncated to 63 fractional bits.
func E() Fixed { return e }

// Exp approximates e^x. The algorithm is frozen and must not change:
//
//   - x == 0 yields 1, x < 0 yields 1/Exp(-x);
//   - otherwise x = k + f with integer k and f in [0, 1);
//   - e^f is the Taylor sum 1 + f + f^2/2! + ..., each term derived from the
//     previous one as term*f/i, stopping at the first term that truncates to 0;
//   - the sum is multiplied by e^k using binary exponentiation of E, lowest
//     bit first, squaring the base only while bits remain.
//
// ErrOverflow is returned when the result leaves the range (x > ~44.3).
func Exp(x Fixed) (Fixed, error) {
	if x.IsZero() {
		return One, nil
	}
	if x.negative() {
		r, err := Exp(x.Neg())
		if err != nil {
			return Zero, err
		}
		return One.Div(r)
	}

	k := x.Uint64()
	f := x.Sub(FromUint64(k))

	sum, term := One, One
	for i := uint64(1); ; i++ {
		t, err := mul(term, f)
		if err != nil {
			return Zero, err
		}
		if term, err = t.Div(FromUint64(i)); err != nil {
			return Zero, err
		}
		if term.IsZero() {
			break
		}
		sum = sum.Add(term)
	}

	var err error
	result, base := sum, e
	for k > 0 {
		if k&1 == 1 {
			if result, err = mul(result, base); err != nil {
				return Zero, err
			}
		}
		k >>= 1
		if k > 0 {
			if base, err = mul(base, base); err != nil {
				return Zero, err
			}
		}
	}
	return result, nil
}

// Log2 approximates log2(x) for x > 0. The integer part comes from the bit
// length of x; x is then shifted (truncating) into [1, 2) and the 63
// fractional bits are produced by repeated squaring.
func Log2(x Fixed) (Fixed, error) {
	if x.Sign() <= 0 {
		return Zero, ErrDomain
	}

	var y uint256.Int
	y.Set(&x.w)
	n := y.BitLen() - 1 - FracBits
	switch {
	case n > 0:
		y.Rsh(&y, uint(n))
	case n < 0:
		y.Lsh(&y, uint(-n))
	}

	result := FromInt64(int64(n))

	var two, bit uint256.Int
	two.SetUint64(2)
	two.Lsh(&two, FracBits)
	for i := 1; i <= FracBits; i++ {
		y.Mul(&y, &y)
		y.Rsh(&y, FracBits)
		if !y.Lt(&two) {
			y.Rsh(&y, 1)
			bit.SetOne()
			bit.Lsh(&bit, uint(FracBits-i))
			result.w.Add(&result.w, &bit)
		}
	}
	return result, nil
}
