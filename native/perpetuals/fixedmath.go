package perpetuals

import (
	"errors"
	"math/big"
)

// Scale constants named in the data model: ratios/spreads/leverages/protocol
// share use BPS (10_000 = 100%); borrow rates and utilisation use RATE
// (1_000_000_000 = 100%); USD amounts and normalized prices use PRICE_DECIMALS
// / USD_DECIMALS (1_000_000 = 1 unit).
const (
	BPSDecimals  = 4
	BPSScale     = 10_000
	RateDecimals = 9
	USDDecimals  = 6
)

var (
	// ErrMathOverflow is returned by every checked arithmetic primitive when
	// the operation would overflow or a cast would lose precision.
	ErrMathOverflow = errors.New("perpetuals: math overflow")

	bpsScaleBig = big.NewInt(BPSScale)
	maxUint64   = new(big.Int).SetUint64(^uint64(0))
	ten         = big.NewInt(10)
)

// CheckedAdd returns a+b, failing if the result would be negative (the core
// never represents a signed balance).
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	return nonNegative(new(big.Int).Add(a, b))
}

// CheckedSub returns a-b, failing if the result would be negative.
func CheckedSub(a, b *big.Int) (*big.Int, error) {
	return nonNegative(new(big.Int).Sub(a, b))
}

// CheckedMul returns a*b, failing on a negative operand or result.
func CheckedMul(a, b *big.Int) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrMathOverflow
	}
	return new(big.Int).Mul(a, b), nil
}

// CheckedDiv returns a/b truncating toward zero, failing on division by zero
// or a negative operand.
func CheckedDiv(a, b *big.Int) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() <= 0 {
		return nil, ErrMathOverflow
	}
	return new(big.Int).Quo(a, b), nil
}

// CheckedCeilDiv computes ceil_div(n, d) = (n + d - 1) / d.
func CheckedCeilDiv(n, d *big.Int) (*big.Int, error) {
	if n.Sign() < 0 || d.Sign() <= 0 {
		return nil, ErrMathOverflow
	}
	num := new(big.Int).Add(n, d)
	num.Sub(num, big.NewInt(1))
	return new(big.Int).Quo(num, d), nil
}

// CheckedDecimalMul computes a*b scaled from exponents (ea, eb) to etarget,
// by multiplying the raw mantissas and then truncate-dividing or multiplying
// by the appropriate power of ten. Mirrors checked_decimal_mul from §4.1.
func CheckedDecimalMul(a *big.Int, ea int32, b *big.Int, eb int32, etarget int32) (*big.Int, error) {
	return decimalMul(a, ea, b, eb, etarget, false)
}

// CheckedDecimalCeilMul is CheckedDecimalMul rounding up instead of truncating.
func CheckedDecimalCeilMul(a *big.Int, ea int32, b *big.Int, eb int32, etarget int32) (*big.Int, error) {
	return decimalMul(a, ea, b, eb, etarget, true)
}

func decimalMul(a *big.Int, ea int32, b *big.Int, eb int32, etarget int32, ceil bool) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrMathOverflow
	}
	product := new(big.Int).Mul(a, b)
	// product carries exponent ea+eb; rescale to etarget.
	productExp := ea + eb
	if productExp == etarget {
		return nonNegative(product)
	}
	if productExp > etarget {
		scale := pow10(int64(productExp - etarget))
		return nonNegative(new(big.Int).Mul(product, scale))
	}
	scale := pow10(int64(etarget - productExp))
	if ceil {
		result, err := CheckedCeilDiv(product, scale)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nonNegative(new(big.Int).Quo(product, scale))
}

// ScaleToExponent rescales v from exponent `from` to exponent `to`,
// multiplying or truncate-dividing by the appropriate power of ten.
func ScaleToExponent(v *big.Int, from, to int32) (*big.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrMathOverflow
	}
	if from == to {
		return new(big.Int).Set(v), nil
	}
	if from > to {
		scale := pow10(int64(from - to))
		return nonNegative(new(big.Int).Mul(v, scale))
	}
	scale := pow10(int64(to - from))
	return nonNegative(new(big.Int).Quo(v, scale))
}

// CheckedAsU64 casts v to a uint64, failing if v is negative or exceeds
// math.MaxUint64.
func CheckedAsU64(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || v.Cmp(maxUint64) > 0 {
		return 0, ErrMathOverflow
	}
	return v.Uint64(), nil
}

func pow10(n int64) *big.Int {
	if n <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(ten, big.NewInt(n), nil)
}

func nonNegative(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrMathOverflow
	}
	return v, nil
}

// bpsOf computes floor(amount * bps / BPSScale).
func bpsOf(amount *big.Int, bps *big.Int) (*big.Int, error) {
	product, err := CheckedMul(amount, bps)
	if err != nil {
		return nil, err
	}
	return CheckedDiv(product, bpsScaleBig)
}

// bpsOfCeil computes ceil(amount * bps / BPSScale).
func bpsOfCeil(amount *big.Int, bps *big.Int) (*big.Int, error) {
	product, err := CheckedMul(amount, bps)
	if err != nil {
		return nil, err
	}
	return CheckedCeilDiv(product, bpsScaleBig)
}
