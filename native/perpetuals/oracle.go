package perpetuals

import (
	"fmt"
	"math/big"
)

// Oracle price exponent/scale constants from §4.2.
const (
	oracleExponentScale int32 = -9
	oracleMaxPriceBits        = 28
)

var oracleMaxPrice = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), oracleMaxPriceBits), big.NewInt(1))

// OracleKind selects which raw price source produced a reading. Only these
// two variants exist; callers never see a polymorphic oracle interface (§9).
type OracleKind int

const (
	OracleTest OracleKind = iota
	OraclePyth
)

// RawOracleReading is the input the host supplies per read: an integer
// price/exponent pair plus confidence and publish time, exactly as returned
// by OracleSource.read (§6).
type RawOracleReading struct {
	Price       *big.Int
	Exponent    int32
	Confidence  *big.Int
	PublishTime int64
}

// OraclePrice is the (mantissa, exponent) pair described in §4.2.
type OraclePrice struct {
	Price    *big.Int
	Exponent int32
}

// NewOraclePrice validates a raw reading for staleness and confidence and
// returns its price and exponent unchanged (not normalized). kind selects Test vs Pyth only for
// error-message clarity; both variants share identical validation (the
// original source's two near-duplicate implementations differ only in how
// they read their account, which has already happened by the time a
// RawOracleReading reaches this core).
func NewOraclePrice(kind OracleKind, raw RawOracleReading, maxPriceErrorRate *big.Int, maxAgeSeconds int64, now int64) (OraclePrice, error) {
	if raw.Price == nil {
		return OraclePrice{}, fmt.Errorf("%w: missing oracle price", ErrInvalidOracleState)
	}
	age := now - raw.PublishTime
	if age > maxAgeSeconds {
		return OraclePrice{}, fmt.Errorf("%w: age %ds exceeds max %ds", ErrStaleOraclePrice, age, maxAgeSeconds)
	}
	if raw.Price.Sign() <= 0 {
		return OraclePrice{}, fmt.Errorf("%w: non-positive price", ErrInvalidOraclePrice)
	}
	if raw.Confidence != nil && raw.Confidence.Sign() > 0 {
		// conf/price > max_price_error, cross-multiplied to avoid division:
		// conf * RATE_SCALE > max_price_error * price
		lhs := new(big.Int).Mul(raw.Confidence, rateScaleBig)
		rhs := new(big.Int).Mul(maxPriceErrorRate, raw.Price)
		if lhs.Cmp(rhs) > 0 {
			return OraclePrice{}, fmt.Errorf("%w: confidence/price ratio exceeds bound", ErrInvalidOraclePrice)
		}
	}
	return OraclePrice{Price: new(big.Int).Set(raw.Price), Exponent: raw.Exponent}, nil
}

var rateScaleBig = new(big.Int).Exp(big.NewInt(10), big.NewInt(RateDecimals), nil)

// Normalize repeatedly divides the mantissa by 10 while it exceeds
// 2^28 - 1, incrementing the exponent each time, per §4.2.
func (p OraclePrice) Normalize() (OraclePrice, error) {
	price := new(big.Int).Set(p.Price)
	exponent := p.Exponent
	for price.Cmp(oracleMaxPrice) > 0 {
		price = new(big.Int).Quo(price, ten)
		exponent++
	}
	return OraclePrice{Price: price, Exponent: exponent}, nil
}

// CheckedDiv computes self/other, normalizing both operands first and
// expressing the result at the fixed oracle exponent scale (§4.2).
func (p OraclePrice) CheckedDiv(other OraclePrice) (OraclePrice, error) {
	base, err := p.Normalize()
	if err != nil {
		return OraclePrice{}, err
	}
	denom, err := other.Normalize()
	if err != nil {
		return OraclePrice{}, err
	}
	if denom.Price.Sign() == 0 {
		return OraclePrice{}, ErrMathOverflow
	}
	scaled, err := CheckedMul(base.Price, new(big.Int).Exp(ten, big.NewInt(-int64(oracleExponentScale)), nil))
	if err != nil {
		return OraclePrice{}, err
	}
	price, err := CheckedDiv(scaled, denom.Price)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: price, Exponent: base.Exponent + oracleExponentScale - denom.Exponent}, nil
}

// CheckedMul computes self*other, multiplying mantissas and adding exponents.
func (p OraclePrice) CheckedMul(other OraclePrice) (OraclePrice, error) {
	price, err := CheckedMul(p.Price, other.Price)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: price, Exponent: p.Exponent + other.Exponent}, nil
}

// ScaleToExponent rescales the price to targetExponent by multiplying or
// truncate-dividing by the appropriate power of ten.
func (p OraclePrice) ScaleToExponent(targetExponent int32) (OraclePrice, error) {
	if targetExponent == p.Exponent {
		return p, nil
	}
	price, err := ScaleToExponent(p.Price, p.Exponent, targetExponent)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: price, Exponent: targetExponent}, nil
}

// GetAssetAmountUSD returns amount (in tokenDecimals) valued at this price,
// scaled to USDDecimals, via checked decimal multiplication.
func (p OraclePrice) GetAssetAmountUSD(amount *big.Int, tokenDecimals int32) (*big.Int, error) {
	return CheckedDecimalMul(amount, -tokenDecimals, p.Price, p.Exponent, -USDDecimals)
}

// GetTokenAmount is the inverse of GetAssetAmountUSD: converts a USD-scaled
// amount back into token units at this price. amount = usd / price, rescaled
// from exponent -USDDecimals to -tokenDecimals via cross-multiplication so
// the division by price.Price happens last, against the full precision of
// the numerator.
func (p OraclePrice) GetTokenAmount(usdAmount *big.Int, tokenDecimals int32) (*big.Int, error) {
	if p.Price.Sign() == 0 {
		return nil, ErrMathOverflow
	}
	scaleExp := -USDDecimals - p.Exponent - (-tokenDecimals)
	var scaled *big.Int
	if scaleExp >= 0 {
		scaled = new(big.Int).Mul(usdAmount, pow10(int64(scaleExp)))
	} else {
		scaled = new(big.Int).Quo(usdAmount, pow10(int64(-scaleExp)))
	}
	return CheckedDiv(scaled, p.Price)
}

// Cmp compares two prices after rescaling the lower-exponent operand up to
// match the higher one (lexicographic comparison after equal-exponent
// scaling, per §4.2).
func (p OraclePrice) Cmp(other OraclePrice) (int, error) {
	target := p.Exponent
	if other.Exponent > target {
		target = other.Exponent
	}
	a, err := p.ScaleToExponent(target)
	if err != nil {
		return 0, err
	}
	b, err := other.ScaleToExponent(target)
	if err != nil {
		return 0, err
	}
	return a.Price.Cmp(b.Price), nil
}

// Max returns whichever of p, other compares greater.
func (p OraclePrice) Max(other OraclePrice) (OraclePrice, error) {
	cmp, err := p.Cmp(other)
	if err != nil {
		return OraclePrice{}, err
	}
	if cmp >= 0 {
		return p, nil
	}
	return other, nil
}

// Min returns whichever of p, other compares smaller.
func (p OraclePrice) Min(other OraclePrice) (OraclePrice, error) {
	cmp, err := p.Cmp(other)
	if err != nil {
		return OraclePrice{}, err
	}
	if cmp <= 0 {
		return p, nil
	}
	return other, nil
}
