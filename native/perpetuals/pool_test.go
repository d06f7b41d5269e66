package perpetuals

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func pricing() PricingParams {
	return PricingParams{
		UseEMA:             true,
		TradeSpreadLong:    10, // 0.1%
		TradeSpreadShort:   10,
		SwapSpread:         10,
		MinInitialLeverage: 11_000,
		MaxInitialLeverage: 500_000,
		MaxLeverage:        1_000_000, // 100x
		MaxPayoffMult:      10_000,
	}
}

func TestEntryPriceLongAddsSpreadOnMax(t *testing.T) {
	spot := OraclePrice{Price: big.NewInt(100_000_000_000), Exponent: -9} // $100
	ema := OraclePrice{Price: big.NewInt(99_000_000_000), Exponent: -9}   // $99
	entry, err := EntryPrice(SideLong, spot, ema, pricing())
	require.NoError(t, err)
	// max(spot,ema)=100, +0.1% = 100.10, at priceScale (-6) = 100_100_000
	require.Equal(t, big.NewInt(100_100_000), entry.Price)
	require.Equal(t, priceScale, entry.Exponent)
}

func TestEntryPriceShortSubtractsSpreadOnMin(t *testing.T) {
	spot := OraclePrice{Price: big.NewInt(100_000_000_000), Exponent: -9}
	ema := OraclePrice{Price: big.NewInt(99_000_000_000), Exponent: -9}
	entry, err := EntryPrice(SideShort, spot, ema, pricing())
	require.NoError(t, err)
	// min(spot,ema)=99, -0.1% = 98.901, at priceScale: 99_000_000 - 99_000 = 98_901_000
	require.Equal(t, big.NewInt(98_901_000), entry.Price)
}

func TestAverageEntryPriceWeightsBySize(t *testing.T) {
	oldPrice := OraclePrice{Price: big.NewInt(100_000_000), Exponent: priceScale} // $100
	newPrice := OraclePrice{Price: big.NewInt(200_000_000), Exponent: priceScale} // $200
	avg, err := AverageEntryPrice(big.NewInt(1_000_000_000), oldPrice, big.NewInt(1_000_000_000), newPrice)
	require.NoError(t, err)
	// equal-sized legs at 100 and 200 average to 150
	require.Equal(t, big.NewInt(150_000_000), avg.Price)
}

func TestLeverageInfiniteWhenMarginNonPositive(t *testing.T) {
	_, isInf, err := Leverage(big.NewInt(1_000), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)
	require.True(t, isInf)
}

func TestLeverageComputesSizeOverMargin(t *testing.T) {
	// size $1000, collateral $100 -> leverage = 1000/100 * 10_000 = 100_000 bps (10x)
	leverage, isInf, err := Leverage(big.NewInt(1_000_000_000), big.NewInt(100_000_000), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)
	require.False(t, isInf)
	require.Equal(t, big.NewInt(100_000), leverage)
}

func TestCheckLeverageEnforcesInitialBand(t *testing.T) {
	p := pricing()
	require.True(t, CheckLeverage(big.NewInt(100_000), p, true))   // 10x within [1.1x, 50x]
	require.False(t, CheckLeverage(big.NewInt(10_000), p, true))   // 1x below min initial
	require.False(t, CheckLeverage(big.NewInt(600_000), p, true))  // 60x above max initial
	require.True(t, CheckLeverage(big.NewInt(600_000), p, false))  // 60x fine for an existing position
	require.False(t, CheckLeverage(big.NewInt(1_100_000), p, false)) // 110x exceeds max_leverage outright
}

func TestNewRatioBPSCapsAtFullScale(t *testing.T) {
	// a custody AUM exceeding the pool total (a defensive, not normally
	// reachable, state) must still clamp the ratio at BPSScale.
	ratio, err := NewRatioBPS(big.NewInt(2_000), big.NewInt(1_000), big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, bpsScaleBig, ratio)
}

func TestNewRatioBPSRejectsSimultaneousAddAndRemove(t *testing.T) {
	_, err := NewRatioBPS(big.NewInt(100), big.NewInt(1_000), big.NewInt(1), big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCheckTokenRatioAllowsMovementTowardTarget(t *testing.T) {
	bounds := Ratio{Target: 5_000, Min: 2_000, Max: 8_000}
	// already out of bounds (9_000 > max 8_000), but new ratio (8_500) moves closer to target
	require.True(t, CheckTokenRatio(big.NewInt(9_000), big.NewInt(8_500), bounds))
	// moving further away from target while already out of bounds is rejected
	require.False(t, CheckTokenRatio(big.NewInt(9_000), big.NewInt(9_500), bounds))
}

func TestPoolFeeFixedModeIgnoresRatio(t *testing.T) {
	p := &Pool{Ratios: []Ratio{{Target: 5_000, Min: 0, Max: 10_000}}, AUMUSD: big.NewInt(1_000)}
	c := &Custody{Fees: FeesParams{MaxIncrease: 20_000, MaxDecrease: 5_000}}
	fee, err := p.Fee(0, 10, big.NewInt(100), big.NewInt(0), c, FeeModeFixed)
	require.NoError(t, err)
	require.Equal(t, uint32(10), fee)
}

func TestLiquidationPriceLongBelowEntryWhenUnderwater(t *testing.T) {
	p := pricing()
	entry := OraclePrice{Price: big.NewInt(100_000_000), Exponent: priceScale} // $100
	spot := entry
	liq, err := LiquidationPrice(SideLong, entry, big.NewInt(1_000_000_000), big.NewInt(100_000_000), big.NewInt(0), big.NewInt(0), p, spot, spot)
	require.NoError(t, err)
	require.True(t, liq.Price.Cmp(entry.Price) < 0)
}
