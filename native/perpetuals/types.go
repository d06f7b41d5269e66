package perpetuals

import "math/big"

// Side identifies which direction of exposure a position holds.
type Side uint8

const (
	SideNone Side = iota
	SideLong
	SideShort
)

func (s Side) Byte() byte { return byte(s) }

// FeeMode selects how Pool.Fee computes a fee in BPS.
type FeeMode uint8

const (
	FeeModeFixed FeeMode = iota
	FeeModeLinear
)

// Ratio is the target/min/max triple for one custody within a pool, all in BPS.
type Ratio struct {
	Target uint32
	Min    uint32
	Max    uint32
}

// PricingParams are the static, admin-settable pricing knobs on a custody.
type PricingParams struct {
	UseEMA             bool
	TradeSpreadLong    uint32 // BPS
	TradeSpreadShort   uint32 // BPS
	SwapSpread         uint32 // BPS
	MinInitialLeverage uint32 // BPS (10_000 = 1x)
	MaxInitialLeverage uint32 // BPS
	MaxLeverage        uint32 // BPS
	MaxPayoffMult      uint32 // BPS
}

// FeesParams are the static, admin-settable fee knobs on a custody.
type FeesParams struct {
	Mode             FeeMode
	SwapFee          uint32 // BPS
	AddLiquidityFee  uint32 // BPS
	RemoveLiquidityFee uint32 // BPS
	OpenPositionFee  uint32 // BPS
	ClosePositionFee uint32 // BPS
	LiquidationFee   uint32 // BPS
	MaxIncrease      uint32 // BPS
	MaxDecrease      uint32 // BPS
	ProtocolShare    uint32 // BPS
}

// BorrowRateParams parameterize the piecewise-linear kinked rate curve (§4.3).
type BorrowRateParams struct {
	BaseRate            uint64 // RATE scale, hourly
	Slope1              uint64 // RATE scale, hourly
	Slope2              uint64 // RATE scale, hourly
	OptimalUtilization  uint64 // RATE scale, in (0, 1e9]
}

// BorrowRateState is the per-custody borrow-rate clock (§3, §4.3).
type BorrowRateState struct {
	CurrentRate        *big.Int // RATE scale, hourly
	CumulativeInterest *big.Int // RATE scale x hours, monotone non-decreasing
	LastUpdate         int64    // unix seconds, monotone
}

// CollectedFees breaks down protocol fees collected by a custody, by action
// (§12.1, grounded on the original source's CollectedFees).
type CollectedFees struct {
	Swap             *big.Int
	AddLiquidity     *big.Int
	RemoveLiquidity  *big.Int
	OpenPosition     *big.Int
	ClosePosition    *big.Int
	Liquidation      *big.Int
}

// VolumeStats breaks down notional volume handled by a custody, by action.
type VolumeStats struct {
	Swap             *big.Int
	AddLiquidity     *big.Int
	RemoveLiquidity  *big.Int
	OpenPosition     *big.Int
	ClosePosition    *big.Int
	Liquidation      *big.Int
}

// TradeStats tracks aggregate realized PnL and open interest by side, used by
// the AUM collective-position view (§4.9, §9, §12.2). AvgEntryPriceLong/Short
// is the size-weighted average entry price across every open position on
// that side, maintained incrementally by OpenPosition/ClosePosition/Liquidate
// via AverageEntryPrice/RetireWeightedEntryPrice so GetCollectivePosition has
// a genuine per-unit price to value, not a derived stand-in.
type TradeStats struct {
	Profit  *big.Int
	Loss    *big.Int
	OILong  *big.Int
	OIShort *big.Int

	AvgEntryPriceLong  OraclePrice
	AvgEntryPriceShort OraclePrice
}

// CustodyAssets are the dynamic per-custody balances (§3).
type CustodyAssets struct {
	Owned        *big.Int
	Locked       *big.Int
	Collateral   *big.Int
	ProtocolFees *big.Int
}

// Custody is the per-asset sub-pool record (§3, §4.3).
type Custody struct {
	Pool     string
	Mint     string
	Decimals int32
	IsStable bool

	OracleKind           OracleKind
	MaxOraclePriceError  *big.Int // RATE scale
	MaxOraclePriceAgeSec int64

	Pricing    PricingParams
	Fees       FeesParams
	BorrowRate BorrowRateParams

	Assets CustodyAssets

	CollectedFees CollectedFees
	VolumeStats   VolumeStats
	TradeStats    TradeStats

	BorrowRateClock BorrowRateState

	cachedAUM   *big.Int
	cachedPrice OraclePrice
}

// Pool is a set of custodies co-sharing an AUM and LP token (§3).
type Pool struct {
	Name          string
	CustodyMints  []string // ordered, parallel to Ratios
	Ratios        []Ratio
	AUMUSD        *big.Int
	InceptionTime int64
	LPSupply      *big.Int

	UseUnrealizedPnLInAUM bool
}

// Position is a user's leveraged exposure against one custody, on one side (§3, §4.10).
type Position struct {
	Owner    string
	Pool     string
	Custody  string
	Side     Side

	OpenTime   int64
	UpdateTime int64

	EntryPrice OraclePrice
	SizeUSD    *big.Int
	CollateralUSD *big.Int

	UnrealizedProfitUSD *big.Int
	UnrealizedLossUSD   *big.Int

	CumulativeInterestSnapshot *big.Int

	LockedAmount     *big.Int
	CollateralAmount *big.Int
}

// IsOpen reports whether the position currently holds exposure.
func (p *Position) IsOpen() bool {
	return p != nil && p.Side != SideNone && p.SizeUSD != nil && p.SizeUSD.Sign() > 0
}

// Fee is the numerator/denominator fee pair, mirroring the original source's
// Fee{numerator, denominator}.get_fee_amount via checked ceil-div.
type Fee struct {
	NumeratorBPS uint32
	Denominator  uint32 // always BPSScale unless explicitly widened
}

// Amount computes ceil(amount * numerator / denominator).
func (f Fee) Amount(amount *big.Int) (*big.Int, error) {
	if f.NumeratorBPS == 0 {
		return big.NewInt(0), nil
	}
	denom := f.Denominator
	if denom == 0 {
		denom = BPSScale
	}
	product, err := CheckedMul(amount, big.NewInt(int64(f.NumeratorBPS)))
	if err != nil {
		return nil, err
	}
	return CheckedCeilDiv(product, big.NewInt(int64(denom)))
}
