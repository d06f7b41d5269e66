package perpetuals

import "math/big"

// priceScale is the exponent every Pool pricing routine normalizes its
// operands to and returns results at: PRICE_DECIMALS from §3.
const priceScale int32 = -USDDecimals

func toPriceScale(p OraclePrice) (OraclePrice, error) {
	return p.ScaleToExponent(priceScale)
}

// spreadAddCeil returns max(spot, ema) plus price*spreadBPS/BPSScale,
// rounded up, at priceScale. Used for long entries and short exits (§4.4).
func spreadAddCeil(spot, ema OraclePrice, spreadBPS uint32) (OraclePrice, error) {
	maxPrice, err := spot.Max(ema)
	if err != nil {
		return OraclePrice{}, err
	}
	maxPrice, err = toPriceScale(maxPrice)
	if err != nil {
		return OraclePrice{}, err
	}
	spread, err := bpsOfCeil(maxPrice.Price, big.NewInt(int64(spreadBPS)))
	if err != nil {
		return OraclePrice{}, err
	}
	sum, err := CheckedAdd(maxPrice.Price, spread)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: sum, Exponent: priceScale}, nil
}

// spreadSubTrunc returns min(spot, ema) minus price*spreadBPS/BPSScale,
// truncated, clamped at 0, at priceScale. Used for short entries and long
// exits (§4.4).
func spreadSubTrunc(spot, ema OraclePrice, spreadBPS uint32) (OraclePrice, error) {
	minPrice, err := spot.Min(ema)
	if err != nil {
		return OraclePrice{}, err
	}
	minPrice, err = toPriceScale(minPrice)
	if err != nil {
		return OraclePrice{}, err
	}
	spread, err := bpsOf(minPrice.Price, big.NewInt(int64(spreadBPS)))
	if err != nil {
		return OraclePrice{}, err
	}
	if spread.Cmp(minPrice.Price) >= 0 {
		return OraclePrice{Price: big.NewInt(0), Exponent: priceScale}, nil
	}
	diff := new(big.Int).Sub(minPrice.Price, spread)
	return OraclePrice{Price: diff, Exponent: priceScale}, nil
}

// EntryPrice returns the price at which a new position of the given side is
// opened, per §4.4.
func EntryPrice(side Side, spot, ema OraclePrice, pricing PricingParams) (OraclePrice, error) {
	switch side {
	case SideLong:
		return spreadAddCeil(spot, ema, pricing.TradeSpreadLong)
	case SideShort:
		return spreadSubTrunc(spot, ema, pricing.TradeSpreadShort)
	default:
		return OraclePrice{}, ErrInvalidArgument
	}
}

// ExitPrice returns the price at which an existing position of the given
// side is closed. Grouped inversely to EntryPrice per §4.4 ("long entry /
// short exit" share a formula; "short entry / long exit" share the other).
func ExitPrice(side Side, spot, ema OraclePrice, pricing PricingParams) (OraclePrice, error) {
	switch side {
	case SideLong:
		return spreadSubTrunc(spot, ema, pricing.TradeSpreadShort)
	case SideShort:
		return spreadAddCeil(spot, ema, pricing.TradeSpreadLong)
	default:
		return OraclePrice{}, ErrInvalidArgument
	}
}

// SwapPrice pairs min_in/max_out then applies the short-side spread with
// swap_spread, per §4.8.
func SwapPrice(minIn, maxOut OraclePrice, swapSpreadBPS uint32) (OraclePrice, error) {
	ratio, err := minIn.CheckedDiv(maxOut)
	if err != nil {
		return OraclePrice{}, err
	}
	ratio, err = toPriceScale(ratio)
	if err != nil {
		return OraclePrice{}, err
	}
	return spreadSubTrunc(ratio, ratio, swapSpreadBPS)
}

// AverageEntryPrice implements the entry-price averaging law (§4.4, §8):
// new_price = (old_size*old_price + added_size*new_price) / (old_size+added_size),
// truncating.
func AverageEntryPrice(oldSizeUSD *big.Int, oldPrice OraclePrice, addedSizeUSD *big.Int, newPrice OraclePrice) (OraclePrice, error) {
	old, err := toPriceScale(oldPrice)
	if err != nil {
		return OraclePrice{}, err
	}
	added, err := toPriceScale(newPrice)
	if err != nil {
		return OraclePrice{}, err
	}
	oldWeighted, err := CheckedMul(oldSizeUSD, old.Price)
	if err != nil {
		return OraclePrice{}, err
	}
	addedWeighted, err := CheckedMul(addedSizeUSD, added.Price)
	if err != nil {
		return OraclePrice{}, err
	}
	numerator, err := CheckedAdd(oldWeighted, addedWeighted)
	if err != nil {
		return OraclePrice{}, err
	}
	totalSize, err := CheckedAdd(oldSizeUSD, addedSizeUSD)
	if err != nil {
		return OraclePrice{}, err
	}
	if totalSize.Sign() == 0 {
		return OraclePrice{Price: big.NewInt(0), Exponent: priceScale}, nil
	}
	price, err := CheckedDiv(numerator, totalSize)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: price, Exponent: priceScale}, nil
}

// RetireWeightedEntryPrice is AverageEntryPrice's inverse: it removes one
// position's size-weighted contribution from a custody-wide running average
// (e.g. the per-side collective entry price in §4.9/§12.2's TradeStats),
// truncating like AverageEntryPrice. When the removed size meets or exceeds
// the total, the remaining side is flat and the average resets to zero.
func RetireWeightedEntryPrice(totalSizeUSD *big.Int, avgPrice OraclePrice, removedSizeUSD *big.Int, removedPrice OraclePrice) (OraclePrice, error) {
	remainingSize, err := CheckedSub(totalSizeUSD, removedSizeUSD)
	if err != nil {
		return OraclePrice{}, err
	}
	if remainingSize.Sign() <= 0 {
		return OraclePrice{Price: big.NewInt(0), Exponent: priceScale}, nil
	}
	avg, err := toPriceScale(avgPrice)
	if err != nil {
		return OraclePrice{}, err
	}
	removed, err := toPriceScale(removedPrice)
	if err != nil {
		return OraclePrice{}, err
	}
	totalWeighted, err := CheckedMul(totalSizeUSD, avg.Price)
	if err != nil {
		return OraclePrice{}, err
	}
	removedWeighted, err := CheckedMul(removedSizeUSD, removed.Price)
	if err != nil {
		return OraclePrice{}, err
	}
	numerator, err := CheckedSub(totalWeighted, removedWeighted)
	if err != nil {
		return OraclePrice{}, err
	}
	if numerator.Sign() < 0 {
		numerator = big.NewInt(0)
	}
	price, err := CheckedDiv(numerator, remainingSize)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: price, Exponent: priceScale}, nil
}

// Leverage computes size_usd*10_000 / max(0, collateral+profit-loss-fee-interest),
// per §4.7. Returns (leverageBPS, isInfinite).
func Leverage(sizeUSD, collateralUSD, unrealizedProfitUSD, unrealizedLossUSD, exitFeeUSD, interestUSD *big.Int) (*big.Int, bool, error) {
	margin := new(big.Int).Add(collateralUSD, unrealizedProfitUSD)
	margin.Sub(margin, unrealizedLossUSD)
	margin.Sub(margin, exitFeeUSD)
	margin.Sub(margin, interestUSD)
	if margin.Sign() <= 0 {
		return maxUint64, true, nil
	}
	numerator, err := CheckedMul(sizeUSD, bpsScaleBig)
	if err != nil {
		return nil, false, err
	}
	leverage, err := CheckedDiv(numerator, margin)
	if err != nil {
		return nil, false, err
	}
	return leverage, false, nil
}

// CheckLeverage reports whether leverageBPS respects max_leverage, and, when
// initial is true, the min/max initial-leverage band too (§4.7).
func CheckLeverage(leverageBPS *big.Int, pricing PricingParams, initial bool) bool {
	maxLev := big.NewInt(int64(pricing.MaxLeverage))
	if leverageBPS.Cmp(maxLev) > 0 {
		return false
	}
	if !initial {
		return true
	}
	minInit := big.NewInt(int64(pricing.MinInitialLeverage))
	maxInit := big.NewInt(int64(pricing.MaxInitialLeverage))
	return leverageBPS.Cmp(minInit) >= 0 && leverageBPS.Cmp(maxInit) <= 0
}

// LiquidationPrice solves for the price at which margin equals exit fee plus
// interest plus size/max_leverage, per §4.7, grounded on the original
// source's get_liquidation_price instruction.
func LiquidationPrice(side Side, entryPrice OraclePrice, sizeUSD, collateralUSD, exitFeeUSD, interestUSD *big.Int, pricing PricingParams, spot, ema OraclePrice) (OraclePrice, error) {
	maxLeverage := big.NewInt(int64(pricing.MaxLeverage))
	if maxLeverage.Sign() <= 0 {
		return OraclePrice{}, ErrInvalidArgument
	}
	sizeOverMaxLev, err := CheckedDiv(new(big.Int).Mul(sizeUSD, bpsScaleBig), maxLeverage)
	if err != nil {
		return OraclePrice{}, err
	}
	maxLossUSD := new(big.Int).Add(sizeOverMaxLev, exitFeeUSD)
	maxLossUSD.Add(maxLossUSD, interestUSD)

	entry, err := toPriceScale(entryPrice)
	if err != nil {
		return OraclePrice{}, err
	}

	var diffUSD *big.Int
	positive := maxLossUSD.Cmp(collateralUSD) >= 0
	if positive {
		diffUSD = new(big.Int).Sub(maxLossUSD, collateralUSD)
	} else {
		diffUSD = new(big.Int).Sub(collateralUSD, maxLossUSD)
	}

	initialLeverage, isInf, err := Leverage(sizeUSD, collateralUSD, big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	if err != nil {
		return OraclePrice{}, err
	}
	if isInf || initialLeverage.Sign() == 0 {
		return OraclePrice{Price: big.NewInt(0), Exponent: priceScale}, nil
	}
	priceDiffUSD, err := CheckedDiv(new(big.Int).Mul(diffUSD, bpsScaleBig), initialLeverage)
	if err != nil {
		return OraclePrice{}, err
	}

	var liqPrice *big.Int
	switch side {
	case SideLong:
		if positive {
			liqPrice = new(big.Int).Add(entry.Price, priceDiffUSD)
		} else {
			liqPrice = new(big.Int).Sub(entry.Price, priceDiffUSD)
		}
	case SideShort:
		if positive {
			liqPrice = new(big.Int).Sub(entry.Price, priceDiffUSD)
		} else {
			liqPrice = new(big.Int).Add(entry.Price, priceDiffUSD)
		}
	default:
		return OraclePrice{}, ErrInvalidArgument
	}
	if liqPrice.Sign() < 0 {
		liqPrice = big.NewInt(0)
	}

	raw := OraclePrice{Price: liqPrice, Exponent: priceScale}
	if side == SideLong {
		return spreadSubTrunc(raw, raw, 0)
	}
	return spreadAddCeil(raw, raw, 0)
}

// NewRatioBPS computes the post-trade single-custody ratio
// (custody.aum ± delta) / (pool.aum ± delta), both in BPS, capped at 10_000,
// per §4.6. add and remove must not both be positive.
func NewRatioBPS(custodyAUM, poolAUM, addUSD, removeUSD *big.Int) (*big.Int, error) {
	if addUSD.Sign() > 0 && removeUSD.Sign() > 0 {
		return nil, ErrInvalidArgument
	}
	delta := new(big.Int).Sub(addUSD, removeUSD)
	newCustodyAUM := new(big.Int).Add(custodyAUM, delta)
	if newCustodyAUM.Sign() < 0 {
		newCustodyAUM = big.NewInt(0)
	}
	newPoolAUM := new(big.Int).Add(poolAUM, delta)
	if newPoolAUM.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	ratio, err := CheckedDiv(new(big.Int).Mul(newCustodyAUM, bpsScaleBig), newPoolAUM)
	if err != nil {
		return nil, err
	}
	if ratio.Cmp(bpsScaleBig) > 0 {
		ratio = new(big.Int).Set(bpsScaleBig)
	}
	return ratio, nil
}

// CheckTokenRatio reports whether a post-trade ratio stays within bounds, or,
// if it was already out of bounds, whether the trade moves it closer to
// target (§4.7 token-ratio check).
func CheckTokenRatio(oldRatio, newRatio *big.Int, bounds Ratio) bool {
	min := big.NewInt(int64(bounds.Min))
	max := big.NewInt(int64(bounds.Max))
	target := big.NewInt(int64(bounds.Target))
	if newRatio.Cmp(min) >= 0 && newRatio.Cmp(max) <= 0 {
		return true
	}
	oldDist := absDiff(oldRatio, target)
	newDist := absDiff(newRatio, target)
	return newDist.Cmp(oldDist) <= 0
}

func absDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

// Fee computes the fee in BPS for an action, per §4.6.
func (p *Pool) Fee(tokenIdx int, baseFeeBPS uint32, addUSD, removeUSD *big.Int, custody *Custody, mode FeeMode) (uint32, error) {
	if mode == FeeModeFixed {
		return baseFeeBPS, nil
	}
	ratio := p.Ratios[tokenIdx]
	newRatioBPS, err := NewRatioBPS(custody.partialAUM(), p.AUMUSD, addUSD, removeUSD)
	if err != nil {
		return 0, err
	}
	newRatio := uint32(newRatioBPS.Int64())
	base := int64(baseFeeBPS)
	switch {
	case newRatio > ratio.Target:
		if ratio.Max <= ratio.Target || newRatio >= ratio.Max {
			inc := base * int64(custody.Fees.MaxIncrease) / BPSScale
			return uint32(base + inc), nil
		}
		capped := newRatio
		if capped > ratio.Max {
			capped = ratio.Max
		}
		num := base * int64(custody.Fees.MaxIncrease) * int64(capped-ratio.Target)
		den := int64(ratio.Max - ratio.Target) * BPSScale
		inc := ceilDivInt64(num, den)
		return uint32(base + inc), nil
	case newRatio < ratio.Target:
		if ratio.Target == 0 || newRatio == 0 {
			dec := base * int64(custody.Fees.MaxDecrease) / BPSScale
			result := base - dec
			if result < 0 {
				result = 0
			}
			return uint32(result), nil
		}
		num := base * int64(custody.Fees.MaxDecrease) * int64(ratio.Target-newRatio)
		den := int64(ratio.Target) * BPSScale
		dec := num / den
		result := base - dec
		if result < 0 {
			result = 0
		}
		return uint32(result), nil
	default:
		return baseFeeBPS, nil
	}
}

func ceilDivInt64(n, d int64) int64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// partialAUM is a placeholder hook the Engine fills (via SetCachedAUM) with
// the custody's USD-valued owned balance before its NewRatioBPS token-ratio
// checks; Fee reads it the same way. It is kept as a method so Fee's
// signature matches §4.6 without the caller threading an extra parameter
// through every call site.
func (c *Custody) partialAUM() *big.Int {
	if c.cachedAUM != nil {
		return c.cachedAUM
	}
	return big.NewInt(0)
}

// SetCachedAUM lets the Engine record the custody's current USD valuation
// ahead of a Fee computation, avoiding a recursive oracle read inside Fee.
func (c *Custody) SetCachedAUM(aumUSD *big.Int) { c.cachedAUM = aumUSD }
