package perpetuals

import "math/big"

var rateScaleHourly = new(big.Int).Exp(big.NewInt(10), big.NewInt(RateDecimals), nil)

// Utilization returns locked/owned, RATE-scaled. Returns 0 when owned is 0.
func (c *Custody) Utilization() *big.Int {
	if c.Assets.Owned == nil || c.Assets.Owned.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(c.Assets.Locked, rateScaleHourly)
	return new(big.Int).Quo(num, c.Assets.Owned)
}

// currentRate computes the piecewise-linear kinked borrow rate from the
// custody's current utilization, per §4.3.
func (c *Custody) currentRate() *big.Int {
	if c.Assets.Owned == nil || c.Assets.Owned.Sign() == 0 {
		return big.NewInt(0)
	}
	u := c.Utilization()
	uOpt := new(big.Int).SetUint64(c.BorrowRate.OptimalUtilization)
	base := new(big.Int).SetUint64(c.BorrowRate.BaseRate)
	slope1 := new(big.Int).SetUint64(c.BorrowRate.Slope1)
	slope2 := new(big.Int).SetUint64(c.BorrowRate.Slope2)

	if uOpt.Sign() <= 0 {
		return base
	}
	if u.Cmp(uOpt) < 0 {
		// base + (u/uOpt) * slope1
		term := new(big.Int).Mul(u, slope1)
		term.Quo(term, uOpt)
		return new(big.Int).Add(base, term)
	}
	// base + slope1 + ((u - uOpt)/(RateScale - uOpt)) * slope2
	denom := new(big.Int).Sub(rateScaleHourly, uOpt)
	rate := new(big.Int).Add(base, slope1)
	if denom.Sign() <= 0 {
		return rate
	}
	num := new(big.Int).Sub(u, uOpt)
	num.Mul(num, slope2)
	num.Quo(num, denom)
	return rate.Add(rate, num)
}

// UpdateBorrowRate advances the borrow-rate clock to now, per §4.3:
//  1. now <= LastUpdate is a no-op (idempotence law, §8).
//  2. otherwise cumulative_interest += ceil_div((now-last)*current_rate, 3600),
//     last_update = now, current_rate recomputed from (owned, locked).
//  3. owned == 0 forces current_rate to 0.
func (c *Custody) UpdateBorrowRate(now int64) error {
	if c.BorrowRateClock.CurrentRate == nil {
		c.BorrowRateClock.CurrentRate = big.NewInt(0)
	}
	if c.BorrowRateClock.CumulativeInterest == nil {
		c.BorrowRateClock.CumulativeInterest = big.NewInt(0)
	}
	if now <= c.BorrowRateClock.LastUpdate {
		return nil
	}
	delta := now - c.BorrowRateClock.LastUpdate
	accrued, err := CheckedCeilDiv(
		new(big.Int).Mul(big.NewInt(delta), c.BorrowRateClock.CurrentRate),
		big.NewInt(3600),
	)
	if err != nil {
		return err
	}
	c.BorrowRateClock.CumulativeInterest = new(big.Int).Add(c.BorrowRateClock.CumulativeInterest, accrued)
	c.BorrowRateClock.LastUpdate = now
	if c.Assets.Owned == nil || c.Assets.Owned.Sign() == 0 {
		c.BorrowRateClock.CurrentRate = big.NewInt(0)
		return nil
	}
	c.BorrowRateClock.CurrentRate = c.currentRate()
	return nil
}

// ensureTradeStats zero-inits any nil CollectedFees, VolumeStats and
// TradeStats accumulator before a handler mutates it, the same self-healing
// pattern UpdateBorrowRate uses for BorrowRateClock: a Custody built from a
// bare literal (tests, a not-yet-traded custody) must not panic the first
// time a handler touches it.
func (c *Custody) ensureTradeStats() {
	for _, f := range []**big.Int{
		&c.CollectedFees.Swap, &c.CollectedFees.AddLiquidity, &c.CollectedFees.RemoveLiquidity,
		&c.CollectedFees.OpenPosition, &c.CollectedFees.ClosePosition, &c.CollectedFees.Liquidation,
		&c.VolumeStats.Swap, &c.VolumeStats.AddLiquidity, &c.VolumeStats.RemoveLiquidity,
		&c.VolumeStats.OpenPosition, &c.VolumeStats.ClosePosition, &c.VolumeStats.Liquidation,
	} {
		if *f == nil {
			*f = big.NewInt(0)
		}
	}
	if c.TradeStats.Profit == nil {
		c.TradeStats.Profit = big.NewInt(0)
	}
	if c.TradeStats.Loss == nil {
		c.TradeStats.Loss = big.NewInt(0)
	}
	if c.TradeStats.OILong == nil {
		c.TradeStats.OILong = big.NewInt(0)
	}
	if c.TradeStats.OIShort == nil {
		c.TradeStats.OIShort = big.NewInt(0)
	}
	if c.TradeStats.AvgEntryPriceLong.Price == nil {
		c.TradeStats.AvgEntryPriceLong = OraclePrice{Price: big.NewInt(0), Exponent: priceScale}
	}
	if c.TradeStats.AvgEntryPriceShort.Price == nil {
		c.TradeStats.AvgEntryPriceShort = OraclePrice{Price: big.NewInt(0), Exponent: priceScale}
	}
}

// InterestUSD computes the interest owed by a position since its last
// snapshot, per §4.3: (cumulative_interest - snapshot) * size_usd / RATE_POWER,
// against the counter as last advanced by UpdateBorrowRate; interest accrued
// since BorrowRateClock.LastUpdate is not included.
func (c *Custody) InterestUSD(snapshot, sizeUSD *big.Int) (*big.Int, error) {
	if c.BorrowRateClock.CumulativeInterest == nil {
		return big.NewInt(0), nil
	}
	delta := new(big.Int).Sub(c.BorrowRateClock.CumulativeInterest, snapshot)
	if delta.Sign() < 0 {
		return big.NewInt(0), nil
	}
	product, err := CheckedMul(delta, sizeUSD)
	if err != nil {
		return nil, err
	}
	return CheckedDiv(product, rateScaleHourly)
}

// LockAssets increments locked, failing if the post-update invariant
// locked <= owned would be violated (§3, §5).
func (c *Custody) LockAssets(amount *big.Int) error {
	locked, err := CheckedAdd(c.Assets.Locked, amount)
	if err != nil {
		return err
	}
	if locked.Cmp(c.Assets.Owned) > 0 {
		return ErrMaxPoolAmount
	}
	c.Assets.Locked = locked
	return nil
}

// UnlockAssets decrements locked, saturating at 0 (§5).
func (c *Custody) UnlockAssets(amount *big.Int) {
	remaining := new(big.Int).Sub(c.Assets.Locked, amount)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	c.Assets.Locked = remaining
}
