package perpetuals

import "math/big"

// PnLResult is the (profit, loss, exit_fee) triple returned by GetPnLUSD.
type PnLResult struct {
	ProfitUSD    *big.Int
	LossUSD      *big.Int
	ExitFeeUSD   *big.Int
}

// GetPnLUSD computes unrealized profit/loss and the exit fee for a position
// against the given oracle prices, per §4.5.
func GetPnLUSD(pos *Position, custody *Custody, spot, ema OraclePrice, now int64, liquidation bool) (PnLResult, error) {
	exitPrice, err := ExitPrice(pos.Side, spot, ema, custody.Pricing)
	if err != nil {
		return PnLResult{}, err
	}
	entry, err := toPriceScale(pos.EntryPrice)
	if err != nil {
		return PnLResult{}, err
	}

	var priceDiff *big.Int
	var profitable bool
	switch pos.Side {
	case SideLong:
		if exitPrice.Price.Cmp(entry.Price) >= 0 {
			priceDiff = new(big.Int).Sub(exitPrice.Price, entry.Price)
			profitable = true
		} else {
			priceDiff = new(big.Int).Sub(entry.Price, exitPrice.Price)
			profitable = false
		}
	case SideShort:
		if entry.Price.Cmp(exitPrice.Price) >= 0 {
			priceDiff = new(big.Int).Sub(entry.Price, exitPrice.Price)
			profitable = true
		} else {
			priceDiff = new(big.Int).Sub(exitPrice.Price, entry.Price)
			profitable = false
		}
	default:
		return PnLResult{}, ErrInvalidPositionState
	}

	initialLeverage, isInf, err := Leverage(pos.SizeUSD, pos.CollateralUSD, big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))
	if err != nil {
		return PnLResult{}, err
	}
	if isInf {
		initialLeverage = bpsScaleBig
	}

	notional, err := CheckedMul(priceDiff, initialLeverage)
	if err != nil {
		return PnLResult{}, err
	}
	notionalPnLUSD, err := CheckedDiv(notional, bpsScaleBig)
	if err != nil {
		return PnLResult{}, err
	}

	interestUSD, err := custody.InterestUSD(pos.CumulativeInterestSnapshot, pos.SizeUSD)
	if err != nil {
		return PnLResult{}, err
	}

	var feeSchedule uint32
	if liquidation {
		feeSchedule = custody.Fees.LiquidationFee
	} else {
		feeSchedule = custody.Fees.ClosePositionFee
	}
	exitFeeUSD, err := bpsOfCeil(pos.SizeUSD, big.NewInt(int64(feeSchedule)))
	if err != nil {
		return PnLResult{}, err
	}

	lossFloor := new(big.Int).Add(exitFeeUSD, interestUSD)
	lossFloor.Add(lossFloor, pos.UnrealizedLossUSD)

	profitUSD := big.NewInt(0)
	lossUSD := big.NewInt(0)

	if profitable {
		residual := new(big.Int).Add(notionalPnLUSD, pos.UnrealizedProfitUSD)
		residual.Sub(residual, lossFloor)
		if residual.Sign() >= 0 {
			profitUSD = residual
			capacity, err := custody.EntryPrice().GetAssetAmountUSD(pos.LockedAmount, custody.Decimals)
			if err == nil && profitUSD.Cmp(capacity) > 0 {
				profitUSD = capacity
			}
		} else {
			lossUSD = new(big.Int).Neg(residual)
		}
	} else {
		residual := new(big.Int).Add(notionalPnLUSD, lossFloor)
		residual.Sub(residual, pos.UnrealizedProfitUSD)
		if residual.Sign() >= 0 {
			lossUSD = residual
		} else {
			profitUSD = new(big.Int).Neg(residual)
		}
	}

	return PnLResult{ProfitUSD: profitUSD, LossUSD: lossUSD, ExitFeeUSD: exitFeeUSD}, nil
}

// EntryPrice is a convenience accessor used by GetPnLUSD to value the
// position's locked-amount payoff ceiling at the custody's own oracle price;
// the Engine sets it before invoking GetPnLUSD via SetCachedPrice.
func (c *Custody) EntryPrice() OraclePrice {
	if c.cachedPrice.Price == nil {
		return OraclePrice{Price: big.NewInt(0), Exponent: priceScale}
	}
	return c.cachedPrice
}

// SetCachedPrice lets the Engine record the custody's current oracle price
// ahead of a PnL computation that needs to value the locked-amount ceiling.
func (c *Custody) SetCachedPrice(p OraclePrice) { c.cachedPrice = p }
