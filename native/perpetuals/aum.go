package perpetuals

import "math/big"

// AUMPriceMode selects which oracle reading values each custody's owned
// balance when computing assets-under-management, per §4.9.
type AUMPriceMode uint8

const (
	AUMMin AUMPriceMode = iota
	AUMMax
	AUMLast
	AUMEMA
)

// CustodyValuation is the per-custody (spot, ema) price pair the Engine
// supplies to GetAssetsUnderManagementUSD; avoids re-reading oracles inside
// the AUM aggregator.
type CustodyValuation struct {
	Custody *Custody
	Spot    OraclePrice
	EMA     OraclePrice
}

// CollectivePosition is the derived, unstored aggregate position per side
// used by the AUM calculation (§4.9, §9): a synthetic position representing
// every open long or short against one custody.
type CollectivePosition struct {
	SizeUSD       *big.Int
	CollateralUSD *big.Int
	EntryPrice    OraclePrice
}

// GetCollectivePosition derives the synthetic collective position for one
// side of a custody's open interest, per §9: size_usd = oi_side_usd,
// entry_price = the size-weighted average entry price OpenPosition/
// ClosePosition/Liquidate maintain in TradeStats.AvgEntryPriceLong/Short
// alongside oi (§4.9's explicit requirement that the collective entry price
// be a running average, not a derived stand-in). This repo tracks only the
// open-interest side of the bucket (the collateral bucket collapses into the
// same TradeStats accumulator), so CollateralUSD mirrors SizeUSD scaled by
// the custody's default initial leverage (Pricing.MinInitialLeverage) as the
// best available collateral estimate absent a dedicated per-side collateral
// accumulator.
func GetCollectivePosition(custody *Custody, side Side) (CollectivePosition, error) {
	var size *big.Int
	var avgEntry OraclePrice
	switch side {
	case SideLong:
		size = custody.TradeStats.OILong
		avgEntry = custody.TradeStats.AvgEntryPriceLong
	case SideShort:
		size = custody.TradeStats.OIShort
		avgEntry = custody.TradeStats.AvgEntryPriceShort
	default:
		size = big.NewInt(0)
	}
	if size == nil {
		size = big.NewInt(0)
	}
	if avgEntry.Price == nil {
		avgEntry = OraclePrice{Price: big.NewInt(0), Exponent: priceScale}
	}

	leverageBPS := custody.Pricing.MinInitialLeverage
	if leverageBPS == 0 {
		leverageBPS = BPSScale
	}
	scaled, err := CheckedMul(size, bpsScaleBig)
	if err != nil {
		return CollectivePosition{}, err
	}
	collateralUSD, err := CheckedDiv(scaled, big.NewInt(int64(leverageBPS)))
	if err != nil {
		return CollectivePosition{}, err
	}

	return CollectivePosition{
		SizeUSD:       new(big.Int).Set(size),
		CollateralUSD: collateralUSD,
		EntryPrice:    avgEntry,
	}, nil
}

// GetAssetsUnderManagementUSD values every custody's owned balance at the
// selected price mode, optionally adjusting for aggregate collective-position
// PnL, per §4.9.
func GetAssetsUnderManagementUSD(pool *Pool, valuations []CustodyValuation, mode AUMPriceMode) (*big.Int, error) {
	total := big.NewInt(0)
	for _, v := range valuations {
		price, err := selectAUMPrice(v.Spot, v.EMA, mode)
		if err != nil {
			return nil, err
		}
		valueUSD, err := price.GetAssetAmountUSD(v.Custody.Assets.Owned, v.Custody.Decimals)
		if err != nil {
			return nil, err
		}
		total.Add(total, valueUSD)
	}

	if !pool.UseUnrealizedPnLInAUM {
		return total, nil
	}

	for _, v := range valuations {
		// GetPnLUSD caps a profitable position's payoff at its own
		// locked-amount ceiling, valued via Custody.EntryPrice()/SetCachedPrice
		// (§4.5). The collective position mirrors that per-position ceiling at
		// the aggregate level, at the custody's current spot.
		v.Custody.SetCachedPrice(v.Spot)
		for _, side := range []Side{SideLong, SideShort} {
			collective, err := GetCollectivePosition(v.Custody, side)
			if err != nil {
				return nil, err
			}
			if collective.SizeUSD.Sign() == 0 {
				continue
			}
			payoffCeilingUSD, err := bpsOf(collective.SizeUSD, big.NewInt(int64(v.Custody.Pricing.MaxPayoffMult)))
			if err != nil {
				return nil, err
			}
			lockedAmount, err := v.Spot.GetTokenAmount(payoffCeilingUSD, v.Custody.Decimals)
			if err != nil {
				return nil, err
			}
			synthetic := &Position{
				Side:                       side,
				EntryPrice:                 collective.EntryPrice,
				SizeUSD:                    collective.SizeUSD,
				CollateralUSD:              collective.CollateralUSD,
				UnrealizedProfitUSD:        big.NewInt(0),
				UnrealizedLossUSD:          big.NewInt(0),
				CumulativeInterestSnapshot: v.Custody.BorrowRateClock.CumulativeInterest,
				LockedAmount:               lockedAmount,
			}
			pnl, err := GetPnLUSD(synthetic, v.Custody, v.Spot, v.EMA, 0, false)
			if err != nil {
				return nil, err
			}
			total.Add(total, pnl.ProfitUSD)
			total.Sub(total, pnl.LossUSD)
			if total.Sign() < 0 {
				total = big.NewInt(0)
			}
		}
	}
	return total, nil
}

func selectAUMPrice(spot, ema OraclePrice, mode AUMPriceMode) (OraclePrice, error) {
	switch mode {
	case AUMMin:
		return spot.Min(ema)
	case AUMMax:
		return spot.Max(ema)
	case AUMLast:
		return spot, nil
	case AUMEMA:
		return ema, nil
	default:
		return OraclePrice{}, ErrInvalidArgument
	}
}

// AddLiquidityOut computes lp_out for a deposit, per §4.9.
func AddLiquidityOut(depositUSDAfterFee, aumUSD, lpSupply *big.Int) (*big.Int, error) {
	if lpSupply.Sign() == 0 {
		return new(big.Int).Set(depositUSDAfterFee), nil
	}
	if aumUSD.Sign() == 0 {
		return nil, ErrInvalidArgument
	}
	num, err := CheckedMul(depositUSDAfterFee, lpSupply)
	if err != nil {
		return nil, err
	}
	return CheckedDiv(num, aumUSD)
}

// RemoveLiquidityOutUSD computes the USD value redeemable for lpIn tokens,
// per §4.9, before conversion to output tokens and fee.
func RemoveLiquidityOutUSD(aumUSD, lpIn, lpSupply *big.Int) (*big.Int, error) {
	if lpSupply.Sign() == 0 {
		return big.NewInt(0), nil
	}
	num, err := CheckedMul(aumUSD, lpIn)
	if err != nil {
		return nil, err
	}
	return CheckedDiv(num, lpSupply)
}
