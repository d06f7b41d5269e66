package perpetuals

import "math/big"

// SwapQuote is the result of a swap-amount-and-fee computation, per §4.8.
type SwapQuote struct {
	AmountOut *big.Int
	FeeOut    *big.Int
}

// GetSwapAmountAndFee computes the output amount and total fee for swapping
// amountIn of custodyIn into custodyOut, per §4.8. The total fee is the sum
// of three legs, each a ceiling BPS share of the gross output amount taken
// from custodyOut's fee schedule: AddLiquidityFee, RemoveLiquidityFee and
// SwapFee. custodyIn's fee schedule is not used, and no fee is charged in
// the input token.
func GetSwapAmountAndFee(amountIn *big.Int, custodyIn, custodyOut *Custody, minIn, maxOut OraclePrice, swapSpreadBPS uint32) (SwapQuote, error) {
	swapPrice, err := SwapPrice(minIn, maxOut, swapSpreadBPS)
	if err != nil {
		return SwapQuote{}, err
	}
	grossOut, err := CheckedDecimalMul(amountIn, -custodyIn.Decimals, swapPrice.Price, swapPrice.Exponent, -custodyOut.Decimals)
	if err != nil {
		return SwapQuote{}, err
	}

	addFee, err := bpsOfCeil(grossOut, big.NewInt(int64(custodyOut.Fees.AddLiquidityFee)))
	if err != nil {
		return SwapQuote{}, err
	}
	removeFee, err := bpsOfCeil(grossOut, big.NewInt(int64(custodyOut.Fees.RemoveLiquidityFee)))
	if err != nil {
		return SwapQuote{}, err
	}
	flatFee, err := bpsOfCeil(grossOut, big.NewInt(int64(custodyOut.Fees.SwapFee)))
	if err != nil {
		return SwapQuote{}, err
	}

	totalFee := new(big.Int).Add(addFee, removeFee)
	totalFee.Add(totalFee, flatFee)

	netOut := new(big.Int).Sub(grossOut, totalFee)
	if netOut.Sign() < 0 {
		netOut = big.NewInt(0)
	}

	return SwapQuote{AmountOut: netOut, FeeOut: totalFee}, nil
}
