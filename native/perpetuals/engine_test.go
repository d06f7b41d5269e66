package perpetuals

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhbchain/perpcore/native/common"
)

func newLifecycleEngine(t *testing.T) (*Engine, *MemoryTokenLedger, *TestOracleSource) {
	t.Helper()
	storage := NewMemoryStorage()
	ledger := NewMemoryTokenLedger()
	oracle := NewTestOracleSource()
	oracle.Set("USDC", RawOracleReading{Price: big.NewInt(1_000_000_000), Exponent: -9, Confidence: big.NewInt(0), PublishTime: 0})

	engine := NewEngine(storage, ledger, oracle, ActionPauses{}, nil)

	require.NoError(t, storage.PutPool(&Pool{
		Name:         "main",
		CustodyMints: []string{"USDC"},
		Ratios:       []Ratio{{Target: 5_000, Min: 0, Max: 10_000}},
		AUMUSD:       big.NewInt(1_000_000_000),
		LPSupply:     big.NewInt(1_000_000_000),
	}))
	require.NoError(t, storage.PutCustody(&Custody{
		Pool:                 "main",
		Mint:                 "USDC",
		Decimals:             6,
		IsStable:             true,
		OracleKind:           OracleTest,
		MaxOraclePriceError:  big.NewInt(100_000_000),
		MaxOraclePriceAgeSec: 1_000_000,
		Pricing: PricingParams{
			UseEMA:             false,
			MinInitialLeverage: 10_000,
			MaxInitialLeverage: 500_000,
			MaxLeverage:        1_000_000,
			MaxPayoffMult:      3_000,
		},
		Fees: FeesParams{
			Mode:             FeeModeFixed,
			OpenPositionFee:  100,
			ClosePositionFee: 50,
			LiquidationFee:   500,
			ProtocolShare:    2_000,
		},
		Assets: CustodyAssets{
			Owned:        big.NewInt(500_000_000),
			Locked:       big.NewInt(0),
			Collateral:   big.NewInt(0),
			ProtocolFees: big.NewInt(0),
		},
		BorrowRate: BorrowRateParams{
			BaseRate:           0,
			Slope1:             10_000_000,
			Slope2:             100_000_000,
			OptimalUtilization: 800_000_000,
		},
		BorrowRateClock: BorrowRateState{
			CurrentRate:        big.NewInt(0),
			CumulativeInterest: big.NewInt(0),
			LastUpdate:         0,
		},
	}))

	ledger.Credit("alice", big.NewInt(1_000_000_000))
	return engine, ledger, oracle
}

// TestEngineOpenAddCloseLifecycle drives a full Empty->Open->Open(add)->Closed
// transition through one position, with every expected amount hand-derived
// from the fixture's fees and borrow-rate curve.
func TestEngineOpenAddCloseLifecycle(t *testing.T) {
	engine, ledger, _ := newLifecycleEngine(t)

	id, err := engine.OpenPosition(OpenPositionRequest{
		Owner:       "alice",
		Pool:        "main",
		CustodyMint: "USDC",
		Side:        SideLong,
		Collateral:  big.NewInt(100_000_000),
		SizeUSD:     big.NewInt(1_000_000_000),
		Now:         1_000,
	})
	require.NoError(t, err)
	require.Equal(t, PositionID("alice", "main", "USDC", SideLong), id)

	pos, err := engine.Storage.GetPosition("alice", "main", "USDC", SideLong)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100_000_000), pos.CollateralUSD)
	require.Equal(t, big.NewInt(300_000_000), pos.LockedAmount)
	require.Equal(t, big.NewInt(0), pos.CumulativeInterestSnapshot)

	custody, err := engine.Storage.GetCustody("main", "USDC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(600_000_000), custody.Assets.Owned)
	require.Equal(t, big.NewInt(300_000_000), custody.Assets.Locked)
	require.Equal(t, big.NewInt(2_000_000), custody.Assets.ProtocolFees)
	require.Equal(t, big.NewInt(6_250_000), custody.BorrowRateClock.CurrentRate)
	require.Equal(t, big.NewInt(700_000_000), ledger.Balance("alice"))

	require.NoError(t, engine.AddCollateral(AddCollateralRequest{
		Owner:           "alice",
		Pool:            "main",
		CustodyMint:     "USDC",
		Side:            SideLong,
		DeltaCollateral: big.NewInt(50_000_000),
		Now:             4_600,
	}))

	pos, err = engine.Storage.GetPosition("alice", "main", "USDC", SideLong)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(150_000_000), pos.CollateralUSD)
	require.Equal(t, big.NewInt(150_000_000), pos.CollateralAmount)

	custody, err = engine.Storage.GetCustody("main", "USDC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(650_000_000), custody.Assets.Owned)
	require.Equal(t, big.NewInt(6_250_000), custody.BorrowRateClock.CumulativeInterest)

	amountOut, err := engine.ClosePosition(ClosePositionRequest{
		Owner:       "alice",
		Pool:        "main",
		CustodyMint: "USDC",
		Side:        SideLong,
		Now:         8_200,
	})
	require.NoError(t, err)
	// collateral(150M) - loss(17_019_230, all interest since price unchanged) -
	// close fee(5M) = 127_980_770 tokens at the $1 exit price.
	require.Equal(t, big.NewInt(127_980_770), amountOut)

	_, err = engine.Storage.GetPosition("alice", "main", "USDC", SideLong)
	require.ErrorIs(t, err, ErrNotFound)

	custody, err = engine.Storage.GetCustody("main", "USDC")
	require.NoError(t, err)
	require.Equal(t, 0, custody.Assets.Locked.Sign())
	require.Equal(t, big.NewInt(522_019_230), custody.Assets.Owned)
	require.Equal(t, big.NewInt(3_000_000), custody.Assets.ProtocolFees)
	require.Equal(t, big.NewInt(17_019_230), custody.TradeStats.Loss)
	require.Equal(t, 0, custody.TradeStats.OILong.Sign())

	require.Equal(t, big.NewInt(977_980_770), ledger.Balance("alice"))
}

func TestEngineOpenPositionRejectsExcessiveInitialLeverage(t *testing.T) {
	engine, ledger, _ := newLifecycleEngine(t)
	ledger.Credit("dave", big.NewInt(1_000_000_000))

	// 1 USDC collateral against $1000 size is far above MaxInitialLeverage.
	_, err := engine.OpenPosition(OpenPositionRequest{
		Owner:       "dave",
		Pool:        "main",
		CustodyMint: "USDC",
		Side:        SideLong,
		Collateral:  big.NewInt(1_000_000),
		SizeUSD:     big.NewInt(1_000_000_000),
		Now:         1_000,
	})
	require.ErrorIs(t, err, ErrMaxLeverage)
}

func TestEngineGuardRejectsPausedInstruction(t *testing.T) {
	engine, _, _ := newLifecycleEngine(t)
	engine.Pauses = ActionPauses{OpenPosition: true}

	_, err := engine.OpenPosition(OpenPositionRequest{
		Owner:       "alice",
		Pool:        "main",
		CustodyMint: "USDC",
		Side:        SideLong,
		Collateral:  big.NewInt(100_000_000),
		SizeUSD:     big.NewInt(1_000_000_000),
		Now:         1_000,
	})
	require.ErrorIs(t, err, ErrInstructionNotAllowed)
}

func TestEngineQuotaRejectsOwnerOverLimit(t *testing.T) {
	engine, ledger, _ := newLifecycleEngine(t)
	ledger.Credit("frank", big.NewInt(1_000_000_000))
	engine.Quota = &OwnerQuota{
		Store: NewMemoryQuotaStore(),
		Limits: map[string]common.Quota{
			"open_position": {MaxRequestsPerMin: 1, EpochSeconds: 60},
		},
	}

	_, err := engine.OpenPosition(OpenPositionRequest{
		Owner: "frank", Pool: "main", CustodyMint: "USDC", Side: SideLong,
		Collateral: big.NewInt(100_000_000), SizeUSD: big.NewInt(1_000_000_000), Now: 0,
	})
	require.NoError(t, err)

	_, err = engine.OpenPosition(OpenPositionRequest{
		Owner: "frank", Pool: "main", CustodyMint: "USDC", Side: SideShort,
		Collateral: big.NewInt(100_000_000), SizeUSD: big.NewInt(1_000_000_000), Now: 1,
	})
	require.ErrorIs(t, err, ErrInstructionNotAllowed)
}

// TestEngineLiquidateUnderwaterPosition installs a position directly (rather
// than through OpenPosition) so the leverage inputs driving the liquidation
// threshold are exact and hand-verifiable.
func TestEngineLiquidateUnderwaterPosition(t *testing.T) {
	storage := NewMemoryStorage()
	ledger := NewMemoryTokenLedger()
	oracle := NewTestOracleSource()
	oracle.Set("USDC", RawOracleReading{Price: big.NewInt(1_000_000_000), Exponent: -9, PublishTime: 0})
	engine := NewEngine(storage, ledger, oracle, ActionPauses{}, nil)

	require.NoError(t, storage.PutPool(&Pool{
		Name: "liqpool", CustodyMints: []string{"USDC"},
		Ratios: []Ratio{{Target: 5_000, Min: 0, Max: 10_000}},
		AUMUSD: big.NewInt(1_000_000_000), LPSupply: big.NewInt(1_000_000_000),
	}))
	require.NoError(t, storage.PutCustody(&Custody{
		Pool: "liqpool", Mint: "USDC", Decimals: 6,
		OracleKind: OracleTest, MaxOraclePriceError: big.NewInt(100_000_000), MaxOraclePriceAgeSec: 1_000_000,
		Pricing: PricingParams{MaxLeverage: 100_000},
		Fees:    FeesParams{LiquidationFee: 500, ProtocolShare: 2_000},
		Assets: CustodyAssets{
			Owned: big.NewInt(1_000_000_000), Locked: big.NewInt(400_000_000),
			Collateral: big.NewInt(0), ProtocolFees: big.NewInt(0),
		},
		BorrowRateClock: BorrowRateState{CurrentRate: big.NewInt(0), CumulativeInterest: big.NewInt(0), LastUpdate: 0},
		TradeStats:      TradeStats{Profit: big.NewInt(0), Loss: big.NewInt(0), OILong: big.NewInt(1_000_000_000), OIShort: big.NewInt(0)},
	}))
	require.NoError(t, storage.PutPosition(&Position{
		Owner: "bob", Pool: "liqpool", Custody: "USDC", Side: SideLong,
		EntryPrice:                 OraclePrice{Price: big.NewInt(1_000_000), Exponent: priceScale},
		SizeUSD:                    big.NewInt(1_000_000_000),
		CollateralUSD:              big.NewInt(110_000_000),
		UnrealizedProfitUSD:        big.NewInt(0),
		UnrealizedLossUSD:          big.NewInt(0),
		CumulativeInterestSnapshot: big.NewInt(0),
		LockedAmount:               big.NewInt(400_000_000),
		CollateralAmount:           big.NewInt(110_000_000),
	}))
	ledger.Credit(CustodyKey("liqpool", "USDC"), big.NewInt(1_000_000_000))

	result, err := engine.Liquidate(LiquidateRequest{Owner: "bob", Pool: "liqpool", CustodyMint: "USDC", Side: SideLong, Now: 0})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10_000_000), result.AmountOut)
	require.Equal(t, big.NewInt(10_000_000), result.LiquidatorReward)

	_, err = storage.GetPosition("bob", "liqpool", "USDC", SideLong)
	require.ErrorIs(t, err, ErrNotFound)

	custody, err := storage.GetCustody("liqpool", "USDC")
	require.NoError(t, err)
	require.Equal(t, 0, custody.Assets.Locked.Sign())
	require.Equal(t, big.NewInt(990_000_000), custody.Assets.Owned)
	require.Equal(t, 0, custody.TradeStats.OILong.Sign())
	require.Equal(t, big.NewInt(50_000_000), custody.TradeStats.Loss)

	require.Equal(t, big.NewInt(10_000_000), ledger.Balance("bob"))
}

// TestEngineGetLiquidationPrice computes a Long's liquidation price directly
// against the pool.go formula, independent of the Liquidate flow above.
func TestEngineGetLiquidationPrice(t *testing.T) {
	storage := NewMemoryStorage()
	ledger := NewMemoryTokenLedger()
	oracle := NewTestOracleSource()
	oracle.Set("USDC3", RawOracleReading{Price: big.NewInt(1_000_000_000), Exponent: -9, PublishTime: 0})
	engine := NewEngine(storage, ledger, oracle, ActionPauses{}, nil)

	require.NoError(t, storage.PutPool(&Pool{Name: "quotepool", CustodyMints: []string{"USDC3"}, Ratios: []Ratio{{Target: 5_000, Min: 0, Max: 10_000}}, AUMUSD: big.NewInt(0), LPSupply: big.NewInt(0)}))
	require.NoError(t, storage.PutCustody(&Custody{
		Pool: "quotepool", Mint: "USDC3", Decimals: 6,
		OracleKind: OracleTest, MaxOraclePriceError: big.NewInt(100_000_000), MaxOraclePriceAgeSec: 1_000_000,
		Pricing: PricingParams{MaxLeverage: 1_000_000},
		Fees:    FeesParams{LiquidationFee: 100},
		Assets:  CustodyAssets{Owned: big.NewInt(0), Locked: big.NewInt(0), Collateral: big.NewInt(0), ProtocolFees: big.NewInt(0)},
	}))
	require.NoError(t, storage.PutPosition(&Position{
		Owner: "erin", Pool: "quotepool", Custody: "USDC3", Side: SideLong,
		EntryPrice:                 OraclePrice{Price: big.NewInt(100_000_000), Exponent: priceScale},
		SizeUSD:                    big.NewInt(1_000_000_000),
		CollateralUSD:              big.NewInt(100_000_000),
		UnrealizedProfitUSD:        big.NewInt(0),
		UnrealizedLossUSD:          big.NewInt(0),
		CumulativeInterestSnapshot: big.NewInt(0),
		LockedAmount:               big.NewInt(0),
		CollateralAmount:           big.NewInt(100_000_000),
	}))

	liq, err := engine.GetLiquidationPrice("erin", "quotepool", "USDC3", SideLong, 0)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(92_000_000), liq.Price)
	require.Equal(t, priceScale, liq.Exponent)
}

func newSwapPoolEngine(t *testing.T) (*Engine, *MemoryTokenLedger) {
	t.Helper()
	storage := NewMemoryStorage()
	ledger := NewMemoryTokenLedger()
	oracle := NewTestOracleSource()
	oracle.Set("USDC", RawOracleReading{Price: big.NewInt(1_000_000_000), Exponent: -9, PublishTime: 0})
	oracle.Set("WBTC", RawOracleReading{Price: big.NewInt(50_000_000_000_000), Exponent: -9, PublishTime: 0})
	engine := NewEngine(storage, ledger, oracle, ActionPauses{}, nil)

	require.NoError(t, storage.PutPool(&Pool{
		Name:         "swap",
		CustodyMints: []string{"USDC", "WBTC"},
		Ratios: []Ratio{
			{Target: 5_000, Min: 0, Max: 10_000},
			{Target: 5_000, Min: 0, Max: 10_000},
		},
		AUMUSD:   big.NewInt(550_000_000_000),
		LPSupply: big.NewInt(550_000_000_000),
	}))
	require.NoError(t, storage.PutCustody(&Custody{
		Pool: "swap", Mint: "USDC", Decimals: 6,
		OracleKind: OracleTest, MaxOraclePriceError: big.NewInt(100_000_000), MaxOraclePriceAgeSec: 1_000_000,
		Assets: CustodyAssets{Owned: big.NewInt(50_000_000_000), Locked: big.NewInt(0), Collateral: big.NewInt(0), ProtocolFees: big.NewInt(0)},
	}))
	require.NoError(t, storage.PutCustody(&Custody{
		Pool: "swap", Mint: "WBTC", Decimals: 8,
		OracleKind: OracleTest, MaxOraclePriceError: big.NewInt(100_000_000), MaxOraclePriceAgeSec: 1_000_000,
		Fees:   FeesParams{SwapFee: 20, AddLiquidityFee: 10, RemoveLiquidityFee: 10},
		Assets: CustodyAssets{Owned: big.NewInt(1_000_000_000), Locked: big.NewInt(0), Collateral: big.NewInt(0), ProtocolFees: big.NewInt(0)},
	}))

	ledger.Credit("alice", big.NewInt(1_000_000_000))
	ledger.Credit(CustodyKey("swap", "WBTC"), big.NewInt(1_000_000_000))
	return engine, ledger
}

func TestEngineSwapBetweenCustodies(t *testing.T) {
	engine, ledger := newSwapPoolEngine(t)

	quote, err := engine.GetSwapAmountAndFee("swap", "USDC", "WBTC", big.NewInt(100_000_000), 0)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(199_200), quote.AmountOut)
	require.Equal(t, big.NewInt(800), quote.FeeOut)

	amountOut, err := engine.Swap(SwapRequest{
		Owner: "alice", Pool: "swap", InMint: "USDC", OutMint: "WBTC",
		AmountIn: big.NewInt(100_000_000), MinOut: big.NewInt(190_000), Now: 0,
	})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(199_200), amountOut)

	custodyIn, err := engine.Storage.GetCustody("swap", "USDC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(50_100_000_000), custodyIn.Assets.Owned)

	custodyOut, err := engine.Storage.GetCustody("swap", "WBTC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(999_800_800), custodyOut.Assets.Owned)
	require.Equal(t, big.NewInt(800), custodyOut.CollectedFees.Swap)

	// alice paid 100 USDC into the custody and received 199_200 sats back.
	require.Equal(t, big.NewInt(900_199_200), ledger.Balance("alice"))
}

func TestEngineSwapRejectsBelowMinOut(t *testing.T) {
	engine, _ := newSwapPoolEngine(t)
	_, err := engine.Swap(SwapRequest{
		Owner: "alice", Pool: "swap", InMint: "USDC", OutMint: "WBTC",
		AmountIn: big.NewInt(100_000_000), MinOut: big.NewInt(200_000), Now: 0,
	})
	require.ErrorIs(t, err, ErrInsufficientAmountReturned)
}

func TestEngineAddAndRemoveLiquidityRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	ledger := NewMemoryTokenLedger()
	oracle := NewTestOracleSource()
	oracle.Set("USDC", RawOracleReading{Price: big.NewInt(1_000_000_000), Exponent: -9, PublishTime: 0})
	engine := NewEngine(storage, ledger, oracle, ActionPauses{}, nil)

	require.NoError(t, storage.PutPool(&Pool{Name: "lp", CustodyMints: []string{"USDC"}, Ratios: []Ratio{{Target: 5_000, Min: 0, Max: 10_000}}, AUMUSD: big.NewInt(0), LPSupply: big.NewInt(0)}))
	require.NoError(t, storage.PutCustody(&Custody{
		Pool: "lp", Mint: "USDC", Decimals: 6,
		OracleKind: OracleTest, MaxOraclePriceError: big.NewInt(100_000_000), MaxOraclePriceAgeSec: 1_000_000,
		Fees:   FeesParams{AddLiquidityFee: 100, RemoveLiquidityFee: 100},
		Assets: CustodyAssets{Owned: big.NewInt(0), Locked: big.NewInt(0), Collateral: big.NewInt(0), ProtocolFees: big.NewInt(0)},
	}))
	ledger.Credit("carol", big.NewInt(1_000_000_000))

	lpOut, err := engine.AddLiquidity(AddLiquidityRequest{Owner: "carol", Pool: "lp", CustodyMint: "USDC", Amount: big.NewInt(1_000_000_000), Now: 0})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(990_000_000), lpOut)
	require.Equal(t, big.NewInt(990_000_000), ledger.LPBalance("carol"))

	pool, err := storage.GetPool("lp")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(990_000_000), pool.AUMUSD)

	amountOut, err := engine.RemoveLiquidity(RemoveLiquidityRequest{Owner: "carol", Pool: "lp", CustodyMint: "USDC", LPIn: big.NewInt(990_000_000), Now: 0})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(980_100_000), amountOut)
	require.Equal(t, big.NewInt(0), ledger.LPBalance("carol"))

	pool, err = storage.GetPool("lp")
	require.NoError(t, err)
	require.Equal(t, 0, pool.AUMUSD.Sign())
	require.Equal(t, 0, pool.LPSupply.Sign())

	// carol started with 1000 USDC, paid a 1% fee on the way in and on the
	// way out, netting 1_000_000_000 - 10_000_000 - 9_900_000 = 980_100_000.
	require.Equal(t, big.NewInt(980_100_000), ledger.Balance("carol"))
}
