package perpetuals

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nhbchain/perpcore/native/common"
	"github.com/nhbchain/perpcore/observability"
)

// Engine is the instruction-handler surface described in §4.11 and §6. Every
// public method follows the fixed sequence: permission check, input
// validation, price read, §4 calculation, state mutation, TokenLedger call,
// borrow-rate/stat update. Pool never mutates position or custody on its
// own (it is a pure calculator); Engine performs every mutation.
type Engine struct {
	Storage Storage
	Ledger  TokenLedger
	Oracle  OracleSource
	Pauses  ActionPauses
	Logger  *slog.Logger
	Tracer  trace.Tracer

	// Quota bounds per-owner instruction throughput (§5). Nil disables
	// quota enforcement entirely.
	Quota *OwnerQuota
}

// NewEngine wires the default tracer and falls back to slog.Default() when
// logger is nil.
func NewEngine(storage Storage, ledger TokenLedger, oracle OracleSource, pauses ActionPauses, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Storage: storage,
		Ledger:  ledger,
		Oracle:  oracle,
		Pauses:  pauses,
		Logger:  logger,
		Tracer:  otel.Tracer("perpcore/native/perpetuals"),
	}
}

func (e *Engine) startSpan(name string) trace.Span {
	_, span := e.Tracer.Start(context.Background(), name)
	return span
}

func (e *Engine) guard(instruction string) error {
	if err := common.Guard(e.Pauses, instruction); err != nil {
		return fmt.Errorf("%w: %s", ErrInstructionNotAllowed, instruction)
	}
	return nil
}

func (e *Engine) readPrices(custody *Custody, now int64) (spot, ema OraclePrice, err error) {
	raw, err := e.Oracle.Read(custody.Mint, now)
	if err != nil {
		return OraclePrice{}, OraclePrice{}, err
	}
	spot, err = NewOraclePrice(custody.OracleKind, raw, custody.MaxOraclePriceError, custody.MaxOraclePriceAgeSec, now)
	if err != nil {
		return OraclePrice{}, OraclePrice{}, err
	}
	if !custody.Pricing.UseEMA {
		return spot, spot, nil
	}
	rawEMA, err := e.Oracle.Read(custody.Mint+":ema", now)
	if err != nil {
		return OraclePrice{}, OraclePrice{}, err
	}
	ema, err = NewOraclePrice(custody.OracleKind, rawEMA, custody.MaxOraclePriceError, custody.MaxOraclePriceAgeSec, now)
	if err != nil {
		return OraclePrice{}, OraclePrice{}, err
	}
	return spot, ema, nil
}

func (e *Engine) observe(instruction string, start time.Time, err error) {
	observability.Engine().Observe(instruction, time.Since(start), err)
	correlationID := uuid.NewString()
	if err != nil {
		e.Logger.Error("engine instruction failed", "instruction", instruction, "correlation_id", correlationID, "error", err)
		return
	}
	e.Logger.Info("engine instruction applied", "instruction", instruction, "correlation_id", correlationID)
}

func (e *Engine) tokenRatioIndex(pool *Pool, mint string) (int, error) {
	for i, m := range pool.CustodyMints {
		if m == mint {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: mint %s not in pool %s", ErrUnsupportedToken, mint, pool.Name)
}

// OpenPositionRequest carries the inputs to OpenPosition (§6).
type OpenPositionRequest struct {
	Owner         string
	Pool          string
	CustodyMint   string
	Side          Side
	MaxPrice      *big.Int // PRICE_DECIMALS-scaled slippage bound
	Collateral    *big.Int // token amount, custody decimals
	SizeUSD       *big.Int
	Now           int64
}

// OpenPosition opens or adds to a position, per §4.10's Empty->Open and
// Open->Open(add) transitions.
func (e *Engine) OpenPosition(req OpenPositionRequest) (string, error) {
	start := time.Now()
	defer e.startSpan("perpetuals.open_position").End()

	var err error
	defer func() { e.observe("open_position", start, err) }()

	if err = e.guard("open_position"); err != nil {
		return "", err
	}
	if err = e.checkOwnerQuota(req.Owner, "open_position", req.Now); err != nil {
		return "", err
	}
	if req.Side == SideNone || req.Collateral == nil || req.Collateral.Sign() <= 0 || req.SizeUSD == nil || req.SizeUSD.Sign() <= 0 {
		err = ErrInvalidArgument
		return "", err
	}

	pool, custody, loadErr := e.loadPoolAndCustody(req.Pool, req.CustodyMint)
	if loadErr != nil {
		err = loadErr
		return "", err
	}
	custody.ensureTradeStats()

	spot, ema, priceErr := e.readPrices(custody, req.Now)
	if priceErr != nil {
		err = priceErr
		return "", err
	}

	entryPrice, priceErr := EntryPrice(req.Side, spot, ema, custody.Pricing)
	if priceErr != nil {
		err = priceErr
		return "", err
	}
	if req.MaxPrice != nil && req.MaxPrice.Sign() > 0 {
		if req.Side == SideLong && entryPrice.Price.Cmp(req.MaxPrice) > 0 {
			err = ErrMaxPriceSlippage
			return "", err
		}
		if req.Side == SideShort && entryPrice.Price.Cmp(req.MaxPrice) < 0 {
			err = ErrMaxPriceSlippage
			return "", err
		}
	}

	collateralUSD, mathErr := spot.GetAssetAmountUSD(req.Collateral, custody.Decimals)
	if mathErr != nil {
		err = mathErr
		return "", err
	}

	openFeeUSD, mathErr := bpsOfCeil(req.SizeUSD, big.NewInt(int64(custody.Fees.OpenPositionFee)))
	if mathErr != nil {
		err = mathErr
		return "", err
	}

	leverage, _, mathErr := Leverage(req.SizeUSD, collateralUSD, big.NewInt(0), big.NewInt(0), openFeeUSD, big.NewInt(0))
	if mathErr != nil {
		err = mathErr
		return "", err
	}
	if !CheckLeverage(leverage, custody.Pricing, true) {
		err = ErrMaxLeverage
		return "", err
	}

	payoffCeilingUSD, mathErr := bpsOf(req.SizeUSD, big.NewInt(int64(custody.Pricing.MaxPayoffMult)))
	if mathErr != nil {
		err = mathErr
		return "", err
	}
	lockedAmount, mathErr := spot.GetTokenAmount(payoffCeilingUSD, custody.Decimals)
	if mathErr != nil {
		err = mathErr
		return "", err
	}

	tokenIdx, idxErr := e.tokenRatioIndex(pool, req.CustodyMint)
	if idxErr != nil {
		err = idxErr
		return "", err
	}
	custodyAUMUSD, mathErr2 := spot.GetAssetAmountUSD(custody.Assets.Owned, custody.Decimals)
	if mathErr2 != nil {
		err = mathErr2
		return "", err
	}
	custody.SetCachedAUM(custodyAUMUSD)
	oldRatio, ratioErr := NewRatioBPS(custody.partialAUM(), pool.AUMUSD, big.NewInt(0), big.NewInt(0))
	if ratioErr != nil {
		err = ratioErr
		return "", err
	}
	newRatio, ratioErr := NewRatioBPS(custody.partialAUM(), pool.AUMUSD, collateralUSD, big.NewInt(0))
	if ratioErr != nil {
		err = ratioErr
		return "", err
	}
	if !CheckTokenRatio(oldRatio, newRatio, pool.Ratios[tokenIdx]) {
		err = ErrTokenRatioOutOfRange
		return "", err
	}

	existing, loadErr := e.Storage.GetPosition(req.Owner, req.Pool, req.CustodyMint, req.Side)
	if loadErr != nil && loadErr != ErrNotFound {
		err = loadErr
		return "", err
	}

	var position *Position
	if existing != nil && existing.IsOpen() {
		avgPrice, avgErr := AverageEntryPrice(existing.SizeUSD, existing.EntryPrice, req.SizeUSD, entryPrice)
		if avgErr != nil {
			err = avgErr
			return "", err
		}
		existing.EntryPrice = avgPrice
		existing.SizeUSD = new(big.Int).Add(existing.SizeUSD, req.SizeUSD)
		existing.CollateralUSD = new(big.Int).Add(existing.CollateralUSD, collateralUSD)
		existing.CollateralAmount = new(big.Int).Add(existing.CollateralAmount, req.Collateral)
		existing.LockedAmount = new(big.Int).Add(existing.LockedAmount, lockedAmount)
		existing.UpdateTime = req.Now
		position = existing
	} else {
		position = &Position{
			Owner:                      req.Owner,
			Pool:                       req.Pool,
			Custody:                    req.CustodyMint,
			Side:                       req.Side,
			OpenTime:                   req.Now,
			UpdateTime:                 req.Now,
			EntryPrice:                 entryPrice,
			SizeUSD:                    new(big.Int).Set(req.SizeUSD),
			CollateralUSD:              collateralUSD,
			UnrealizedProfitUSD:        big.NewInt(0),
			UnrealizedLossUSD:          big.NewInt(0),
			CumulativeInterestSnapshot: big.NewInt(0),
			LockedAmount:               lockedAmount,
			CollateralAmount:           new(big.Int).Set(req.Collateral),
		}
	}
	// CumulativeInterestSnapshot is fixed up below, after the borrow-rate
	// clock has accrued through req.Now: interest accrued before this
	// instruction's own time delta is not owed by the position being opened.

	if lockErr := custody.LockAssets(lockedAmount); lockErr != nil {
		err = lockErr
		return "", err
	}

	protocolFeeTokens, mathErr := bpsOf(openFeeUSD, big.NewInt(int64(custody.Fees.ProtocolShare)))
	if mathErr != nil {
		err = mathErr
		return "", err
	}
	custody.Assets.Owned = new(big.Int).Add(custody.Assets.Owned, req.Collateral)
	custody.Assets.ProtocolFees = new(big.Int).Add(custody.Assets.ProtocolFees, protocolFeeTokens)
	custody.CollectedFees.OpenPosition = new(big.Int).Add(custody.CollectedFees.OpenPosition, openFeeUSD)
	custody.VolumeStats.OpenPosition = new(big.Int).Add(custody.VolumeStats.OpenPosition, req.SizeUSD)
	if req.Side == SideLong {
		newAvg, avgErr := AverageEntryPrice(custody.TradeStats.OILong, custody.TradeStats.AvgEntryPriceLong, req.SizeUSD, entryPrice)
		if avgErr != nil {
			err = avgErr
			return "", err
		}
		custody.TradeStats.AvgEntryPriceLong = newAvg
		custody.TradeStats.OILong = new(big.Int).Add(custody.TradeStats.OILong, req.SizeUSD)
	} else {
		newAvg, avgErr := AverageEntryPrice(custody.TradeStats.OIShort, custody.TradeStats.AvgEntryPriceShort, req.SizeUSD, entryPrice)
		if avgErr != nil {
			err = avgErr
			return "", err
		}
		custody.TradeStats.AvgEntryPriceShort = newAvg
		custody.TradeStats.OIShort = new(big.Int).Add(custody.TradeStats.OIShort, req.SizeUSD)
	}

	if ledgerErr := e.Ledger.TransferFromUser(req.Owner, CustodyKey(req.Pool, req.CustodyMint), req.Collateral); ledgerErr != nil {
		err = ledgerErr
		return "", err
	}

	if accrErr := custody.UpdateBorrowRate(req.Now); accrErr != nil {
		err = accrErr
		return "", err
	}
	position.CumulativeInterestSnapshot = custody.BorrowRateClock.CumulativeInterest

	if saveErr := e.Storage.PutCustody(custody); saveErr != nil {
		err = saveErr
		return "", err
	}
	if saveErr := e.Storage.PutPosition(position); saveErr != nil {
		err = saveErr
		return "", err
	}

	observability.Custody().RecordUtilization(req.Pool, req.CustodyMint, utilizationFloat(custody))
	observability.Custody().RecordBorrowRate(req.Pool, req.CustodyMint, custody.BorrowRateClock.CurrentRate)
	observability.Pool().RecordOpenInterest(req.Pool, sideLabel(req.Side), req.SizeUSD)

	return PositionID(req.Owner, req.Pool, req.CustodyMint, req.Side), nil
}

// AddCollateralRequest carries the inputs to AddCollateral (§6).
type AddCollateralRequest struct {
	Owner, Pool, CustodyMint string
	Side                     Side
	DeltaCollateral          *big.Int
	Now                      int64
}

// AddCollateral increases a position's collateral, re-checking leverage
// bounds, per §4.10.
func (e *Engine) AddCollateral(req AddCollateralRequest) error {
	start := time.Now()
	defer e.startSpan("perpetuals.add_collateral").End()
	var err error
	defer func() { e.observe("add_collateral", start, err) }()

	if err = e.guard("add_collateral"); err != nil {
		return err
	}
	if err = e.checkOwnerQuota(req.Owner, "add_collateral", req.Now); err != nil {
		return err
	}
	if req.DeltaCollateral == nil || req.DeltaCollateral.Sign() <= 0 {
		err = ErrInvalidArgument
		return err
	}

	_, custody, loadErr := e.loadPoolAndCustody(req.Pool, req.CustodyMint)
	if loadErr != nil {
		err = loadErr
		return err
	}
	position, loadErr := e.Storage.GetPosition(req.Owner, req.Pool, req.CustodyMint, req.Side)
	if loadErr != nil {
		err = loadErr
		return err
	}
	if !position.IsOpen() {
		err = ErrInvalidPositionState
		return err
	}

	spot, _, priceErr := e.readPrices(custody, req.Now)
	if priceErr != nil {
		err = priceErr
		return err
	}

	addedUSD, mathErr := spot.GetAssetAmountUSD(req.DeltaCollateral, custody.Decimals)
	if mathErr != nil {
		err = mathErr
		return err
	}
	position.CollateralUSD = new(big.Int).Add(position.CollateralUSD, addedUSD)
	position.CollateralAmount = new(big.Int).Add(position.CollateralAmount, req.DeltaCollateral)
	position.UpdateTime = req.Now

	leverage, _, mathErr := Leverage(position.SizeUSD, position.CollateralUSD, position.UnrealizedProfitUSD, position.UnrealizedLossUSD, big.NewInt(0), big.NewInt(0))
	if mathErr != nil {
		err = mathErr
		return err
	}
	if !CheckLeverage(leverage, custody.Pricing, false) {
		err = ErrMaxLeverage
		return err
	}

	custody.Assets.Owned = new(big.Int).Add(custody.Assets.Owned, req.DeltaCollateral)
	if ledgerErr := e.Ledger.TransferFromUser(req.Owner, CustodyKey(req.Pool, req.CustodyMint), req.DeltaCollateral); ledgerErr != nil {
		err = ledgerErr
		return err
	}
	if accrErr := custody.UpdateBorrowRate(req.Now); accrErr != nil {
		err = accrErr
		return err
	}

	if saveErr := e.Storage.PutCustody(custody); saveErr != nil {
		err = saveErr
		return err
	}
	if saveErr := e.Storage.PutPosition(position); saveErr != nil {
		err = saveErr
		return err
	}
	return nil
}

// ClosePositionRequest carries the inputs to ClosePosition (§6).
type ClosePositionRequest struct {
	Owner, Pool, CustodyMint string
	Side                     Side
	MinPrice                 *big.Int
	Now                      int64
}

// ClosePosition fully closes a position (no partial close in this core, §9),
// per §4.10's Open->Closed(user) transition.
func (e *Engine) ClosePosition(req ClosePositionRequest) (*big.Int, error) {
	return e.closePosition(req.Owner, req.Pool, req.CustodyMint, req.Side, req.MinPrice, req.Now, false)
}

// LiquidateRequest carries the inputs to Liquidate (§6).
type LiquidateRequest struct {
	Owner, Pool, CustodyMint string
	Side                     Side
	Now                      int64
}

// LiquidationResult reports the amounts paid out of a liquidation.
type LiquidationResult struct {
	AmountOut         *big.Int
	LiquidatorReward  *big.Int
}

// Liquidate force-closes a position that fails the non-initial leverage
// check, per §4.7 and §4.10's Open->Closed(liquidator) transition.
func (e *Engine) Liquidate(req LiquidateRequest) (LiquidationResult, error) {
	start := time.Now()
	defer e.startSpan("perpetuals.liquidate").End()
	var err error
	defer func() { e.observe("liquidate", start, err) }()

	if err = e.guard("liquidate"); err != nil {
		return LiquidationResult{}, err
	}
	if err = e.checkOwnerQuota(req.Owner, "liquidate", req.Now); err != nil {
		return LiquidationResult{}, err
	}

	_, custody, loadErr := e.loadPoolAndCustody(req.Pool, req.CustodyMint)
	if loadErr != nil {
		err = loadErr
		return LiquidationResult{}, err
	}
	position, loadErr := e.Storage.GetPosition(req.Owner, req.Pool, req.CustodyMint, req.Side)
	if loadErr != nil {
		err = loadErr
		return LiquidationResult{}, err
	}
	if !position.IsOpen() {
		err = ErrInvalidPositionState
		return LiquidationResult{}, err
	}

	spot, ema, priceErr := e.readPrices(custody, req.Now)
	if priceErr != nil {
		err = priceErr
		return LiquidationResult{}, err
	}

	interestUSD, mathErr := custody.InterestUSD(position.CumulativeInterestSnapshot, position.SizeUSD)
	if mathErr != nil {
		err = mathErr
		return LiquidationResult{}, err
	}
	exitFeeUSD, mathErr := bpsOfCeil(position.SizeUSD, big.NewInt(int64(custody.Fees.LiquidationFee)))
	if mathErr != nil {
		err = mathErr
		return LiquidationResult{}, err
	}
	leverage, _, mathErr := Leverage(position.SizeUSD, position.CollateralUSD, position.UnrealizedProfitUSD, position.UnrealizedLossUSD, exitFeeUSD, interestUSD)
	if mathErr != nil {
		err = mathErr
		return LiquidationResult{}, err
	}
	if CheckLeverage(leverage, custody.Pricing, false) {
		err = ErrInvalidPositionState
		return LiquidationResult{}, err
	}

	amountOut, closeErr := e.settleClose(custody, position, spot, ema, req.Now, true)
	if closeErr != nil {
		err = closeErr
		return LiquidationResult{}, err
	}

	reward, mathErr := bpsOf(exitFeeUSD, big.NewInt(int64(custody.Fees.ProtocolShare)))
	if mathErr != nil {
		err = mathErr
		return LiquidationResult{}, err
	}
	observability.Pool().RecordLiquidation(req.Pool, sideLabel(req.Side))

	return LiquidationResult{AmountOut: amountOut, LiquidatorReward: reward}, nil
}

func (e *Engine) closePosition(owner, poolName, custodyMint string, side Side, minPrice *big.Int, now int64, liquidation bool) (*big.Int, error) {
	start := time.Now()
	defer e.startSpan("perpetuals.close_position").End()
	var err error
	defer func() { e.observe("close_position", start, err) }()

	if err = e.guard("close_position"); err != nil {
		return nil, err
	}
	if err = e.checkOwnerQuota(owner, "close_position", now); err != nil {
		return nil, err
	}

	_, custody, loadErr := e.loadPoolAndCustody(poolName, custodyMint)
	if loadErr != nil {
		err = loadErr
		return nil, err
	}
	position, loadErr := e.Storage.GetPosition(owner, poolName, custodyMint, side)
	if loadErr != nil {
		err = loadErr
		return nil, err
	}
	if !position.IsOpen() {
		err = ErrInvalidPositionState
		return nil, err
	}

	spot, ema, priceErr := e.readPrices(custody, now)
	if priceErr != nil {
		err = priceErr
		return nil, err
	}

	exitPrice, priceErr := ExitPrice(side, spot, ema, custody.Pricing)
	if priceErr != nil {
		err = priceErr
		return nil, err
	}
	if minPrice != nil && minPrice.Sign() > 0 {
		if side == SideLong && exitPrice.Price.Cmp(minPrice) < 0 {
			err = ErrMaxPriceSlippage
			return nil, err
		}
		if side == SideShort && exitPrice.Price.Cmp(minPrice) > 0 {
			err = ErrMaxPriceSlippage
			return nil, err
		}
	}

	amountOut, closeErr := e.settleClose(custody, position, spot, ema, now, liquidation)
	if closeErr != nil {
		err = closeErr
		return nil, err
	}
	return amountOut, nil
}

// settleClose implements the shared tail of close_position and liquidate:
// accrue the borrow-rate clock through now, compute (profit, loss, fee),
// unlock funds, pay the owner, credit the protocol fee, adjust open interest
// and owned, then recompute the borrow rate from the new (owned, locked),
// per §4.10.
func (e *Engine) settleClose(custody *Custody, position *Position, spot, ema OraclePrice, now int64, liquidation bool) (*big.Int, error) {
	custody.ensureTradeStats()
	custody.SetCachedPrice(spot)
	if err := custody.UpdateBorrowRate(now); err != nil {
		return nil, err
	}
	pnl, err := GetPnLUSD(position, custody, spot, ema, now, liquidation)
	if err != nil {
		return nil, err
	}

	closeAmountUSD := new(big.Int).Add(position.CollateralUSD, pnl.ProfitUSD)
	closeAmountUSD.Sub(closeAmountUSD, pnl.LossUSD)
	closeAmountUSD.Sub(closeAmountUSD, pnl.ExitFeeUSD)
	if closeAmountUSD.Sign() < 0 {
		closeAmountUSD = big.NewInt(0)
	}

	exitPrice, err := ExitPrice(position.Side, spot, ema, custody.Pricing)
	if err != nil {
		return nil, err
	}
	amountOutTokens, err := exitPrice.GetTokenAmount(closeAmountUSD, custody.Decimals)
	if err != nil {
		return nil, err
	}

	available := new(big.Int).Add(position.LockedAmount, position.CollateralAmount)
	if amountOutTokens.Cmp(available) > 0 {
		amountOutTokens = available
	}

	custody.UnlockAssets(position.LockedAmount)
	custody.Assets.Owned = new(big.Int).Sub(custody.Assets.Owned, amountOutTokens)
	if custody.Assets.Owned.Sign() < 0 {
		custody.Assets.Owned = big.NewInt(0)
	}

	protocolFeeUSD, err := bpsOf(pnl.ExitFeeUSD, big.NewInt(int64(custody.Fees.ProtocolShare)))
	if err != nil {
		return nil, err
	}
	protocolFeeTokens, err := exitPrice.GetTokenAmount(protocolFeeUSD, custody.Decimals)
	if err != nil {
		return nil, err
	}
	custody.Assets.ProtocolFees = new(big.Int).Add(custody.Assets.ProtocolFees, protocolFeeTokens)

	if liquidation {
		custody.CollectedFees.Liquidation = new(big.Int).Add(custody.CollectedFees.Liquidation, pnl.ExitFeeUSD)
		custody.VolumeStats.Liquidation = new(big.Int).Add(custody.VolumeStats.Liquidation, position.SizeUSD)
	} else {
		custody.CollectedFees.ClosePosition = new(big.Int).Add(custody.CollectedFees.ClosePosition, pnl.ExitFeeUSD)
		custody.VolumeStats.ClosePosition = new(big.Int).Add(custody.VolumeStats.ClosePosition, position.SizeUSD)
	}
	custody.TradeStats.Profit = new(big.Int).Add(custody.TradeStats.Profit, pnl.ProfitUSD)
	custody.TradeStats.Loss = new(big.Int).Add(custody.TradeStats.Loss, pnl.LossUSD)
	if position.Side == SideLong {
		retiredAvg, avgErr := RetireWeightedEntryPrice(custody.TradeStats.OILong, custody.TradeStats.AvgEntryPriceLong, position.SizeUSD, position.EntryPrice)
		if avgErr != nil {
			return nil, avgErr
		}
		custody.TradeStats.AvgEntryPriceLong = retiredAvg
		custody.TradeStats.OILong = new(big.Int).Sub(custody.TradeStats.OILong, position.SizeUSD)
	} else {
		retiredAvg, avgErr := RetireWeightedEntryPrice(custody.TradeStats.OIShort, custody.TradeStats.AvgEntryPriceShort, position.SizeUSD, position.EntryPrice)
		if avgErr != nil {
			return nil, avgErr
		}
		custody.TradeStats.AvgEntryPriceShort = retiredAvg
		custody.TradeStats.OIShort = new(big.Int).Sub(custody.TradeStats.OIShort, position.SizeUSD)
	}
	if custody.TradeStats.OILong.Sign() < 0 {
		custody.TradeStats.OILong = big.NewInt(0)
	}
	if custody.TradeStats.OIShort.Sign() < 0 {
		custody.TradeStats.OIShort = big.NewInt(0)
	}

	if err := e.Ledger.TransferToUser(CustodyKey(position.Pool, position.Custody), position.Owner, amountOutTokens); err != nil {
		return nil, err
	}
	custody.BorrowRateClock.CurrentRate = custody.currentRate()
	if err := e.Storage.PutCustody(custody); err != nil {
		return nil, err
	}
	if err := e.Storage.DeletePosition(position.Owner, position.Pool, position.Custody, position.Side); err != nil {
		return nil, err
	}

	observability.Pool().RecordFee(position.Pool, actionLabel(liquidation), pnl.ExitFeeUSD)
	observability.Custody().RecordUtilization(position.Pool, custody.Mint, utilizationFloat(custody))
	return amountOutTokens, nil
}

// SwapRequest carries the inputs to Swap (§6).
type SwapRequest struct {
	Owner                string
	Pool                 string
	InMint, OutMint      string
	AmountIn, MinOut     *big.Int
	Now                  int64
}

// Swap exchanges amountIn of InMint for OutMint using spot+EMA prices,
// respecting ratio bounds, per §4.8.
func (e *Engine) Swap(req SwapRequest) (*big.Int, error) {
	start := time.Now()
	defer e.startSpan("perpetuals.swap").End()
	var err error
	defer func() { e.observe("swap", start, err) }()

	if err = e.guard("swap"); err != nil {
		return nil, err
	}
	if err = e.checkOwnerQuota(req.Owner, "swap", req.Now); err != nil {
		return nil, err
	}
	pool, err := e.Storage.GetPool(req.Pool)
	if err != nil {
		return nil, err
	}
	custodyIn, err := e.Storage.GetCustody(req.Pool, req.InMint)
	if err != nil {
		return nil, err
	}
	custodyOut, err := e.Storage.GetCustody(req.Pool, req.OutMint)
	if err != nil {
		return nil, err
	}
	custodyIn.ensureTradeStats()
	custodyOut.ensureTradeStats()

	spotIn, emaIn, priceErr := e.readPrices(custodyIn, req.Now)
	if priceErr != nil {
		err = priceErr
		return nil, err
	}
	spotOut, emaOut, priceErr := e.readPrices(custodyOut, req.Now)
	if priceErr != nil {
		err = priceErr
		return nil, err
	}
	minIn, minErr := spotIn.Min(emaIn)
	if minErr != nil {
		err = minErr
		return nil, err
	}
	maxOut, maxErr := spotOut.Max(emaOut)
	if maxErr != nil {
		err = maxErr
		return nil, err
	}

	quote, quoteErr := GetSwapAmountAndFee(req.AmountIn, custodyIn, custodyOut, minIn, maxOut, custodyOut.Pricing.SwapSpread)
	if quoteErr != nil {
		err = quoteErr
		return nil, err
	}
	if req.MinOut != nil && quote.AmountOut.Cmp(req.MinOut) < 0 {
		err = ErrInsufficientAmountReturned
		return nil, err
	}

	idxIn, idxErr := e.tokenRatioIndex(pool, req.InMint)
	if idxErr != nil {
		err = idxErr
		return nil, err
	}
	idxOut, idxErr := e.tokenRatioIndex(pool, req.OutMint)
	if idxErr != nil {
		err = idxErr
		return nil, err
	}
	inUSD, mathErr := spotIn.GetAssetAmountUSD(req.AmountIn, custodyIn.Decimals)
	if mathErr != nil {
		err = mathErr
		return nil, err
	}
	outUSD, mathErr := spotOut.GetAssetAmountUSD(quote.AmountOut, custodyOut.Decimals)
	if mathErr != nil {
		err = mathErr
		return nil, err
	}

	custodyInAUMUSD, mathErr2 := spotIn.GetAssetAmountUSD(custodyIn.Assets.Owned, custodyIn.Decimals)
	if mathErr2 != nil {
		err = mathErr2
		return nil, err
	}
	custodyIn.SetCachedAUM(custodyInAUMUSD)
	custodyOutAUMUSD, mathErr3 := spotOut.GetAssetAmountUSD(custodyOut.Assets.Owned, custodyOut.Decimals)
	if mathErr3 != nil {
		err = mathErr3
		return nil, err
	}
	custodyOut.SetCachedAUM(custodyOutAUMUSD)

	ratioInOld, _ := NewRatioBPS(custodyIn.partialAUM(), pool.AUMUSD, big.NewInt(0), big.NewInt(0))
	ratioInNew, _ := NewRatioBPS(custodyIn.partialAUM(), pool.AUMUSD, inUSD, big.NewInt(0))
	if !CheckTokenRatio(ratioInOld, ratioInNew, pool.Ratios[idxIn]) {
		err = ErrTokenRatioOutOfRange
		return nil, err
	}
	ratioOutOld, _ := NewRatioBPS(custodyOut.partialAUM(), pool.AUMUSD, big.NewInt(0), big.NewInt(0))
	ratioOutNew, _ := NewRatioBPS(custodyOut.partialAUM(), pool.AUMUSD, big.NewInt(0), outUSD)
	if !CheckTokenRatio(ratioOutOld, ratioOutNew, pool.Ratios[idxOut]) {
		err = ErrTokenRatioOutOfRange
		return nil, err
	}

	custodyIn.Assets.Owned = new(big.Int).Add(custodyIn.Assets.Owned, req.AmountIn)
	custodyOut.Assets.Owned = new(big.Int).Sub(custodyOut.Assets.Owned, quote.AmountOut)
	custodyOut.VolumeStats.Swap = new(big.Int).Add(custodyOut.VolumeStats.Swap, outUSD)
	custodyOut.CollectedFees.Swap = new(big.Int).Add(custodyOut.CollectedFees.Swap, quote.FeeOut)

	if err = e.Ledger.TransferFromUser(req.Owner, CustodyKey(req.Pool, req.InMint), req.AmountIn); err != nil {
		return nil, err
	}
	if err = e.Ledger.TransferToUser(CustodyKey(req.Pool, req.OutMint), req.Owner, quote.AmountOut); err != nil {
		return nil, err
	}
	if err = custodyIn.UpdateBorrowRate(req.Now); err != nil {
		return nil, err
	}
	if err = custodyOut.UpdateBorrowRate(req.Now); err != nil {
		return nil, err
	}
	if err = e.Storage.PutCustody(custodyIn); err != nil {
		return nil, err
	}
	if err = e.Storage.PutCustody(custodyOut); err != nil {
		return nil, err
	}
	observability.Pool().RecordSwapVolume(req.Pool, inUSD)
	return quote.AmountOut, nil
}

// AddLiquidityRequest carries the inputs to AddLiquidity (§6).
type AddLiquidityRequest struct {
	Owner, Pool, CustodyMint string
	Amount                   *big.Int
	Now                      int64
}

// AddLiquidity mints LP tokens for a deposit, per §4.9.
func (e *Engine) AddLiquidity(req AddLiquidityRequest) (*big.Int, error) {
	start := time.Now()
	defer e.startSpan("perpetuals.add_liquidity").End()
	var err error
	defer func() { e.observe("add_liquidity", start, err) }()

	if err = e.guard("add_liquidity"); err != nil {
		return nil, err
	}
	if err = e.checkOwnerQuota(req.Owner, "add_liquidity", req.Now); err != nil {
		return nil, err
	}
	pool, custody, loadErr := e.loadPoolAndCustody(req.Pool, req.CustodyMint)
	if loadErr != nil {
		err = loadErr
		return nil, err
	}
	custody.ensureTradeStats()
	spot, _, priceErr := e.readPrices(custody, req.Now)
	if priceErr != nil {
		err = priceErr
		return nil, err
	}
	depositUSD, mathErr := spot.GetAssetAmountUSD(req.Amount, custody.Decimals)
	if mathErr != nil {
		err = mathErr
		return nil, err
	}
	fee, mathErr := bpsOfCeil(depositUSD, big.NewInt(int64(custody.Fees.AddLiquidityFee)))
	if mathErr != nil {
		err = mathErr
		return nil, err
	}
	depositAfterFee := new(big.Int).Sub(depositUSD, fee)

	lpOut, aumErr := AddLiquidityOut(depositAfterFee, pool.AUMUSD, pool.LPSupply)
	if aumErr != nil {
		err = aumErr
		return nil, err
	}

	custody.Assets.Owned = new(big.Int).Add(custody.Assets.Owned, req.Amount)
	custody.CollectedFees.AddLiquidity = new(big.Int).Add(custody.CollectedFees.AddLiquidity, fee)
	custody.VolumeStats.AddLiquidity = new(big.Int).Add(custody.VolumeStats.AddLiquidity, depositUSD)
	pool.AUMUSD = new(big.Int).Add(pool.AUMUSD, depositAfterFee)
	pool.LPSupply = new(big.Int).Add(pool.LPSupply, lpOut)

	if err = e.Ledger.TransferFromUser(req.Owner, CustodyKey(req.Pool, req.CustodyMint), req.Amount); err != nil {
		return nil, err
	}
	if err = e.Ledger.MintLP(req.Owner, lpOut); err != nil {
		return nil, err
	}
	if err = custody.UpdateBorrowRate(req.Now); err != nil {
		return nil, err
	}
	if err = e.Storage.PutCustody(custody); err != nil {
		return nil, err
	}
	if err = e.Storage.PutPool(pool); err != nil {
		return nil, err
	}
	observability.Pool().RecordAUM(req.Pool, pool.AUMUSD)
	return lpOut, nil
}

// RemoveLiquidityRequest carries the inputs to RemoveLiquidity (§6).
type RemoveLiquidityRequest struct {
	Owner, Pool, CustodyMint string
	LPIn                     *big.Int
	Now                      int64
}

// RemoveLiquidity burns LP tokens and pays out the redeemed value, per §4.9.
func (e *Engine) RemoveLiquidity(req RemoveLiquidityRequest) (*big.Int, error) {
	start := time.Now()
	defer e.startSpan("perpetuals.remove_liquidity").End()
	var err error
	defer func() { e.observe("remove_liquidity", start, err) }()

	if err = e.guard("remove_liquidity"); err != nil {
		return nil, err
	}
	if err = e.checkOwnerQuota(req.Owner, "remove_liquidity", req.Now); err != nil {
		return nil, err
	}
	pool, custody, loadErr := e.loadPoolAndCustody(req.Pool, req.CustodyMint)
	if loadErr != nil {
		err = loadErr
		return nil, err
	}
	custody.ensureTradeStats()
	spot, _, priceErr := e.readPrices(custody, req.Now)
	if priceErr != nil {
		err = priceErr
		return nil, err
	}

	redeemUSD, aumErr := RemoveLiquidityOutUSD(pool.AUMUSD, req.LPIn, pool.LPSupply)
	if aumErr != nil {
		err = aumErr
		return nil, err
	}
	fee, mathErr := bpsOfCeil(redeemUSD, big.NewInt(int64(custody.Fees.RemoveLiquidityFee)))
	if mathErr != nil {
		err = mathErr
		return nil, err
	}
	redeemAfterFee := new(big.Int).Sub(redeemUSD, fee)
	if redeemAfterFee.Sign() < 0 {
		redeemAfterFee = big.NewInt(0)
	}
	amountOut, mathErr := spot.GetTokenAmount(redeemAfterFee, custody.Decimals)
	if mathErr != nil {
		err = mathErr
		return nil, err
	}

	custody.Assets.Owned = new(big.Int).Sub(custody.Assets.Owned, amountOut)
	if custody.Assets.Owned.Sign() < 0 {
		custody.Assets.Owned = big.NewInt(0)
	}
	custody.CollectedFees.RemoveLiquidity = new(big.Int).Add(custody.CollectedFees.RemoveLiquidity, fee)
	custody.VolumeStats.RemoveLiquidity = new(big.Int).Add(custody.VolumeStats.RemoveLiquidity, redeemUSD)
	pool.AUMUSD = new(big.Int).Sub(pool.AUMUSD, redeemUSD)
	if pool.AUMUSD.Sign() < 0 {
		pool.AUMUSD = big.NewInt(0)
	}
	pool.LPSupply = new(big.Int).Sub(pool.LPSupply, req.LPIn)
	if pool.LPSupply.Sign() < 0 {
		pool.LPSupply = big.NewInt(0)
	}

	if err = e.Ledger.BurnLP(req.Owner, req.LPIn); err != nil {
		return nil, err
	}
	if err = e.Ledger.TransferToUser(CustodyKey(req.Pool, req.CustodyMint), req.Owner, amountOut); err != nil {
		return nil, err
	}
	if err = custody.UpdateBorrowRate(req.Now); err != nil {
		return nil, err
	}
	if err = e.Storage.PutCustody(custody); err != nil {
		return nil, err
	}
	if err = e.Storage.PutPool(pool); err != nil {
		return nil, err
	}
	observability.Pool().RecordAUM(req.Pool, pool.AUMUSD)
	return amountOut, nil
}

// --- read-only quote operations (§6) ---

// GetEntryPriceAndFee is a read-only quote for open_position.
func (e *Engine) GetEntryPriceAndFee(poolName, custodyMint string, side Side, sizeUSD *big.Int, now int64) (OraclePrice, *big.Int, error) {
	_, custody, err := e.loadPoolAndCustody(poolName, custodyMint)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	spot, ema, err := e.readPrices(custody, now)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	price, err := EntryPrice(side, spot, ema, custody.Pricing)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	fee, err := bpsOfCeil(sizeUSD, big.NewInt(int64(custody.Fees.OpenPositionFee)))
	if err != nil {
		return OraclePrice{}, nil, err
	}
	return price, fee, nil
}

// GetExitPriceAndFee is a read-only quote for close_position.
func (e *Engine) GetExitPriceAndFee(owner, poolName, custodyMint string, side Side, now int64) (OraclePrice, *big.Int, error) {
	_, custody, err := e.loadPoolAndCustody(poolName, custodyMint)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	position, err := e.Storage.GetPosition(owner, poolName, custodyMint, side)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	spot, ema, err := e.readPrices(custody, now)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	custody.SetCachedPrice(spot)
	pnl, err := GetPnLUSD(position, custody, spot, ema, now, false)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	price, err := ExitPrice(side, spot, ema, custody.Pricing)
	if err != nil {
		return OraclePrice{}, nil, err
	}
	return price, pnl.ExitFeeUSD, nil
}

// GetLiquidationPrice is a read-only quote returning a position's
// liquidation price, per §4.7 and the original source's instruction of the
// same name.
func (e *Engine) GetLiquidationPrice(owner, poolName, custodyMint string, side Side, now int64) (OraclePrice, error) {
	_, custody, err := e.loadPoolAndCustody(poolName, custodyMint)
	if err != nil {
		return OraclePrice{}, err
	}
	position, err := e.Storage.GetPosition(owner, poolName, custodyMint, side)
	if err != nil {
		return OraclePrice{}, err
	}
	interestUSD, err := custody.InterestUSD(position.CumulativeInterestSnapshot, position.SizeUSD)
	if err != nil {
		return OraclePrice{}, err
	}
	exitFeeUSD, err := bpsOfCeil(position.SizeUSD, big.NewInt(int64(custody.Fees.LiquidationFee)))
	if err != nil {
		return OraclePrice{}, err
	}
	spot, ema, err := e.readPrices(custody, now)
	if err != nil {
		return OraclePrice{}, err
	}
	return LiquidationPrice(side, position.EntryPrice, position.SizeUSD, position.CollateralUSD, exitFeeUSD, interestUSD, custody.Pricing, spot, ema)
}

// GetSwapAmountAndFee is a read-only quote for swap.
func (e *Engine) GetSwapAmountAndFee(poolName, inMint, outMint string, amountIn *big.Int, now int64) (SwapQuote, error) {
	custodyIn, err := e.Storage.GetCustody(poolName, inMint)
	if err != nil {
		return SwapQuote{}, err
	}
	custodyOut, err := e.Storage.GetCustody(poolName, outMint)
	if err != nil {
		return SwapQuote{}, err
	}
	spotIn, emaIn, err := e.readPrices(custodyIn, now)
	if err != nil {
		return SwapQuote{}, err
	}
	spotOut, emaOut, err := e.readPrices(custodyOut, now)
	if err != nil {
		return SwapQuote{}, err
	}
	minIn, err := spotIn.Min(emaIn)
	if err != nil {
		return SwapQuote{}, err
	}
	maxOut, err := spotOut.Max(emaOut)
	if err != nil {
		return SwapQuote{}, err
	}
	return GetSwapAmountAndFee(amountIn, custodyIn, custodyOut, minIn, maxOut, custodyOut.Pricing.SwapSpread)
}

func (e *Engine) loadPoolAndCustody(poolName, custodyMint string) (*Pool, *Custody, error) {
	pool, err := e.Storage.GetPool(poolName)
	if err != nil {
		return nil, nil, err
	}
	custody, err := e.Storage.GetCustody(poolName, custodyMint)
	if err != nil {
		return nil, nil, err
	}
	return pool, custody, nil
}

func utilizationFloat(c *Custody) float64 {
	u := c.Utilization()
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(u), new(big.Float).SetInt(rateScaleHourly)).Float64()
	return f
}

func sideLabel(side Side) string {
	if side == SideLong {
		return "long"
	}
	return "short"
}

func actionLabel(liquidation bool) string {
	if liquidation {
		return "liquidation"
	}
	return "close_position"
}
