package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics captures request-level instrumentation for perpetuals engine
// handlers (open/close/liquidate/swap/add-liquidity/remove-liquidity and the
// read-only quote operations).
type EngineMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics

	custodyMetricsOnce sync.Once
	custodyRegistry    *CustodyMetrics
)

// Engine returns the lazily-initialised metrics registry used to record
// engine instruction activity.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "perpcore",
				Subsystem: "engine",
				Name:      "instructions_total",
				Help:      "Total engine instructions processed segmented by instruction and outcome.",
			}, []string{"instruction", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "perpcore",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Total engine instruction failures segmented by instruction and error kind.",
			}, []string{"instruction", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "perpcore",
				Subsystem: "engine",
				Name:      "instruction_duration_seconds",
				Help:      "Latency distribution for engine instruction handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"instruction"}),
		}
		prometheus.MustRegister(
			engineRegistry.requests,
			engineRegistry.errors,
			engineRegistry.latency,
		)
	})
	return engineRegistry
}

// Observe records the outcome of an engine instruction.
func (m *EngineMetrics) Observe(instruction string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	instruction = nonEmpty(instruction, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(instruction, errorKind(err)).Inc()
	}
	m.requests.WithLabelValues(instruction, outcome).Inc()
	m.latency.WithLabelValues(instruction).Observe(duration.Seconds())
}

// PoolMetrics tracks pool-level solvency and pricing gauges.
type PoolMetrics struct {
	aumUSD        *prometheus.GaugeVec
	swapVolume    *prometheus.CounterVec
	feeCollected  *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
	openInterest  *prometheus.GaugeVec
}

// Pool returns the lazily-initialised pool metrics registry.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			aumUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "perpcore",
				Subsystem: "pool",
				Name:      "aum_usd",
				Help:      "Assets under management for a pool, denominated in USD (1e6 fixed point as float).",
			}, []string{"pool"}),
			swapVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "perpcore",
				Subsystem: "pool",
				Name:      "swap_volume_usd_total",
				Help:      "Cumulative swap volume in USD segmented by pool.",
			}, []string{"pool"}),
			feeCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "perpcore",
				Subsystem: "pool",
				Name:      "fees_collected_usd_total",
				Help:      "Cumulative protocol fees collected in USD segmented by pool and action.",
			}, []string{"pool", "action"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "perpcore",
				Subsystem: "pool",
				Name:      "liquidations_total",
				Help:      "Count of positions liquidated segmented by pool and side.",
			}, []string{"pool", "side"}),
			openInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "perpcore",
				Subsystem: "pool",
				Name:      "open_interest_usd",
				Help:      "Open interest in USD segmented by pool and side (long/short).",
			}, []string{"pool", "side"}),
		}
		prometheus.MustRegister(
			poolRegistry.aumUSD,
			poolRegistry.swapVolume,
			poolRegistry.feeCollected,
			poolRegistry.liquidations,
			poolRegistry.openInterest,
		)
	})
	return poolRegistry
}

// RecordAUM sets the AUM gauge for a pool.
func (m *PoolMetrics) RecordAUM(pool string, aumUSD *big.Int) {
	if m == nil {
		return
	}
	m.aumUSD.WithLabelValues(nonEmpty(pool, "unknown")).Set(bigToFloat(aumUSD))
}

// RecordSwapVolume adds to the cumulative swap volume counter for a pool.
func (m *PoolMetrics) RecordSwapVolume(pool string, usd *big.Int) {
	if m == nil {
		return
	}
	v := bigToFloat(usd)
	if v < 0 {
		v = 0
	}
	m.swapVolume.WithLabelValues(nonEmpty(pool, "unknown")).Add(v)
}

// RecordFee adds to the fee-collected counter for a pool/action pair.
func (m *PoolMetrics) RecordFee(pool, action string, usd *big.Int) {
	if m == nil {
		return
	}
	v := bigToFloat(usd)
	if v < 0 {
		v = 0
	}
	m.feeCollected.WithLabelValues(nonEmpty(pool, "unknown"), nonEmpty(action, "unknown")).Add(v)
}

// RecordLiquidation increments the liquidation counter for a pool/side pair.
func (m *PoolMetrics) RecordLiquidation(pool, side string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(nonEmpty(pool, "unknown"), nonEmpty(side, "unknown")).Inc()
}

// RecordOpenInterest sets the open-interest gauge for a pool/side pair.
func (m *PoolMetrics) RecordOpenInterest(pool, side string, usd *big.Int) {
	if m == nil {
		return
	}
	m.openInterest.WithLabelValues(nonEmpty(pool, "unknown"), nonEmpty(side, "unknown")).Set(bigToFloat(usd))
}

// CustodyMetrics tracks per-custody utilisation and borrow-rate gauges.
type CustodyMetrics struct {
	utilization *prometheus.GaugeVec
	borrowRate  *prometheus.GaugeVec
	lockedUSD   *prometheus.GaugeVec
}

// Custody returns the lazily-initialised custody metrics registry.
func Custody() *CustodyMetrics {
	custodyMetricsOnce.Do(func() {
		custodyRegistry = &CustodyMetrics{
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "perpcore",
				Subsystem: "custody",
				Name:      "utilization_ratio",
				Help:      "Locked-to-owned ratio for a custody account (0-1).",
			}, []string{"pool", "mint"}),
			borrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "perpcore",
				Subsystem: "custody",
				Name:      "borrow_rate",
				Help:      "Current hourly borrow rate for a custody account, RATE scale (1e9) as float.",
			}, []string{"pool", "mint"}),
			lockedUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "perpcore",
				Subsystem: "custody",
				Name:      "locked_usd",
				Help:      "USD value of tokens locked against open positions for a custody account.",
			}, []string{"pool", "mint"}),
		}
		prometheus.MustRegister(
			custodyRegistry.utilization,
			custodyRegistry.borrowRate,
			custodyRegistry.lockedUSD,
		)
	})
	return custodyRegistry
}

// RecordUtilization sets the utilisation gauge for a custody account.
func (m *CustodyMetrics) RecordUtilization(pool, mint string, ratio float64) {
	if m == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	m.utilization.WithLabelValues(nonEmpty(pool, "unknown"), labelAsset(mint)).Set(ratio)
}

// RecordBorrowRate sets the borrow-rate gauge for a custody account. rate is
// expressed in RATE scale (1e9 = 100%).
func (m *CustodyMetrics) RecordBorrowRate(pool, mint string, rate *big.Int) {
	if m == nil {
		return
	}
	m.borrowRate.WithLabelValues(nonEmpty(pool, "unknown"), labelAsset(mint)).Set(bigToFloat(rate))
}

// RecordLockedUSD sets the locked-USD gauge for a custody account.
func (m *CustodyMetrics) RecordLockedUSD(pool, mint string, usd *big.Int) {
	if m == nil {
		return
	}
	m.lockedUSD.WithLabelValues(nonEmpty(pool, "unknown"), labelAsset(mint)).Set(bigToFloat(usd))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func errorKind(err error) string {
	if err == nil {
		return "none"
	}
	reason := strings.TrimSpace(err.Error())
	if reason == "" {
		return "unknown"
	}
	// Keep the kind label low-cardinality: use only the first clause.
	if idx := strings.IndexAny(reason, ":\n"); idx > 0 {
		reason = reason[:idx]
	}
	return strings.ToLower(strings.ReplaceAll(reason, " ", "_"))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
