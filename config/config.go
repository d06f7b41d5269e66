package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/nhbchain/perpcore/native/perpetuals"
	"github.com/nhbchain/perpcore/observability/otel"
)

// Config captures the runtime settings for a perpcore host process: the
// storage location, the set of pools/custodies it serves, and telemetry
// export settings.
type Config struct {
	DataDir string       `toml:"DataDir"`
	Pools   []PoolConfig `toml:"Pools"`
	Pauses  PauseConfig  `toml:"Pauses"`
	Otel    OtelConfig   `toml:"Otel"`
}

// PoolConfig describes one perpetuals.Pool and its custodies at startup.
type PoolConfig struct {
	Name                  string           `toml:"Name"`
	UseUnrealizedPnLInAUM bool             `toml:"UseUnrealizedPnLInAUM"`
	Custodies             []CustodyConfig  `toml:"Custodies"`
}

// CustodyConfig describes one perpetuals.Custody and its ratio bounds.
type CustodyConfig struct {
	Mint                 string  `toml:"Mint"`
	Decimals             int32   `toml:"Decimals"`
	IsStable             bool    `toml:"IsStable"`
	OracleKind           string  `toml:"OracleKind"` // "test" or "pyth"
	MaxOraclePriceError  uint64  `toml:"MaxOraclePriceError"`
	MaxOraclePriceAgeSec int64   `toml:"MaxOraclePriceAgeSec"`

	RatioTarget uint32 `toml:"RatioTarget"`
	RatioMin    uint32 `toml:"RatioMin"`
	RatioMax    uint32 `toml:"RatioMax"`

	Pricing    PricingConfig    `toml:"Pricing"`
	Fees       FeesConfig       `toml:"Fees"`
	BorrowRate BorrowRateConfig `toml:"BorrowRate"`
}

// PricingConfig mirrors perpetuals.PricingParams.
type PricingConfig struct {
	UseEMA             bool   `toml:"UseEMA"`
	TradeSpreadLong    uint32 `toml:"TradeSpreadLong"`
	TradeSpreadShort   uint32 `toml:"TradeSpreadShort"`
	SwapSpread         uint32 `toml:"SwapSpread"`
	MinInitialLeverage uint32 `toml:"MinInitialLeverage"`
	MaxInitialLeverage uint32 `toml:"MaxInitialLeverage"`
	MaxLeverage        uint32 `toml:"MaxLeverage"`
	MaxPayoffMult      uint32 `toml:"MaxPayoffMult"`
}

// FeesConfig mirrors perpetuals.FeesParams.
type FeesConfig struct {
	Mode               string `toml:"Mode"` // "fixed" or "linear"
	SwapFee            uint32 `toml:"SwapFee"`
	AddLiquidityFee    uint32 `toml:"AddLiquidityFee"`
	RemoveLiquidityFee uint32 `toml:"RemoveLiquidityFee"`
	OpenPositionFee    uint32 `toml:"OpenPositionFee"`
	ClosePositionFee   uint32 `toml:"ClosePositionFee"`
	LiquidationFee     uint32 `toml:"LiquidationFee"`
	MaxIncrease        uint32 `toml:"MaxIncrease"`
	MaxDecrease        uint32 `toml:"MaxDecrease"`
	ProtocolShare      uint32 `toml:"ProtocolShare"`
}

// BorrowRateConfig mirrors perpetuals.BorrowRateParams.
type BorrowRateConfig struct {
	BaseRate           uint64 `toml:"BaseRate"`
	Slope1             uint64 `toml:"Slope1"`
	Slope2             uint64 `toml:"Slope2"`
	OptimalUtilization uint64 `toml:"OptimalUtilization"`
}

// PauseConfig mirrors perpetuals.ActionPauses.
type PauseConfig struct {
	OpenPosition    bool `toml:"OpenPosition"`
	AddCollateral   bool `toml:"AddCollateral"`
	ClosePosition   bool `toml:"ClosePosition"`
	Liquidate       bool `toml:"Liquidate"`
	Swap            bool `toml:"Swap"`
	AddLiquidity    bool `toml:"AddLiquidity"`
	RemoveLiquidity bool `toml:"RemoveLiquidity"`
}

// OtelConfig mirrors otel.Config for the subset a TOML file configures.
type OtelConfig struct {
	ServiceName string            `toml:"ServiceName"`
	Environment string            `toml:"Environment"`
	Endpoint    string            `toml:"Endpoint"`
	Insecure    bool              `toml:"Insecure"`
	Headers     map[string]string `toml:"Headers"`
	Metrics     bool              `toml:"Metrics"`
	Traces      bool              `toml:"Traces"`
}

// Load reads the TOML configuration from disk, creating a default file at
// path when none exists, per the teacher's config.Load.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode perpcore config: %w", err)
	}
	cfg.EnsureDefaults()
	return cfg, nil
}

// createDefault writes and returns a minimal single-pool configuration.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir: "./perpcore-data",
		Pools: []PoolConfig{
			{
				Name: "main",
				Custodies: []CustodyConfig{
					{
						Mint:                 "USDC",
						Decimals:             6,
						IsStable:             true,
						OracleKind:           "test",
						MaxOraclePriceError:  10_000_000, // 1% at RATE scale
						MaxOraclePriceAgeSec: 60,
						RatioTarget:          10_000,
						RatioMin:             0,
						RatioMax:             10_000,
						Pricing: PricingConfig{
							UseEMA:             true,
							TradeSpreadLong:    10,
							TradeSpreadShort:   10,
							SwapSpread:         10,
							MinInitialLeverage: 11_000,
							MaxInitialLeverage: 500_000,
							MaxLeverage:        1_000_000,
							MaxPayoffMult:      10_000,
						},
						Fees: FeesConfig{
							Mode:               "linear",
							SwapFee:            20,
							AddLiquidityFee:    10,
							RemoveLiquidityFee: 10,
							OpenPositionFee:    10,
							ClosePositionFee:   10,
							LiquidationFee:     50,
							MaxIncrease:        20_000,
							MaxDecrease:        5_000,
							ProtocolShare:      1_000,
						},
						BorrowRate: BorrowRateConfig{
							BaseRate:           0,
							Slope1:             50_000_000,
							Slope2:             500_000_000,
							OptimalUtilization: 800_000_000,
						},
					},
				},
			},
		},
		Otel: OtelConfig{
			ServiceName: "perpcore",
			Environment: "development",
			Metrics:     true,
			Traces:      true,
		},
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create perpcore config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write perpcore config: %w", err)
	}
	return cfg, nil
}

// EnsureDefaults fills in zero-value fields that must not be empty at
// runtime, for configs hand-edited after creation.
func (c *Config) EnsureDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./perpcore-data"
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "perpcore"
	}
}

// OtelInitConfig converts the TOML-level Otel section into otel.Config.
func (c *Config) OtelInitConfig() otel.Config {
	return otel.Config{
		ServiceName: c.Otel.ServiceName,
		Environment: c.Otel.Environment,
		Endpoint:    c.Otel.Endpoint,
		Insecure:    c.Otel.Insecure,
		Headers:     c.Otel.Headers,
		Metrics:     c.Otel.Metrics,
		Traces:      c.Otel.Traces,
	}
}

// ActionPauses converts the TOML-level Pauses section into the engine's
// capability object.
func (c *Config) ActionPauses() perpetuals.ActionPauses {
	return perpetuals.ActionPauses{
		OpenPosition:    c.Pauses.OpenPosition,
		AddCollateral:   c.Pauses.AddCollateral,
		ClosePosition:   c.Pauses.ClosePosition,
		Liquidate:       c.Pauses.Liquidate,
		Swap:            c.Pauses.Swap,
		AddLiquidity:    c.Pauses.AddLiquidity,
		RemoveLiquidity: c.Pauses.RemoveLiquidity,
	}
}

func feeMode(mode string) perpetuals.FeeMode {
	if mode == "fixed" {
		return perpetuals.FeeModeFixed
	}
	return perpetuals.FeeModeLinear
}

func oracleKind(kind string) perpetuals.OracleKind {
	if kind == "pyth" {
		return perpetuals.OraclePyth
	}
	return perpetuals.OracleTest
}

// BuildPool converts a PoolConfig into a fresh perpetuals.Pool record, zeroed
// out for first use (AUM and LP supply start at 0; a host restoring from an
// existing Storage should load the persisted record instead).
func (pc PoolConfig) BuildPool() *perpetuals.Pool {
	mints := make([]string, 0, len(pc.Custodies))
	ratios := make([]perpetuals.Ratio, 0, len(pc.Custodies))
	for _, cc := range pc.Custodies {
		mints = append(mints, cc.Mint)
		ratios = append(ratios, perpetuals.Ratio{Target: cc.RatioTarget, Min: cc.RatioMin, Max: cc.RatioMax})
	}
	return &perpetuals.Pool{
		Name:                  pc.Name,
		CustodyMints:          mints,
		Ratios:                ratios,
		AUMUSD:                big.NewInt(0),
		LPSupply:              big.NewInt(0),
		UseUnrealizedPnLInAUM: pc.UseUnrealizedPnLInAUM,
	}
}

// BuildCustody converts a CustodyConfig into a fresh perpetuals.Custody
// record for the named pool, zeroed out for first use.
func (cc CustodyConfig) BuildCustody(poolName string) *perpetuals.Custody {
	return &perpetuals.Custody{
		Pool:                 poolName,
		Mint:                 cc.Mint,
		Decimals:             cc.Decimals,
		IsStable:             cc.IsStable,
		OracleKind:           oracleKind(cc.OracleKind),
		MaxOraclePriceError:  new(big.Int).SetUint64(cc.MaxOraclePriceError),
		MaxOraclePriceAgeSec: cc.MaxOraclePriceAgeSec,
		Pricing: perpetuals.PricingParams{
			UseEMA:             cc.Pricing.UseEMA,
			TradeSpreadLong:    cc.Pricing.TradeSpreadLong,
			TradeSpreadShort:   cc.Pricing.TradeSpreadShort,
			SwapSpread:         cc.Pricing.SwapSpread,
			MinInitialLeverage: cc.Pricing.MinInitialLeverage,
			MaxInitialLeverage: cc.Pricing.MaxInitialLeverage,
			MaxLeverage:        cc.Pricing.MaxLeverage,
			MaxPayoffMult:      cc.Pricing.MaxPayoffMult,
		},
		Fees: perpetuals.FeesParams{
			Mode:               feeMode(cc.Fees.Mode),
			SwapFee:            cc.Fees.SwapFee,
			AddLiquidityFee:    cc.Fees.AddLiquidityFee,
			RemoveLiquidityFee: cc.Fees.RemoveLiquidityFee,
			OpenPositionFee:    cc.Fees.OpenPositionFee,
			ClosePositionFee:   cc.Fees.ClosePositionFee,
			LiquidationFee:     cc.Fees.LiquidationFee,
			MaxIncrease:        cc.Fees.MaxIncrease,
			MaxDecrease:        cc.Fees.MaxDecrease,
			ProtocolShare:      cc.Fees.ProtocolShare,
		},
		BorrowRate: perpetuals.BorrowRateParams{
			BaseRate:           cc.BorrowRate.BaseRate,
			Slope1:             cc.BorrowRate.Slope1,
			Slope2:             cc.BorrowRate.Slope2,
			OptimalUtilization: cc.BorrowRate.OptimalUtilization,
		},
		Assets: perpetuals.CustodyAssets{
			Owned:        big.NewInt(0),
			Locked:       big.NewInt(0),
			Collateral:   big.NewInt(0),
			ProtocolFees: big.NewInt(0),
		},
		CollectedFees: perpetuals.CollectedFees{
			Swap: big.NewInt(0), AddLiquidity: big.NewInt(0), RemoveLiquidity: big.NewInt(0),
			OpenPosition: big.NewInt(0), ClosePosition: big.NewInt(0), Liquidation: big.NewInt(0),
		},
		VolumeStats: perpetuals.VolumeStats{
			Swap: big.NewInt(0), AddLiquidity: big.NewInt(0), RemoveLiquidity: big.NewInt(0),
			OpenPosition: big.NewInt(0), ClosePosition: big.NewInt(0), Liquidation: big.NewInt(0),
		},
		TradeStats: perpetuals.TradeStats{
			Profit: big.NewInt(0), Loss: big.NewInt(0), OILong: big.NewInt(0), OIShort: big.NewInt(0),
			AvgEntryPriceLong:  perpetuals.OraclePrice{Price: big.NewInt(0), Exponent: -perpetuals.USDDecimals},
			AvgEntryPriceShort: perpetuals.OraclePrice{Price: big.NewInt(0), Exponent: -perpetuals.USDDecimals},
		},
		BorrowRateClock: perpetuals.BorrowRateState{
			CurrentRate:        big.NewInt(0),
			CumulativeInterest: big.NewInt(0),
			LastUpdate:         0,
		},
	}
}

// Seed builds and persists every pool and custody this config declares into
// storage, for first-run bootstrapping.
func (c *Config) Seed(storage perpetuals.Storage) error {
	for _, pc := range c.Pools {
		pool := pc.BuildPool()
		if err := storage.PutPool(pool); err != nil {
			return fmt.Errorf("seed pool %s: %w", pc.Name, err)
		}
		for _, cc := range pc.Custodies {
			custody := cc.BuildCustody(pc.Name)
			if err := storage.PutCustody(custody); err != nil {
				return fmt.Errorf("seed custody %s/%s: %w", pc.Name, cc.Mint, err)
			}
		}
	}
	return nil
}
