package perpetuals

import "github.com/nhbchain/perpcore/native/common"

// ActionPauses exposes fine-grained switches for pausing individual engine
// flows, the capability object named in §9 ("model as a capability object
// passed to each handler; do not keep process-wide mutable singletons").
type ActionPauses struct {
	OpenPosition     bool
	AddCollateral    bool
	ClosePosition    bool
	Liquidate        bool
	Swap             bool
	AddLiquidity     bool
	RemoveLiquidity  bool
}

// IsPaused implements common.PauseView, mapping an instruction name to its
// pause flag.
func (p ActionPauses) IsPaused(module string) bool {
	switch module {
	case "open_position":
		return p.OpenPosition
	case "add_collateral":
		return p.AddCollateral
	case "close_position":
		return p.ClosePosition
	case "liquidate":
		return p.Liquidate
	case "swap":
		return p.Swap
	case "add_liquidity":
		return p.AddLiquidity
	case "remove_liquidity":
		return p.RemoveLiquidity
	default:
		return false
	}
}

var _ common.PauseView = ActionPauses{}
