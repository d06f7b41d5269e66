package perpetuals

import "errors"

// Error kinds named in §7. Each is a sentinel; callers use errors.Is against
// these to branch on failure class. ErrMathOverflow lives in fixedmath.go.
var (
	// Oracle errors, all fatal to the handler.
	ErrUnsupportedOracle  = errors.New("perpetuals: unsupported oracle")
	ErrInvalidOracleAccount = errors.New("perpetuals: invalid oracle account")
	ErrInvalidOracleState = errors.New("perpetuals: invalid oracle state")
	ErrStaleOraclePrice   = errors.New("perpetuals: stale oracle price")
	ErrInvalidOraclePrice = errors.New("perpetuals: invalid oracle price")

	// Trade errors, all fatal to the handler.
	ErrMaxPriceSlippage          = errors.New("perpetuals: max price slippage")
	ErrMaxLeverage               = errors.New("perpetuals: max leverage exceeded")
	ErrMaxPoolAmount             = errors.New("perpetuals: max pool amount exceeded")
	ErrTokenRatioOutOfRange      = errors.New("perpetuals: token ratio out of range")
	ErrInsufficientAmountReturned = errors.New("perpetuals: insufficient amount returned")
	ErrInvalidPositionState      = errors.New("perpetuals: invalid position state")

	// Permission / input errors.
	ErrInstructionNotAllowed = errors.New("perpetuals: instruction not allowed")
	ErrInvalidArgument       = errors.New("perpetuals: invalid argument")
	ErrUnsupportedToken      = errors.New("perpetuals: unsupported token")
	ErrInvalidEnvironment    = errors.New("perpetuals: invalid environment")

	// Ledger error.
	ErrInsufficientFunds = errors.New("perpetuals: insufficient funds")

	// Storage error.
	ErrNotFound = errors.New("perpetuals: record not found")
)
