package perpetuals

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// PositionID deterministically derives a position's id from its natural key
// so that open_position returns a stable id and a replayed instruction is
// idempotent at the storage layer, without a random source (§11 domain
// stack: lukechampine.com/blake3).
func PositionID(owner, pool, custody string, side Side) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d", owner, pool, custody, side.Byte())))
	return hex.EncodeToString(sum[:])
}
