package perpetuals

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhbchain/perpcore/native/common"
)

func TestCheckOwnerQuotaDisabledWhenUnset(t *testing.T) {
	e := &Engine{}
	require.NoError(t, e.checkOwnerQuota("alice", "open_position", 0))
}

func TestCheckOwnerQuotaEnforcesPerEpochLimit(t *testing.T) {
	e := &Engine{Quota: &OwnerQuota{
		Store: NewMemoryQuotaStore(),
		Limits: map[string]common.Quota{
			"open_position": {MaxRequestsPerMin: 2, EpochSeconds: 60},
		},
	}}

	require.NoError(t, e.checkOwnerQuota("alice", "open_position", 0))
	require.NoError(t, e.checkOwnerQuota("alice", "open_position", 1))
	err := e.checkOwnerQuota("alice", "open_position", 2)
	require.ErrorIs(t, err, ErrInstructionNotAllowed)

	// a different owner has an independent counter.
	require.NoError(t, e.checkOwnerQuota("bob", "open_position", 2))

	// a new epoch resets the counter.
	require.NoError(t, e.checkOwnerQuota("alice", "open_position", 61))
}

func TestCheckOwnerQuotaIgnoresUnlistedInstruction(t *testing.T) {
	e := &Engine{Quota: &OwnerQuota{
		Store:  NewMemoryQuotaStore(),
		Limits: map[string]common.Quota{},
	}}
	require.NoError(t, e.checkOwnerQuota("alice", "swap", 0))
}
