package perpetuals

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionIDIsDeterministicAndDistinct(t *testing.T) {
	id1 := PositionID("owner1", "main", "USDC", SideLong)
	id2 := PositionID("owner1", "main", "USDC", SideLong)
	require.Equal(t, id1, id2)

	id3 := PositionID("owner1", "main", "USDC", SideShort)
	require.NotEqual(t, id1, id3)

	id4 := PositionID("owner2", "main", "USDC", SideLong)
	require.NotEqual(t, id1, id4)
}
