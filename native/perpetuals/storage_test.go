package perpetuals

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func storageBackends(t *testing.T) map[string]Storage {
	t.Helper()
	leveldb, err := NewLevelDBStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, leveldb.Close()) })
	return map[string]Storage{
		"memory":  NewMemoryStorage(),
		"leveldb": leveldb,
	}
}

func TestStoragePoolRoundTrip(t *testing.T) {
	for name, s := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			pool := &Pool{Name: "main", AUMUSD: big.NewInt(1_000), LPSupply: big.NewInt(500)}
			require.NoError(t, s.PutPool(pool))

			got, err := s.GetPool("main")
			require.NoError(t, err)
			require.Equal(t, pool.AUMUSD, got.AUMUSD)
			require.Equal(t, pool.LPSupply, got.LPSupply)

			_, err = s.GetPool("missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorageCustodyRoundTrip(t *testing.T) {
	for name, s := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			custody := &Custody{Pool: "main", Mint: "USDC", Decimals: 6, Assets: CustodyAssets{Owned: big.NewInt(42)}}
			require.NoError(t, s.PutCustody(custody))

			got, err := s.GetCustody("main", "USDC")
			require.NoError(t, err)
			require.Equal(t, custody.Decimals, got.Decimals)
			require.Equal(t, custody.Assets.Owned, got.Assets.Owned)
		})
	}
}

func TestStoragePositionRoundTripAndDelete(t *testing.T) {
	for name, s := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			pos := &Position{Owner: "alice", Pool: "main", Custody: "USDC", Side: SideLong, SizeUSD: big.NewInt(1_000)}
			require.NoError(t, s.PutPosition(pos))

			got, err := s.GetPosition("alice", "main", "USDC", SideLong)
			require.NoError(t, err)
			require.Equal(t, pos.SizeUSD, got.SizeUSD)

			require.NoError(t, s.DeletePosition("alice", "main", "USDC", SideLong))
			_, err = s.GetPosition("alice", "main", "USDC", SideLong)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPositionKeyEncodesSideByte(t *testing.T) {
	long := PositionKey("alice", "main", "USDC", SideLong)
	short := PositionKey("alice", "main", "USDC", SideShort)
	require.NotEqual(t, long, short)
}
