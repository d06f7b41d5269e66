package perpetuals

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCustody() *Custody {
	return &Custody{
		Pool:     "main",
		Mint:     "USDC",
		Decimals: 6,
		Assets: CustodyAssets{
			Owned:        big.NewInt(1_000_000_000), // 1000 tokens
			Locked:       big.NewInt(800_000_000),   // 80% utilization
			Collateral:   big.NewInt(0),
			ProtocolFees: big.NewInt(0),
		},
		BorrowRate: BorrowRateParams{
			BaseRate:           0,
			Slope1:             50_000_000,  // 5%/hr up to optimal
			Slope2:             500_000_000, // 50%/hr above optimal
			OptimalUtilization: 800_000_000, // 80%
		},
		BorrowRateClock: BorrowRateState{
			CurrentRate:        big.NewInt(0),
			CumulativeInterest: big.NewInt(0),
			LastUpdate:         0,
		},
	}
}

// At exactly the optimal utilization (80%), currentRate should equal
// base + slope1 (the kink point), matching spec §8 scenario 1.
func TestCustodyCurrentRateAtKink(t *testing.T) {
	c := newTestCustody()
	rate := c.currentRate()
	require.Equal(t, big.NewInt(50_000_000), rate)
}

func TestCustodyCurrentRateAboveKink(t *testing.T) {
	c := newTestCustody()
	c.Assets.Locked = big.NewInt(900_000_000) // 90% utilization
	rate := c.currentRate()
	// base(0) + slope1(50M) + (90%-80%)/(100%-80%) * slope2(500M)
	// = 50M + 0.5*500M = 300M
	require.Equal(t, big.NewInt(300_000_000), rate)
}

func TestCustodyCurrentRateZeroWhenOwnedZero(t *testing.T) {
	c := newTestCustody()
	c.Assets.Owned = big.NewInt(0)
	require.Equal(t, big.NewInt(0), c.currentRate())
}

func TestUpdateBorrowRateAccruesHourlyAndIsIdempotent(t *testing.T) {
	c := newTestCustody()
	c.BorrowRateClock.CurrentRate = big.NewInt(50_000_000)
	require.NoError(t, c.UpdateBorrowRate(3600))
	// delta=3600s=1hr, ceil(3600*50_000_000/3600) = 50_000_000
	require.Equal(t, big.NewInt(50_000_000), c.BorrowRateClock.CumulativeInterest)
	require.Equal(t, int64(3600), c.BorrowRateClock.LastUpdate)

	// idempotence: calling again at the same or earlier `now` is a no-op.
	snapshot := new(big.Int).Set(c.BorrowRateClock.CumulativeInterest)
	require.NoError(t, c.UpdateBorrowRate(3600))
	require.Equal(t, snapshot, c.BorrowRateClock.CumulativeInterest)
	require.NoError(t, c.UpdateBorrowRate(100))
	require.Equal(t, snapshot, c.BorrowRateClock.CumulativeInterest)
}

func TestUpdateBorrowRateMonotonicallyIncreasesCumulativeInterest(t *testing.T) {
	c := newTestCustody()
	c.BorrowRateClock.CurrentRate = big.NewInt(50_000_000)
	require.NoError(t, c.UpdateBorrowRate(1800))
	first := new(big.Int).Set(c.BorrowRateClock.CumulativeInterest)
	require.NoError(t, c.UpdateBorrowRate(3600))
	require.True(t, c.BorrowRateClock.CumulativeInterest.Cmp(first) > 0)
}

func TestInterestUSDComputesDeltaAgainstSnapshot(t *testing.T) {
	c := newTestCustody()
	c.BorrowRateClock.CumulativeInterest = big.NewInt(100_000_000) // RATE scale-hours
	snapshot := big.NewInt(40_000_000)
	sizeUSD := big.NewInt(1_000_000_000) // $1000 at USD_DECIMALS=6

	interest, err := c.InterestUSD(snapshot, sizeUSD)
	require.NoError(t, err)
	// (100M - 40M) * 1_000_000_000 / 1e9 = 60_000_000
	require.Equal(t, big.NewInt(60_000_000), interest)
}

func TestInterestUSDFloorsAtZeroWhenSnapshotAhead(t *testing.T) {
	c := newTestCustody()
	c.BorrowRateClock.CumulativeInterest = big.NewInt(10)
	interest, err := c.InterestUSD(big.NewInt(50), big.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), interest)
}

func TestLockAssetsRejectsExceedingOwned(t *testing.T) {
	c := newTestCustody()
	c.Assets.Locked = big.NewInt(0)
	c.Assets.Owned = big.NewInt(100)
	require.ErrorIs(t, c.LockAssets(big.NewInt(101)), ErrMaxPoolAmount)
}

func TestLockUnlockAssetsRoundTrip(t *testing.T) {
	c := newTestCustody()
	c.Assets.Locked = big.NewInt(0)
	c.Assets.Owned = big.NewInt(1_000)
	require.NoError(t, c.LockAssets(big.NewInt(500)))
	require.Equal(t, big.NewInt(500), c.Assets.Locked)
	c.UnlockAssets(big.NewInt(900)) // saturates at 0, never goes negative
	require.Equal(t, big.NewInt(0), c.Assets.Locked)
}
