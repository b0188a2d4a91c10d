package decide

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/config"
)

func gateConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		MinTraders: 3, MinPct: 0.70, MinEffectiveK: 2.0,
		EVMinR: 0.20, MaxPriceDriftR: 0.25,
		Freshness: 300 * time.Second, Cooldown: 300 * time.Second,
	}
}

func flatRho(v float64) RhoFunc {
	return func(a, b string) float64 { return v }
}

func goodEV(direction string, pWin float64) []VenueEV {
	return []VenueEV{{
		Exchange: "hyperliquid",
		NetR:     NetEV(pWin, 5, 2, 1),
		FeesBps:  5, SlippageBps: 2, FundingBps: 1,
	}}
}

func voteAt(addr, dir string, price, weight float64, ts time.Time) Vote {
	return Vote{Address: addr, Direction: dir, EntryPrice: price, Weight: weight, TS: ts}
}

func TestGatesAllPass(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	votes := []Vote{
		voteAt("0xa", "long", 43100, 0.5, now.Add(-60*time.Second)),
		voteAt("0xb", "long", 43150, 0.5, now.Add(-90*time.Second)),
		voteAt("0xc", "long", 43200, 0.5, now.Add(-120*time.Second)),
	}

	out := EvaluateGates(GateInputs{
		Asset: "BTC", Votes: votes, Now: now,
		CurrentPrice: 43160, StopDistance: 170,
		Rho: flatRho(0.0), EVFor: goodEV, Cfg: gateConfig(),
	})

	require.True(t, out.Passed, "all gates should pass: %+v", out.Checks)
	assert.Equal(t, "long", out.Direction)
	assert.Equal(t, 3, out.NTraders)
	assert.Equal(t, 3, out.NAgree)
	assert.InDelta(t, 1.0, out.MajorityPct, 1e-9)
	assert.InDelta(t, 3.0, out.EffectiveK, 1e-9, "independent voters count fully")
	assert.InDelta(t, 0.6125, out.PWin, 1e-9)
	assert.Len(t, out.Checks, 5)
}

func TestGatesSupermajorityFailNamesGap(t *testing.T) {
	now := time.Now().UTC()
	// Weighted 0.60 long vs 0.40 short.
	votes := []Vote{
		voteAt("0xa", "long", 43100, 0.2, now),
		voteAt("0xb", "long", 43100, 0.2, now),
		voteAt("0xc", "long", 43100, 0.2, now),
		voteAt("0xd", "short", 43100, 0.2, now),
		voteAt("0xe", "short", 43100, 0.2, now),
	}

	out := EvaluateGates(GateInputs{
		Asset: "BTC", Votes: votes, Now: now,
		CurrentPrice: 43100, StopDistance: 170,
		Rho: flatRho(0.3), EVFor: goodEV, Cfg: gateConfig(),
	})

	assert.False(t, out.Passed)
	assert.Equal(t, "supermajority", out.FailedGate)
	assert.Contains(t, out.Checks[0].Description, "0.60 < 0.70",
		"skip reasoning names the threshold and the numeric gap")
}

func TestGatesTieMeansNoDirection(t *testing.T) {
	now := time.Now().UTC()
	votes := []Vote{
		voteAt("0xa", "long", 43100, 0.5, now),
		voteAt("0xb", "short", 43100, 0.5, now),
	}
	out := EvaluateGates(GateInputs{
		Asset: "BTC", Votes: votes, Now: now,
		CurrentPrice: 43100, StopDistance: 170,
		Rho: flatRho(0.3), EVFor: goodEV, Cfg: gateConfig(),
	})
	assert.False(t, out.Passed)
	assert.Empty(t, out.Direction, "equal weighted votes produce no signal")
}

func TestGatesPriceDrift(t *testing.T) {
	now := time.Now().UTC()
	votes := []Vote{
		voteAt("0xa", "long", 43100, 1, now.Add(-10*time.Second)),
		voteAt("0xb", "long", 43150, 1, now.Add(-20*time.Second)),
		voteAt("0xc", "long", 43200, 1, now.Add(-30*time.Second)),
	}

	// Median entry 43150, stop distance 170. At 43200 the drift is
	// 50/170 = 0.29R, outside the band.
	out := EvaluateGates(GateInputs{
		Asset: "BTC", Votes: votes, Now: now,
		CurrentPrice: 43200, StopDistance: 170,
		Rho: flatRho(0.0), EVFor: goodEV, Cfg: gateConfig(),
	})
	assert.False(t, out.Passed)
	assert.Equal(t, "price_band", out.FailedGate)
	assert.InDelta(t, 0.294, out.DriftR, 0.001)

	// At 43160 the drift is 10/170 = 0.06R and everything clears.
	out = EvaluateGates(GateInputs{
		Asset: "BTC", Votes: votes, Now: now,
		CurrentPrice: 43160, StopDistance: 170,
		Rho: flatRho(0.0), EVFor: goodEV, Cfg: gateConfig(),
	})
	require.True(t, out.Passed, "%+v", out.Checks)
	assert.InDelta(t, 0.059, out.DriftR, 0.001)
	assert.InDelta(t, 0.224, out.Best.NetR, 0.001, "unanimous trio clears the 0.20R floor after costs")
}

func TestGatesFreshness(t *testing.T) {
	now := time.Now().UTC()
	votes := []Vote{
		voteAt("0xa", "long", 43100, 1, now.Add(-400*time.Second)),
		voteAt("0xb", "long", 43100, 1, now.Add(-10*time.Second)),
		voteAt("0xc", "long", 43100, 1, now.Add(-20*time.Second)),
	}
	out := EvaluateGates(GateInputs{
		Asset: "BTC", Votes: votes, Now: now,
		CurrentPrice: 43100, StopDistance: 170,
		Rho: flatRho(0.0), EVFor: goodEV, Cfg: gateConfig(),
	})
	assert.False(t, out.Passed)
	assert.Equal(t, "freshness", out.FailedGate)
}

func TestEffectiveKCorrelationDiscount(t *testing.T) {
	votes := []Vote{
		voteAt("0xa", "long", 0, 1, time.Time{}),
		voteAt("0xb", "long", 0, 1, time.Time{}),
		voteAt("0xc", "long", 0, 1, time.Time{}),
	}

	assert.InDelta(t, 3.0, effectiveK(votes, flatRho(0)), 1e-9)
	// Default HL rho 0.3: 9 / (3 + 6*0.3) = 1.875, below the 2.0 floor.
	assert.InDelta(t, 1.875, effectiveK(votes, flatRho(0.3)), 1e-9)
	// Perfectly correlated voters collapse to one.
	assert.InDelta(t, 1.0, effectiveK(votes, flatRho(1.0)), 1e-9)
}

func TestPWinScalesWithAgreement(t *testing.T) {
	assert.InDelta(t, 0.575, pWin(0.75, 4), 1e-9)
	assert.InDelta(t, 0.65, pWin(1.0, 8), 1e-9, "effK contribution saturates at 4")
	assert.InDelta(t, 0.5, pWin(0.5, 4), 1e-9)
	// Low effK shrinks confidence toward the coin flip.
	assert.InDelta(t, 0.5375, pWin(0.75, 2), 1e-9)
}

func TestMedianEntryEvenCountAveragesMiddle(t *testing.T) {
	votes := []Vote{
		voteAt("0xa", "long", 100, 1, time.Time{}),
		voteAt("0xb", "long", 102, 1, time.Time{}),
		voteAt("0xc", "long", 104, 1, time.Time{}),
		voteAt("0xd", "long", 110, 1, time.Time{}),
	}
	assert.InDelta(t, 103.0, medianEntry(votes), 1e-9)
}

func TestNetEVCostsDragGross(t *testing.T) {
	// p 0.62 gives 0.24 gross; 8bps of costs shave under a basis point of R.
	assert.InDelta(t, 0.2392, NetEV(0.62, 5, 2, 1), 1e-9)
	assert.InDelta(t, 0.0, NetEV(0.5, 0, 0, 0), 1e-9)
	// Negative funding (short in positive-rate markets) improves EV.
	assert.Greater(t, NetEV(0.62, 5, 2, -3), NetEV(0.62, 5, 2, 3))
}

func TestBestVenueTieKeepsFirst(t *testing.T) {
	evs := []VenueEV{
		{Exchange: "hyperliquid", NetR: 0.25},
		{Exchange: "bybit", NetR: 0.25},
		{Exchange: "aster", NetR: 0.30},
	}
	best := BestVenue(evs)
	require.NotNil(t, best)
	assert.Equal(t, "aster", best.Exchange)

	evs[2].NetR = 0.25
	assert.Equal(t, "hyperliquid", BestVenue(evs).Exchange, "equal EV falls back to the configured venue listed first")

	assert.Nil(t, BestVenue(nil))
}
