package decide

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/venue"
)

type failingAccount struct {
	calls int
}

func (f *failingAccount) AccountSnapshot(context.Context) (*AccountSnapshot, error) {
	f.calls++
	return nil, errors.New("venue timeout")
}

func TestGovernorBlocksWhenAccountStateUnavailable(t *testing.T) {
	reg := metrics.New("test")
	acct := &failingAccount{}
	g := NewGovernor(nil, acct, config.RiskConfig{}, config.BreakerConfig{}, reg, zerolog.Nop())

	snap, err := g.FetchAccount(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, accountFetchRetries, acct.calls, "the venue is retried before giving up")
	assert.InDelta(t, 1.0,
		testutil.ToFloat64(reg.SafetyBlocks.WithLabelValues("account_state")), 1e-9,
		"exhausted retries count one safety block")
}

func TestDailyDrawdownBreach(t *testing.T) {
	// $100k day start, equity at $94.9k: 5.1% loss trips the 5% limit.
	dd, breached := dailyDrawdown(100_000, 94_900, 0.05)
	assert.True(t, breached)
	assert.InDelta(t, 0.051, dd, 1e-9)

	dd, breached = dailyDrawdown(100_000, 95_100, 0.05)
	assert.False(t, breached)
	assert.InDelta(t, 0.049, dd, 1e-9)

	// Gains never breach.
	_, breached = dailyDrawdown(100_000, 110_000, 0.05)
	assert.False(t, breached)
}

func TestTotalExposureSumsAbsoluteNotional(t *testing.T) {
	positions := []venue.Position{
		{Asset: "BTC", Size: 0.5, NotionalUSD: 25_000},
		{Asset: "ETH", Size: -10, NotionalUSD: -30_000},
	}
	assert.InDelta(t, 55_000, totalExposure(positions), 1e-9)
	assert.Zero(t, totalExposure(nil))
}

func TestSizerConfidenceFloor(t *testing.T) {
	// Volatile regime lifts the 0.55 floor to 0.6325, above this p_win.
	s := &Sizer{
		kelly: config.KellyConfig{Enabled: true, Fraction: 0.25, MinEpisodes: 30, FallbackPct: 0.01},
		risk:  config.RiskConfig{MinConfidence: 0.55, MaxPositionPct: 0.02},
		log:   zerolog.Nop(),
	}
	res, err := s.Size(context.Background(), 100_000, 0.60, 2.0, RegimeVolatile)
	require.NoError(t, err)
	assert.Equal(t, "confidence_floor", res.Method)
	assert.Zero(t, res.NotionalUSD)
}

func TestKellyFraction(t *testing.T) {
	// f = p - (1-p)/b.
	assert.InDelta(t, 0.43, kellyFraction(0.62, 2.0), 1e-9)
	assert.InDelta(t, 0.25, kellyFraction(0.5, 2.0), 1e-9)
	assert.Zero(t, kellyFraction(0.3, 2.0), "negative edge floors at zero")
	assert.Zero(t, kellyFraction(0.9, 0), "degenerate payoff sizes nothing")
}
