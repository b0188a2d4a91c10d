package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkBookSingleLevel(t *testing.T) {
	asks := []BookLevel{{Price: 50000, Size: 2}}
	avg, bps, err := WalkBook(asks, 50000)
	require.NoError(t, err)
	assert.InDelta(t, 50000, avg, 1e-9)
	assert.InDelta(t, 0, bps, 1e-9)
}

func TestWalkBookMultiLevel(t *testing.T) {
	asks := []BookLevel{
		{Price: 50000, Size: 1}, // $50k
		{Price: 50100, Size: 1}, // $50.1k
	}
	// Take $75,050: all of level 1 plus half of level 2.
	avg, bps, err := WalkBook(asks, 75050)
	require.NoError(t, err)
	assert.Greater(t, avg, 50000.0)
	assert.Less(t, avg, 50100.0)
	assert.Greater(t, bps, 0.0)
}

func TestWalkBookExhausted(t *testing.T) {
	asks := []BookLevel{{Price: 50000, Size: 0.1}}
	_, _, err := WalkBook(asks, 1e6)
	assert.Error(t, err)
}

func TestWalkBookEmpty(t *testing.T) {
	_, _, err := WalkBook(nil, 1000)
	assert.Error(t, err)
}

func TestFundingCostSignConvention(t *testing.T) {
	// Positive rate: long pays, short receives.
	pos := Funding{Rate: 0.0001, Interval: time.Hour} // 1bp hourly
	longCost := FundingCostBps(pos, "long")
	shortCost := FundingCostBps(pos, "short")
	assert.InDelta(t, 8.0, longCost, 1e-9) // 8 intervals × 1bp
	assert.InDelta(t, -8.0, shortCost, 1e-9)

	// Negative rate rebates the long.
	neg := Funding{Rate: -0.0001, Interval: time.Hour}
	assert.InDelta(t, -8.0, FundingCostBps(neg, "long"), 1e-9)
	assert.InDelta(t, 8.0, FundingCostBps(neg, "short"), 1e-9)
}

func TestFactoryAdapterRouting(t *testing.T) {
	f := NewFactory(Credentials{}, 2.0)
	for _, ex := range All {
		a, err := f.Adapter(ex)
		require.NoError(t, err)
		assert.Equal(t, ex, a.Name())
	}
	_, err := f.Adapter(Exchange("kraken"))
	assert.ErrorIs(t, err, ErrUnsupportedExchange)
}

func TestFormatSizeFloors(t *testing.T) {
	f := NewFactory(Credentials{}, 2.0)
	hl, err := f.Adapter(Hyperliquid)
	require.NoError(t, err)
	assert.Equal(t, 0.12345, hl.FormatSize("BTC", 0.123459))
	assert.Equal(t, 1.2345, hl.FormatSize("ETH", 1.23459))
}
