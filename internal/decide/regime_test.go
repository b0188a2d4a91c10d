package decide

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func barsFrom(prices []float64, atr *float64) []Bar {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	bars := make([]Bar, len(prices))
	for i, p := range prices {
		bars[i] = Bar{MinuteTS: base.Add(time.Duration(i) * time.Minute), MidPrice: p, ATR14: atr}
	}
	return bars
}

func constBars(n int, price float64, atr *float64) []Bar {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = price
	}
	return barsFrom(prices, atr)
}

func f(v float64) *float64 { return &v }

func TestClassifyRegimeInsufficientHistory(t *testing.T) {
	assert.Equal(t, RegimeUnknown, ClassifyRegime(constBars(10, 50000, nil)))
	assert.Equal(t, RegimeUnknown, ClassifyRegime(nil))
}

func TestClassifyRegimeTrending(t *testing.T) {
	// A steady climb separates the short and long moving averages.
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 50000 + float64(i)*50
	}
	assert.Equal(t, RegimeTrending, ClassifyRegime(barsFrom(prices, f(100))))
}

func TestClassifyRegimeRanging(t *testing.T) {
	// Flat prices in a compressed band with ordinary volatility.
	assert.Equal(t, RegimeRanging, ClassifyRegime(constBars(60, 50000, f(100))))
}

func TestClassifyRegimeVolatileOverridesTrend(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 50000 + float64(i)*50
	}
	bars := barsFrom(prices, f(100))
	// Blow out the latest ATR far past the rolling average.
	bars[len(bars)-1].ATR14 = f(400)
	assert.Equal(t, RegimeVolatile, ClassifyRegime(bars))
}

func TestRegimeMultipliers(t *testing.T) {
	assert.Equal(t, 1.2, RegimeTrending.StopMultiplier())
	assert.Equal(t, 0.8, RegimeRanging.StopMultiplier())
	assert.Equal(t, 1.5, RegimeVolatile.StopMultiplier())
	assert.Equal(t, 1.0, RegimeUnknown.StopMultiplier())

	assert.Equal(t, 1.0, RegimeTrending.KellyMultiplier())
	assert.Equal(t, 0.75, RegimeRanging.KellyMultiplier())
	assert.Equal(t, 0.5, RegimeVolatile.KellyMultiplier())
	assert.Equal(t, 1.0, RegimeUnknown.KellyMultiplier())

	assert.Equal(t, 1.0, RegimeTrending.ConfidenceMultiplier())
	assert.Equal(t, 1.05, RegimeRanging.ConfidenceMultiplier())
	assert.Equal(t, 1.15, RegimeVolatile.ConfidenceMultiplier())
	assert.Equal(t, 1.0, RegimeUnknown.ConfidenceMultiplier())
}

func TestCompressedRange(t *testing.T) {
	assert.True(t, compressedRange(constBars(50, 50000, nil)))
	spread := barsFrom([]float64{49000, 50000, 51000}, nil)
	assert.False(t, compressedRange(spread))
}
