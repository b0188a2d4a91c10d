package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bars(mids []float64, atrLast *float64) []MinuteBar {
	out := make([]MinuteBar, len(mids))
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, m := range mids {
		out[i] = MinuteBar{Asset: "BTC", MinuteTS: base.Add(time.Duration(i) * time.Minute), MidPrice: m}
	}
	if atrLast != nil && len(out) > 0 {
		out[len(out)-1].ATR14 = atrLast
	}
	return out
}

func TestNextATRNeedsHistory(t *testing.T) {
	assert.Nil(t, nextATR(nil, 60000))
	assert.Nil(t, nextATR(bars([]float64{60000}, nil), 60010), "one bar is not enough to seed")
}

func TestNextATRSeedsWithSimpleAverage(t *testing.T) {
	// 14 bars stepping +10 each minute, new bar also +10: every TR is 10.
	mids := make([]float64, atrPeriod)
	for i := range mids {
		mids[i] = 60000 + float64(i)*10
	}
	atr := nextATR(bars(mids, nil), mids[len(mids)-1]+10)
	require.NotNil(t, atr)
	assert.InDelta(t, 10.0, *atr, 1e-9)
}

func TestNextATRWilderSmoothing(t *testing.T) {
	prev := 10.0
	history := bars([]float64{60000}, &prev)

	// New TR of 24 against a running ATR of 10: (10*13 + 24) / 14 = 11.
	atr := nextATR(history, 60024)
	require.NotNil(t, atr)
	assert.InDelta(t, 11.0, *atr, 1e-9)

	// A flat minute decays the ATR toward zero.
	atr2 := nextATR(bars([]float64{60024}, atr), 60024)
	require.NotNil(t, atr2)
	assert.InDelta(t, 11.0*13/14, *atr2, 1e-9)
	assert.Less(t, *atr2, *atr)
}
