package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/venue"
)

func rawFill() venue.RawFill {
	return venue.RawFill{
		TID:       774201,
		Coin:      "BTC",
		Side:      "B",
		Px:        "60123.5",
		Sz:        "0.25",
		StartPos:  "1.5",
		ClosedPnL: "0.0",
		Dir:       "Open Long",
		Time:      1756000000000,
		Hash:      "0xdeadbeef",
	}
}

func TestNormalizeCanonicalShape(t *testing.T) {
	ev, ok := Normalize("0xABCD", rawFill())
	require.True(t, ok)

	assert.Equal(t, "774201", ev.FillID)
	assert.Equal(t, "0xabcd", ev.Address)
	assert.Equal(t, "BTC", ev.Asset)
	assert.Equal(t, "buy", ev.Side)
	assert.Equal(t, 0.25, ev.Size)
	assert.Equal(t, 60123.5, ev.Price)
	assert.Equal(t, 1.5, ev.StartPosition)
	assert.Equal(t, "Open Long", ev.ActionLabel)
	assert.Nil(t, ev.RealizedPnL, "open fills carry no realized pnl")
	assert.Equal(t, int64(1756000000000), ev.TS.UnixMilli())
	assert.Len(t, ev.DedupHash, 64)
}

func TestNormalizeSellSideAndRealizedPnL(t *testing.T) {
	raw := rawFill()
	raw.Side = "A"
	raw.Dir = "Close Long"
	raw.ClosedPnL = "152.75"

	ev, ok := Normalize("0xabcd", raw)
	require.True(t, ok)
	assert.Equal(t, "sell", ev.Side)
	require.NotNil(t, ev.RealizedPnL)
	assert.Equal(t, 152.75, *ev.RealizedPnL)

	// A sell reduces the running position.
	assert.Equal(t, 1.25, ev.ResultingPosition())
}

func TestNormalizeSkipsUntrackedAssets(t *testing.T) {
	raw := rawFill()
	raw.Coin = "DOGE"
	_, ok := Normalize("0xabcd", raw)
	assert.False(t, ok)
}

func TestDedupHashIdentity(t *testing.T) {
	a, _ := Normalize("0xabcd", rawFill())
	b, _ := Normalize("0xABCD", rawFill())
	assert.Equal(t, a.DedupHash, b.DedupHash, "case-only address difference is the same fill")

	changed := rawFill()
	changed.TID++
	c, _ := Normalize("0xabcd", changed)
	assert.NotEqual(t, a.DedupHash, c.DedupHash)

	other := rawFill()
	other.Time++
	d, _ := Normalize("0xabcd", other)
	assert.NotEqual(t, a.DedupHash, d.DedupHash)
}
