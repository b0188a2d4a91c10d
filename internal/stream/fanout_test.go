package stream

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/metrics"
)

func testHub() *Hub {
	return NewHub(metrics.New("test"), zerolog.Nop())
}

func TestHubSequencesEvents(t *testing.T) {
	h := testHub()
	assert.Equal(t, int64(1), h.Publish("fill", "a"))
	assert.Equal(t, int64(2), h.Publish("fill", "b"))
	assert.Equal(t, int64(2), h.LatestSeq())

	events := h.eventsSince(0, batchPerTick)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestHubEventsSinceCursor(t *testing.T) {
	h := testHub()
	for i := 0; i < 10; i++ {
		h.Publish("fill", i)
	}

	events := h.eventsSince(7, batchPerTick)
	require.Len(t, events, 3)
	assert.Equal(t, int64(8), events[0].Seq)

	assert.Empty(t, h.eventsSince(10, batchPerTick))
	assert.Empty(t, h.eventsSince(99, batchPerTick))
}

func TestHubBatchCap(t *testing.T) {
	h := testHub()
	for i := 0; i < 300; i++ {
		h.Publish("fill", i)
	}
	events := h.eventsSince(0, batchPerTick)
	require.Len(t, events, batchPerTick)
	// The next tick picks up where the batch stopped.
	next := h.eventsSince(events[len(events)-1].Seq, batchPerTick)
	require.Len(t, next, 100)
	assert.Equal(t, int64(batchPerTick+1), next[0].Seq)
}

func TestHubRingEviction(t *testing.T) {
	h := testHub()
	for i := 0; i < ringSize+250; i++ {
		h.Publish("fill", i)
	}

	events := h.eventsSince(0, ringSize)
	require.Len(t, events, ringSize)
	// The oldest 250 events fell off the ring.
	assert.Equal(t, int64(251), events[0].Seq)
	assert.Equal(t, int64(ringSize+250), events[len(events)-1].Seq)
}

func TestHubPriceVersioning(t *testing.T) {
	h := testHub()
	_, ver0 := h.pricesCopy()

	h.SetPrice("BTC", 60000)
	prices, ver1 := h.pricesCopy()
	assert.Greater(t, ver1, ver0)
	assert.Equal(t, 60000.0, prices["BTC"])

	// Unchanged price does not bump the version.
	h.SetPrice("BTC", 60000)
	_, ver2 := h.pricesCopy()
	assert.Equal(t, ver1, ver2)

	h.SetPrice("ETH", 3000)
	_, ver3 := h.pricesCopy()
	assert.Greater(t, ver3, ver2)
}
