package decide

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

// fakeStore keeps episodes in memory with the same open/closed semantics
// as the database.
type fakeStore struct {
	nextID int64
	open   map[int64]*Episode
	closed []Episode
}

func newFakeStore() *fakeStore {
	return &fakeStore{open: map[int64]*Episode{}}
}

func (s *fakeStore) OpenEpisodes(context.Context) ([]Episode, error) {
	var eps []Episode
	for _, ep := range s.open {
		eps = append(eps, *ep)
	}
	return eps, nil
}

func (s *fakeStore) InsertEpisode(_ context.Context, ep Episode) (int64, error) {
	s.nextID++
	ep.ID = s.nextID
	s.open[ep.ID] = &ep
	return ep.ID, nil
}

func (s *fakeStore) UpdateOpenEpisode(_ context.Context, ep *Episode) error {
	copied := *ep
	s.open[ep.ID] = &copied
	return nil
}

func (s *fakeStore) CloseEpisode(_ context.Context, ep *Episode) error {
	delete(s.open, ep.ID)
	s.closed = append(s.closed, *ep)
	return nil
}

type atrStub struct {
	atr float64
	ts  time.Time
	err error
}

func (s atrStub) LatestATR(context.Context, string) (float64, time.Time, error) {
	return s.atr, s.ts, s.err
}

func testATRConfig() config.ATRConfig {
	return config.ATRConfig{
		MultiplierBTC: 1.5, MultiplierETH: 1.5,
		MaxStaleness: 180 * time.Second,
	}
}

func newTestBuilder(store *fakeStore, atr ATRSource) (*Builder, *bus.StubBus, *[]OpeningVote, *[]bus.OutcomeEvent) {
	b := bus.NewStubBus()
	votes := &[]OpeningVote{}
	outcomes := &[]bus.OutcomeEvent{}
	builder := NewBuilder(store, atr, testATRConfig(), b, metrics.New("test"), zerolog.Nop(),
		func(v OpeningVote) { *votes = append(*votes, v) },
		func(_ context.Context, ev bus.OutcomeEvent) { *outcomes = append(*outcomes, ev) })
	return builder, b, votes, outcomes
}

func fill(addr, asset, side string, size, price, startPos float64, ts time.Time) bus.FillEvent {
	return bus.FillEvent{
		Address: addr, Asset: asset, Side: side,
		Size: size, Price: price, StartPosition: startPos, TS: ts,
	}
}

func TestEpisodeOpenEmitsVote(t *testing.T) {
	store := newFakeStore()
	builder, _, votes, _ := newTestBuilder(store, atrStub{err: assert.AnError})
	ctx := context.Background()
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 1, 50000, 0, ts)))

	require.Len(t, *votes, 1)
	assert.Equal(t, "long", (*votes)[0].Direction)
	assert.Equal(t, 50000.0, (*votes)[0].EntryPrice)
	require.Len(t, store.open, 1)
}

func TestEpisodeAddMovesVWAP(t *testing.T) {
	store := newFakeStore()
	builder, _, votes, _ := newTestBuilder(store, atrStub{err: assert.AnError})
	ctx := context.Background()
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 1, 50000, 0, ts)))
	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 1, 52000, 1, ts.Add(time.Minute))))

	require.Len(t, store.open, 1)
	for _, ep := range store.open {
		assert.InDelta(t, 51000.0, ep.EntryVWAP, 1e-9)
		assert.InDelta(t, 2.0, ep.EntrySize, 1e-9)
	}
	assert.Len(t, *votes, 1, "adds do not revote")
}

func TestEpisodeFullCloseResultR(t *testing.T) {
	store := newFakeStore()
	// No ATR on record: the stop fraction falls back to 1%.
	builder, stub, _, outcomes := newTestBuilder(store, atrStub{err: assert.AnError})
	ctx := context.Background()
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 1, 50000, 0, ts)))

	exit := fill("0xa", "BTC", "sell", 1, 50750, 1, ts.Add(time.Hour))
	pnl := 750.0
	exit.RealizedPnL = &pnl
	require.NoError(t, builder.HandleFill(ctx, exit))

	require.Len(t, store.closed, 1)
	ep := store.closed[0]
	require.NotNil(t, ep.ResultR)
	// 750 profit over a 500 USD risk unit (1 BTC * 50000 * 1%).
	assert.InDelta(t, 1.5, *ep.ResultR, 1e-9)
	assert.Equal(t, "full_close", *ep.ClosedReason)
	require.NotNil(t, ep.ExitVWAP)
	assert.InDelta(t, 50750.0, *ep.ExitVWAP, 1e-9)

	require.Len(t, *outcomes, 1)
	assert.InDelta(t, 1.5, (*outcomes)[0].ResultR, 1e-9)
	assert.Len(t, stub.Published(bus.SubjectOutcomes), 1)
}

func TestEpisodePartialReduceKeepsOpen(t *testing.T) {
	store := newFakeStore()
	builder, _, _, outcomes := newTestBuilder(store, atrStub{err: assert.AnError})
	ctx := context.Background()
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 2, 50000, 0, ts)))
	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "sell", 1, 51000, 2, ts.Add(time.Minute))))

	assert.Len(t, store.closed, 0)
	assert.Len(t, *outcomes, 0)
	require.Len(t, store.open, 1)
	for _, ep := range store.open {
		assert.InDelta(t, 2.0, ep.EntrySize, 1e-9, "entry side untouched by reduces")
	}
}

func TestEpisodeDirectionFlip(t *testing.T) {
	store := newFakeStore()
	builder, _, votes, _ := newTestBuilder(store, atrStub{err: assert.AnError})
	ctx := context.Background()
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 1, 50000, 0, ts)))

	// Sell 3 from +1: closes the long and opens a 2 BTC short.
	flip := fill("0xa", "BTC", "sell", 3, 49000, 1, ts.Add(time.Minute))
	pnl := -1000.0
	flip.RealizedPnL = &pnl
	require.NoError(t, builder.HandleFill(ctx, flip))

	require.Len(t, store.closed, 1)
	assert.Equal(t, "direction_flip", *store.closed[0].ClosedReason)
	assert.Equal(t, "long", store.closed[0].Direction)

	require.Len(t, store.open, 1)
	for _, ep := range store.open {
		assert.Equal(t, "short", ep.Direction)
		assert.InDelta(t, 2.0, ep.EntrySize, 1e-9)
		assert.InDelta(t, 49000.0, ep.EntryVWAP, 1e-9)
	}
	require.Len(t, *votes, 2, "the residual short is a fresh vote")
	assert.Equal(t, "short", (*votes)[1].Direction)
}

func TestEpisodeTimeoutSweep(t *testing.T) {
	store := newFakeStore()
	builder, _, _, outcomes := newTestBuilder(store, atrStub{err: assert.AnError})
	ctx := context.Background()
	ts := time.Date(2026, 8, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, builder.HandleFill(ctx, fill("0xa", "BTC", "buy", 1, 50000, 0, ts)))

	builder.SweepTimeouts(ctx, ts.Add(6*24*time.Hour))
	assert.Len(t, store.closed, 0, "inside the window")

	builder.SweepTimeouts(ctx, ts.Add(8*24*time.Hour))
	require.Len(t, store.closed, 1)
	assert.Equal(t, "timeout", *store.closed[0].ClosedReason)
	require.Len(t, *outcomes, 1)
	assert.Zero(t, (*outcomes)[0].ResultR, "timeouts close flat")
}

func TestStopFractionFromATR(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	builder, _, _, _ := newTestBuilder(store, atrStub{atr: 500, ts: now})

	// 500 * 1.5 / 50000 = 1.5%.
	assert.InDelta(t, 0.015, builder.stopFraction(context.Background(), "BTC", 50000), 1e-9)
}

func TestStopFractionClamps(t *testing.T) {
	assert.Equal(t, 0.001, clampStopFraction(0.0001))
	assert.Equal(t, 0.10, clampStopFraction(0.5))
	assert.Equal(t, 0.02, clampStopFraction(0.02))
}

func TestEpisodeRestore(t *testing.T) {
	store := newFakeStore()
	ts := time.Now().UTC()
	_, err := store.InsertEpisode(context.Background(), Episode{
		Address: "0xa", Asset: "BTC", Direction: "long",
		EntryVWAP: 50000, EntrySize: 1, EntryTS: ts, LastFillTS: ts, Status: "open",
	})
	require.NoError(t, err)

	builder, _, _, outcomes := newTestBuilder(store, atrStub{err: assert.AnError})
	require.NoError(t, builder.Restore(context.Background()))

	// The restored long closes cleanly on a flat-out sell.
	exit := fill("0xa", "BTC", "sell", 1, 50500, 1, ts.Add(time.Minute))
	require.NoError(t, builder.HandleFill(context.Background(), exit))
	assert.Len(t, *outcomes, 1)
}
