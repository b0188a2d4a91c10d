package decide

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

func bareEngine(weights map[string]float64) *Engine {
	return &Engine{
		votes:        map[string][]Vote{},
		prices:       map[string]float64{},
		lastEval:     map[string]string{},
		weights:      weights,
		rho:          map[string]map[string]float64{},
		consensusCfg: gateConfig(),
		corrCfg:      config.CorrelationConfig{DefaultRho: 0.3},
	}
}

// decisionRecorder captures audit rows in memory.
type decisionRecorder struct {
	rows []DecisionRow
}

func (r *decisionRecorder) Record(_ context.Context, d DecisionRow) (int64, error) {
	r.rows = append(r.rows, d)
	return int64(len(r.rows)), nil
}

// engineStoreStub serves the engine's store reads without a database.
type engineStoreStub struct {
	lastSignal *SignalRow
	inserted   []SignalRow
}

func (s *engineStoreStub) LatestCorrelations(context.Context) ([]CorrelationPair, error) {
	return nil, nil
}

func (s *engineStoreStub) LastSignalSince(context.Context, string, time.Time) (*SignalRow, error) {
	return s.lastSignal, nil
}

func (s *engineStoreStub) InsertSignal(_ context.Context, sig SignalRow) (int64, error) {
	s.inserted = append(s.inserted, sig)
	return int64(len(s.inserted)), nil
}

func (s *engineStoreStub) LatestATR(context.Context, string) (float64, time.Time, error) {
	return 0, time.Time{}, errors.New("no bars")
}

type evStub struct{}

func (evStub) Evaluate(_ context.Context, _, direction string, pWin, _ float64) []VenueEV {
	return goodEV(direction, pWin)
}

// evalEngine is an engine wired just far enough to run evaluate.
func evalEngine(weights map[string]float64, store *engineStoreStub, sink *decisionRecorder) *Engine {
	e := bareEngine(weights)
	e.repo = store
	e.logger = sink
	e.evCalc = evStub{}
	e.regimes = NewRegimeDetector(nil, nil, zerolog.Nop())
	e.reg = metrics.New("test")
	return e
}

func TestEngineIgnoresNonPoolVotes(t *testing.T) {
	e := bareEngine(map[string]float64{"0xa": 0.5})
	now := time.Now().UTC()

	e.addVote(OpeningVote{Address: "0xA", Asset: "BTC", Direction: "long", EntryPrice: 50000, TS: now})
	e.addVote(OpeningVote{Address: "0xstranger", Asset: "BTC", Direction: "long", EntryPrice: 50000, TS: now})

	require.Len(t, e.votes["BTC"], 1, "only pool members vote")
	assert.Equal(t, "0xa", e.votes["BTC"][0].Address, "addresses are canonicalized to lowercase")
	assert.Equal(t, 0.5, e.votes["BTC"][0].Weight)
}

func TestEngineNewVoteReplacesOld(t *testing.T) {
	e := bareEngine(map[string]float64{"0xa": 0.5, "0xb": 0.5})
	now := time.Now().UTC()

	e.addVote(OpeningVote{Address: "0xa", Asset: "BTC", Direction: "long", EntryPrice: 50000, TS: now.Add(-time.Minute)})
	e.addVote(OpeningVote{Address: "0xb", Asset: "BTC", Direction: "long", EntryPrice: 50100, TS: now})
	e.addVote(OpeningVote{Address: "0xa", Asset: "BTC", Direction: "short", EntryPrice: 50200, TS: now})

	require.Len(t, e.votes["BTC"], 2)
	var a Vote
	for _, v := range e.votes["BTC"] {
		if v.Address == "0xa" {
			a = v
		}
	}
	assert.Equal(t, "short", a.Direction, "a trader's latest opening fill wins")
}

func TestEnginePrunesExpiredVotes(t *testing.T) {
	e := bareEngine(map[string]float64{"0xa": 0.5, "0xb": 0.5})
	now := time.Now().UTC()

	e.addVote(OpeningVote{Address: "0xa", Asset: "BTC", Direction: "long", EntryPrice: 50000, TS: now.Add(-10 * time.Minute)})
	e.addVote(OpeningVote{Address: "0xb", Asset: "BTC", Direction: "long", EntryPrice: 50000, TS: now.Add(-time.Minute)})

	e.pruneVotes("BTC", now)
	require.Len(t, e.votes["BTC"], 1)
	assert.Equal(t, "0xb", e.votes["BTC"][0].Address)
}

func TestEvaluateSubQuorumStillLogsSkip(t *testing.T) {
	store := &engineStoreStub{}
	sink := &decisionRecorder{}
	e := evalEngine(map[string]float64{"0xa": 0.5, "0xb": 0.5}, store, sink)
	now := time.Now().UTC()
	e.prices["BTC"] = 43100

	e.addVote(OpeningVote{Address: "0xa", Asset: "BTC", Direction: "long", EntryPrice: 43100, TS: now})
	e.addVote(OpeningVote{Address: "0xb", Asset: "BTC", Direction: "long", EntryPrice: 43120, TS: now})
	e.evaluate(context.Background(), "BTC", now, false)

	require.Len(t, sink.rows, 1, "a two-trader window fails the quorum gate but the evaluation is still recorded")
	assert.Equal(t, DecisionSkip, sink.rows[0].DecisionType)
	assert.Contains(t, sink.rows[0].Reasoning, "supermajority")
	assert.Empty(t, store.inserted)
}

func TestEvaluateCooldownSuppressesEitherDirection(t *testing.T) {
	now := time.Now().UTC()
	// A short signal 60s ago holds the asset in cooldown even for a long
	// consensus.
	store := &engineStoreStub{lastSignal: &SignalRow{
		ID: 7, TS: now.Add(-time.Minute), Asset: "BTC", Direction: "short",
	}}
	sink := &decisionRecorder{}
	e := evalEngine(map[string]float64{"0xa": 1, "0xb": 1, "0xc": 1}, store, sink)
	e.corrCfg.DefaultRho = 0
	e.prices["BTC"] = 43150

	for i, addr := range []string{"0xa", "0xb", "0xc"} {
		e.addVote(OpeningVote{
			Address: addr, Asset: "BTC", Direction: "long",
			EntryPrice: 43100 + float64(i*50), TS: now.Add(-time.Duration(i+1) * 30 * time.Second),
		})
	}
	e.evaluate(context.Background(), "BTC", now, false)

	require.Len(t, sink.rows, 1)
	assert.Equal(t, DecisionCooldown, sink.rows[0].DecisionType)
	assert.Empty(t, store.inserted, "one signal per asset per window")
}

func TestEngineRhoFuncDefaults(t *testing.T) {
	e := bareEngine(nil)
	e.rho = map[string]map[string]float64{
		"0xa": {"0xb": 0.8},
		"0xb": {"0xa": 0.8},
	}
	rho := e.rhoFunc()
	assert.Equal(t, 0.8, rho("0xa", "0xb"))
	assert.Equal(t, 0.8, rho("0xb", "0xa"))
	assert.Equal(t, 0.3, rho("0xa", "0xc"), "unmeasured pairs use the configured default")
}
