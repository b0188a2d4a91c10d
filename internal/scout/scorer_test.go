package scout

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyCandidate() Candidate {
	return Candidate{
		Address:          "0xabc",
		PnL30d:           50_000,
		ROI30d:           0.25,
		AccountValue:     500_000,
		WeeklyVolume:     1_200_000,
		OrdersPerDay:     12,
		WinRate:          0.58,
		PnLConsistency:   0.7,
		HasBTCETHHistory: true,
	}
}

func TestEvaluatePassesHealthyCandidate(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())
	res := s.Evaluate(healthyCandidate())

	assert.True(t, res.Passed)
	assert.Len(t, res.Gates, 7)
	for _, g := range res.Gates {
		assert.True(t, g.Passed, "gate %s should pass: %s", g.Name, g.Description)
	}
	assert.Greater(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 1.0)
}

func TestEvaluateGateFailures(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	cases := []struct {
		name   string
		mutate func(*Candidate)
		gate   string
	}{
		{"low pnl", func(c *Candidate) { c.PnL30d = 5_000 }, "pnl_30d"},
		{"low roi", func(c *Candidate) { c.ROI30d = 0.05 }, "roi_30d"},
		{"small account", func(c *Candidate) { c.AccountValue = 50_000 }, "account_value"},
		{"thin volume", func(c *Candidate) { c.WeeklyVolume = 100_000 }, "weekly_volume"},
		{"hft churner", func(c *Candidate) { c.OrdersPerDay = 500 }, "orders_per_day"},
		{"subaccount", func(c *Candidate) { c.IsSubaccount = true }, "not_subaccount"},
		{"no btc/eth", func(c *Candidate) { c.HasBTCETHHistory = false }, "btc_eth_history"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := healthyCandidate()
			tc.mutate(&c)
			res := s.Evaluate(c)
			assert.False(t, res.Passed)

			failed := map[string]bool{}
			for _, g := range res.Gates {
				if !g.Passed {
					failed[g.Name] = true
				}
			}
			assert.True(t, failed[tc.gate], "expected gate %s to fail, failed: %v", tc.gate, failed)
			assert.Len(t, failed, 1)
		})
	}
}

func TestPenalizedWinRate(t *testing.T) {
	// Near-zero win rate scores nothing.
	assert.Zero(t, penalizedWinRate(0.03, 500_000))
	assert.Zero(t, penalizedWinRate(0.05, 500_000))

	// Normal range is taken at face value.
	assert.InDelta(t, 0.58, penalizedWinRate(0.58, 500_000), 1e-12)

	// Perfect record on big volume is discounted, not rewarded.
	assert.InDelta(t, 0.525, penalizedWinRate(0.95, 2_000_000), 1e-9)
	assert.InDelta(t, 0.5, penalizedWinRate(1.0, 2_000_000), 1e-9)

	// A perfect record on small volume is plausible and kept.
	assert.InDelta(t, 1.0, penalizedWinRate(1.0, 100_000), 1e-12)
}

func TestCompositeFrequencyPeaksAtTarget(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	at := healthyCandidate()
	at.OrdersPerDay = s.cfg.TargetOrdersDay

	churner := healthyCandidate()
	churner.OrdersPerDay = 150

	sleeper := healthyCandidate()
	sleeper.OrdersPerDay = 0.2

	assert.Greater(t, s.composite(at), s.composite(churner))
	assert.Greater(t, s.composite(at), s.composite(sleeper))
}

func TestSelectTopKNormalizesWeights(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	results := make([]ScoreResult, 0, 20)
	for i := 0; i < 20; i++ {
		c := healthyCandidate()
		c.PnL30d = 20_000 + float64(i)*5_000
		c.WinRate = 0.50 + float64(i)*0.01
		results = append(results, s.Evaluate(c))
	}

	selected := s.SelectTopK(results)
	require.Len(t, selected, s.cfg.TopK)

	total := 0.0
	for i, r := range selected {
		assert.Equal(t, i+1, r.Rank)
		assert.Greater(t, r.Weight, 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, selected[i-1].Score, r.Score)
		}
		total += r.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestSelectTopKDropsFailures(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	good := s.Evaluate(healthyCandidate())
	bad := healthyCandidate()
	bad.IsSubaccount = true

	selected := s.SelectTopK([]ScoreResult{good, s.Evaluate(bad)})
	require.Len(t, selected, 1)
	assert.Equal(t, good.Address, selected[0].Address)
	assert.InDelta(t, 1.0, selected[0].Weight, 1e-12)
}

func TestConsistencyShrinksSmallSamples(t *testing.T) {
	// One green day is far from a proven streak.
	one := consistency(map[string]float64{"2026-01-01": 120})
	assert.Less(t, one, 0.7)
	assert.Greater(t, one, 0.5)

	// Thirty green days approach 1.0.
	many := map[string]float64{}
	for i := 0; i < 30; i++ {
		many[string(rune('a'+i%26))+string(rune('0'+i/26))] = 100
	}
	assert.Greater(t, consistency(many), 0.9)

	assert.Zero(t, consistency(nil))
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	cfg := DefaultScorerConfig()
	sum := cfg.StabilityWeight + cfg.WinRateWeight + cfg.FrequencyWeight + cfg.PnLWeight
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.False(t, math.IsNaN(sum))
}
