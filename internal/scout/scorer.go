package scout

import (
	"fmt"
	"math"
	"sort"
)

// Candidate is an enriched leaderboard trader before scoring.
type Candidate struct {
	Address          string
	Nickname         string
	PnL30d           float64
	ROI30d           float64
	AccountValue     float64
	WeeklyVolume     float64
	OrdersPerDay     float64
	WinRate          float64
	PnLConsistency   float64 // 0..1, rolling daily PnL consistency
	IsSubaccount     bool
	HasBTCETHHistory bool
}

// GateCheck records one quality-gate evaluation.
type GateCheck struct {
	Name        string  `json:"name"`
	Passed      bool    `json:"passed"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description"`
}

// ScoreResult is a candidate with its composite score, gate outcomes, and
// (if selected) normalized weight.
type ScoreResult struct {
	Candidate
	Score  float64     `json:"score"`
	Weight float64     `json:"weight"`
	Rank   int         `json:"rank"`
	Gates  []GateCheck `json:"gates"`
	Passed bool        `json:"passed"`
}

// ScorerConfig holds the seven quality-gate floors and scoring weights.
type ScorerConfig struct {
	MinPnL30d       float64 `yaml:"min_pnl_30d"`       // ≥$10k
	MinROI30d       float64 `yaml:"min_roi_30d"`       // ≥10%
	MinAccountValue float64 `yaml:"min_account_value"` // ≥$100k
	MinWeeklyVolume float64 `yaml:"min_weekly_volume"`
	MaxOrdersPerDay float64 `yaml:"max_orders_per_day"` // HFT filter
	TopK            int     `yaml:"top_k"`              // 12

	StabilityWeight float64 `yaml:"stability_weight"`
	WinRateWeight   float64 `yaml:"win_rate_weight"`
	FrequencyWeight float64 `yaml:"frequency_weight"`
	PnLWeight       float64 `yaml:"pnl_weight"`
	TargetOrdersDay float64 `yaml:"target_orders_day"`
}

// DefaultScorerConfig returns the production gate floors.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MinPnL30d:       10_000,
		MinROI30d:       0.10,
		MinAccountValue: 100_000,
		MinWeeklyVolume: 250_000,
		MaxOrdersPerDay: 200,
		TopK:            12,
		StabilityWeight: 0.30,
		WinRateWeight:   0.25,
		FrequencyWeight: 0.15,
		PnLWeight:       0.30,
		TargetOrdersDay: 10,
	}
}

// Scorer applies the composite score and quality gates.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer creates a scorer.
func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Evaluate runs all seven quality gates and computes the composite score
// for one candidate. Gates are evaluated even after a failure so the full
// picture lands in logs.
func (s *Scorer) Evaluate(c Candidate) ScoreResult {
	res := ScoreResult{Candidate: c}

	gate := func(name string, value, threshold float64, passed bool, desc string) {
		res.Gates = append(res.Gates, GateCheck{
			Name: name, Passed: passed, Value: value, Threshold: threshold, Description: desc,
		})
	}

	gate("pnl_30d", c.PnL30d, s.cfg.MinPnL30d, c.PnL30d >= s.cfg.MinPnL30d,
		fmt.Sprintf("30d PnL $%.0f ≥ $%.0f", c.PnL30d, s.cfg.MinPnL30d))
	gate("roi_30d", c.ROI30d, s.cfg.MinROI30d, c.ROI30d >= s.cfg.MinROI30d,
		fmt.Sprintf("30d ROI %.1f%% ≥ %.1f%%", c.ROI30d*100, s.cfg.MinROI30d*100))
	gate("account_value", c.AccountValue, s.cfg.MinAccountValue, c.AccountValue >= s.cfg.MinAccountValue,
		fmt.Sprintf("account value $%.0f ≥ $%.0f", c.AccountValue, s.cfg.MinAccountValue))
	gate("weekly_volume", c.WeeklyVolume, s.cfg.MinWeeklyVolume, c.WeeklyVolume >= s.cfg.MinWeeklyVolume,
		fmt.Sprintf("weekly volume $%.0f ≥ $%.0f", c.WeeklyVolume, s.cfg.MinWeeklyVolume))
	gate("orders_per_day", c.OrdersPerDay, s.cfg.MaxOrdersPerDay, c.OrdersPerDay <= s.cfg.MaxOrdersPerDay,
		fmt.Sprintf("orders/day %.1f ≤ %.0f", c.OrdersPerDay, s.cfg.MaxOrdersPerDay))
	gate("not_subaccount", boolToF(c.IsSubaccount), 0, !c.IsSubaccount, "no subaccount markers")
	gate("btc_eth_history", boolToF(c.HasBTCETHHistory), 1, c.HasBTCETHHistory, "has BTC/ETH trading history")

	res.Passed = true
	for _, g := range res.Gates {
		if !g.Passed {
			res.Passed = false
			break
		}
	}

	res.Score = s.composite(c)
	return res
}

// composite combines stability, penalized win-rate, frequency
// normalization, and a monotone PnL transform.
func (s *Scorer) composite(c Candidate) float64 {
	stability := clamp01(c.PnLConsistency)
	winScore := penalizedWinRate(c.WinRate, c.WeeklyVolume)

	// Trade frequency is best near the target; both churners and
	// near-inactive accounts score lower.
	freq := 0.0
	if c.OrdersPerDay > 0 {
		freq = 1.0 / (1.0 + math.Abs(math.Log10(c.OrdersPerDay/s.cfg.TargetOrdersDay)))
	}

	// log1p keeps whales from dominating purely on size.
	pnlScore := 0.0
	if c.PnL30d > 0 {
		pnlScore = math.Log1p(c.PnL30d/10_000) / math.Log1p(1_000)
	}
	pnlScore = clamp01(pnlScore)

	return s.cfg.StabilityWeight*stability +
		s.cfg.WinRateWeight*winScore +
		s.cfg.FrequencyWeight*freq +
		s.cfg.PnLWeight*pnlScore
}

// penalizedWinRate discounts suspicious extremes: a perfect win rate on
// large volume usually means martingale or wash behavior, and a near-zero
// win rate means the PnL came from a single outlier.
func penalizedWinRate(wr, weeklyVolume float64) float64 {
	if wr <= 0.05 {
		return 0
	}
	if wr >= 0.95 && weeklyVolume > 1_000_000 {
		return 0.5 * (2.0 - wr) // 0.95→0.525, 1.0→0.5
	}
	return clamp01(wr)
}

// SelectTopK ranks passing candidates by score and normalizes the weights
// of the selected set to sum to 1.0.
func (s *Scorer) SelectTopK(results []ScoreResult) []ScoreResult {
	passed := make([]ScoreResult, 0, len(results))
	for _, r := range results {
		if r.Passed {
			passed = append(passed, r)
		}
	}
	sort.SliceStable(passed, func(i, j int) bool { return passed[i].Score > passed[j].Score })

	k := s.cfg.TopK
	if k > len(passed) {
		k = len(passed)
	}
	selected := passed[:k]

	total := 0.0
	for _, r := range selected {
		total += r.Score
	}
	for i := range selected {
		selected[i].Rank = i + 1
		if total > 0 {
			selected[i].Weight = selected[i].Score / total
		} else {
			selected[i].Weight = 1.0 / float64(len(selected))
		}
	}
	return selected
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
