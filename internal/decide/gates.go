package decide

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fzheng/sigmapilot/internal/config"
)

// Vote is one trader's active consensus vote, derived from the opening
// fill of a new episode.
type Vote struct {
	Address    string    `json:"address"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	Weight     float64   `json:"weight"`
	TS         time.Time `json:"ts"`
}

// GateCheck records one consensus-gate evaluation.
type GateCheck struct {
	Name        string  `json:"name"`
	Passed      bool    `json:"passed"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description"`
}

// RhoFunc returns the pairwise correlation for two addresses.
type RhoFunc func(a, b string) float64

// GateInputs carries everything a five-gate evaluation needs. EVFor is
// called once the majority direction and win probability are known, since
// venue EV depends on both.
type GateInputs struct {
	Asset        string
	Votes        []Vote
	Now          time.Time
	CurrentPrice float64
	StopDistance float64 // atr * stop multiplier, regime-adjusted
	Rho          RhoFunc
	EVFor        func(direction string, pWin float64) []VenueEV
	Cfg          config.ConsensusConfig
}

// GateOutcome is the full result of a five-gate evaluation.
type GateOutcome struct {
	Checks      []GateCheck `json:"checks"`
	Passed      bool        `json:"passed"`
	FailedGate  string      `json:"failed_gate,omitempty"`
	Direction   string      `json:"direction"`
	NTraders    int         `json:"n_traders"`
	NAgree      int         `json:"n_agree"`
	MajorityPct float64     `json:"majority_pct"`
	EffectiveK  float64     `json:"effective_k"`
	PWin        float64     `json:"p_win"`
	EntryMedian float64     `json:"entry_median"`
	DriftR      float64     `json:"drift_r"`
	Best        *VenueEV    `json:"best_venue,omitempty"`
}

// EvaluateGates runs the five consensus gates in order. Every gate that
// can be computed is recorded even after a failure, so decision logs show
// the full picture; evaluation marks the first failing gate.
func EvaluateGates(in GateInputs) GateOutcome {
	out := GateOutcome{}
	fail := func(name string) {
		if out.FailedGate == "" {
			out.FailedGate = name
		}
	}

	longW, shortW := 0.0, 0.0
	byAddr := map[string]Vote{}
	for _, v := range in.Votes {
		byAddr[v.Address] = v
		if v.Direction == "long" {
			longW += v.Weight
		} else {
			shortW += v.Weight
		}
	}
	out.NTraders = len(byAddr)

	// Equal weighted votes mean no majority and no signal.
	switch {
	case longW > shortW:
		out.Direction = "long"
	case shortW > longW:
		out.Direction = "short"
	default:
		out.Direction = ""
	}

	var majority []Vote
	majorityW := math.Max(longW, shortW)
	totalW := longW + shortW
	for _, v := range byAddr {
		if v.Direction == out.Direction {
			majority = append(majority, v)
		}
	}
	out.NAgree = len(majority)
	if totalW > 0 {
		out.MajorityPct = majorityW / totalW
	}

	// G1: supermajority.
	g1 := out.Direction != "" && out.MajorityPct >= in.Cfg.MinPct && out.NTraders >= in.Cfg.MinTraders
	out.Checks = append(out.Checks, GateCheck{
		Name: "supermajority", Passed: g1, Value: out.MajorityPct, Threshold: in.Cfg.MinPct,
		Description: fmt.Sprintf("majority %.2f %s %.2f with %d traders (need %d)",
			out.MajorityPct, cmpWord(out.MajorityPct, in.Cfg.MinPct), in.Cfg.MinPct,
			out.NTraders, in.Cfg.MinTraders),
	})
	if !g1 {
		fail("supermajority")
	}

	// G2: effective independent trader count.
	out.EffectiveK = effectiveK(majority, in.Rho)
	g2 := out.EffectiveK >= in.Cfg.MinEffectiveK
	out.Checks = append(out.Checks, GateCheck{
		Name: "effective_k", Passed: g2, Value: out.EffectiveK, Threshold: in.Cfg.MinEffectiveK,
		Description: fmt.Sprintf("effK %.2f %s %.2f after correlation discount",
			out.EffectiveK, cmpWord(out.EffectiveK, in.Cfg.MinEffectiveK), in.Cfg.MinEffectiveK),
	})
	if !g2 {
		fail("effective_k")
	}

	// G3: freshness of the oldest majority vote.
	age := majorityAge(majority, in.Now)
	g3 := len(majority) > 0 && age <= in.Cfg.Freshness
	out.Checks = append(out.Checks, GateCheck{
		Name: "freshness", Passed: g3, Value: age.Seconds(), Threshold: in.Cfg.Freshness.Seconds(),
		Description: fmt.Sprintf("oldest vote %.0fs %s %.0fs window",
			age.Seconds(), cmpWordInv(age.Seconds(), in.Cfg.Freshness.Seconds()), in.Cfg.Freshness.Seconds()),
	})
	if !g3 {
		fail("freshness")
	}

	// G4: price drift from the majority's median entry.
	out.EntryMedian = medianEntry(majority)
	if in.StopDistance > 0 {
		out.DriftR = math.Abs(in.CurrentPrice-out.EntryMedian) / in.StopDistance
	} else {
		out.DriftR = math.Inf(1)
	}
	g4 := out.DriftR <= in.Cfg.MaxPriceDriftR
	out.Checks = append(out.Checks, GateCheck{
		Name: "price_band", Passed: g4, Value: out.DriftR, Threshold: in.Cfg.MaxPriceDriftR,
		Description: fmt.Sprintf("drift %.2fR from median entry %.2f %s %.2fR",
			out.DriftR, out.EntryMedian, cmpWordInv(out.DriftR, in.Cfg.MaxPriceDriftR), in.Cfg.MaxPriceDriftR),
	})
	if !g4 {
		fail("price_band")
	}

	// G5: expected value, best venue wins.
	out.PWin = pWin(out.MajorityPct, out.EffectiveK)
	var evs []VenueEV
	if in.EVFor != nil && out.Direction != "" {
		evs = in.EVFor(out.Direction, out.PWin)
	}
	best := BestVenue(evs)
	evR := math.Inf(-1)
	if best != nil {
		out.Best = best
		evR = best.NetR
	}
	g5 := best != nil && evR >= in.Cfg.EVMinR
	out.Checks = append(out.Checks, GateCheck{
		Name: "expected_value", Passed: g5, Value: evR, Threshold: in.Cfg.EVMinR,
		Description: evDescription(best, evR, in.Cfg.EVMinR),
	})
	if !g5 {
		fail("expected_value")
	}

	out.Passed = out.FailedGate == ""
	return out
}

// effectiveK computes (Σw)² / Σᵢⱼ wᵢ·wⱼ·ρᵢⱼ over the agreeing voters.
// ρᵢᵢ = 1.
func effectiveK(majority []Vote, rho RhoFunc) float64 {
	if len(majority) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range majority {
		sum += v.Weight
	}
	denom := 0.0
	for _, a := range majority {
		for _, b := range majority {
			r := 1.0
			if a.Address != b.Address {
				r = rho(a.Address, b.Address)
			}
			denom += a.Weight * b.Weight * r
		}
	}
	if denom <= 0 {
		return 0
	}
	return sum * sum / denom
}

// pWin maps agreement strength to a win probability, clamped to
// [0.5, 0.85].
func pWin(majorityPct, effK float64) float64 {
	p := 0.5 + 0.3*(majorityPct-0.5)*math.Min(effK/4, 1)
	return math.Max(0.5, math.Min(0.85, p))
}

// medianEntry returns the median majority entry price; an even count
// averages the middle pair.
func medianEntry(majority []Vote) float64 {
	if len(majority) == 0 {
		return 0
	}
	prices := make([]float64, len(majority))
	for i, v := range majority {
		prices[i] = v.EntryPrice
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return (prices[mid-1] + prices[mid]) / 2
}

func majorityAge(majority []Vote, now time.Time) time.Duration {
	if len(majority) == 0 {
		return 0
	}
	oldest := majority[0].TS
	for _, v := range majority[1:] {
		if v.TS.Before(oldest) {
			oldest = v.TS
		}
	}
	return now.Sub(oldest)
}

func evDescription(best *VenueEV, evR, min float64) string {
	if best == nil {
		return fmt.Sprintf("no venue EV available, need %.2fR", min)
	}
	return fmt.Sprintf("EV %+.2fR on %s (fees %.1fbps, slippage %.1fbps, funding %.1fbps) %s %.2fR",
		evR, best.Exchange, best.FeesBps, best.SlippageBps, best.FundingBps, cmpWord(evR, min), min)
}

func cmpWord(v, threshold float64) string {
	if v >= threshold {
		return ">="
	}
	return "<"
}

func cmpWordInv(v, threshold float64) string {
	if v <= threshold {
		return "<="
	}
	return ">"
}
