package decide

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/config"
)

// SizeResult is the sizing decision for an approved signal.
type SizeResult struct {
	NotionalUSD float64 `json:"notional_usd"`
	Fraction    float64 `json:"fraction"` // of equity
	Method      string  `json:"method"`   // kelly | fallback
	KellyRaw    float64 `json:"kelly_raw"`
	RegimeMult  float64 `json:"regime_mult"`
}

// Sizer converts win probability and payoff into a position notional
// using fractional Kelly, discounted by regime.
type Sizer struct {
	repo  *Repo
	kelly config.KellyConfig
	risk  config.RiskConfig
	log   zerolog.Logger
}

func NewSizer(repo *Repo, kelly config.KellyConfig, risk config.RiskConfig, log zerolog.Logger) *Sizer {
	return &Sizer{repo: repo, kelly: kelly, risk: risk, log: log}
}

// Size computes the notional for a signal. Kelly needs history to trust
// its own p estimate, so below the episode floor a flat fallback fraction
// applies. The result never exceeds the per-position cap.
func (s *Sizer) Size(ctx context.Context, equityUSD, pWin, rRatio float64, regime Regime) (*SizeResult, error) {
	if equityUSD <= 0 {
		return nil, fmt.Errorf("non-positive equity %.2f", equityUSD)
	}

	res := &SizeResult{RegimeMult: regime.KellyMultiplier()}

	// The confidence floor scales with regime before any capital is risked.
	if floor := s.risk.MinConfidence * regime.ConfidenceMultiplier(); pWin < floor {
		res.Method = "confidence_floor"
		s.log.Debug().Float64("p_win", pWin).Float64("floor", floor).
			Str("regime", string(regime)).Msg("below confidence floor")
		return res, nil
	}

	closed, err := s.repo.ClosedEpisodeCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("closed episode count: %w", err)
	}

	if !s.kelly.Enabled || closed < s.kelly.MinEpisodes {
		res.Method = "fallback"
		res.Fraction = s.kelly.FallbackPct
	} else {
		res.Method = "kelly"
		res.KellyRaw = kellyFraction(pWin, rRatio)
		res.Fraction = res.KellyRaw * s.kelly.Fraction * res.RegimeMult
	}

	if res.Fraction < 0 {
		res.Fraction = 0
	}
	if res.Fraction > s.risk.MaxPositionPct {
		res.Fraction = s.risk.MaxPositionPct
	}
	res.NotionalUSD = equityUSD * res.Fraction

	s.log.Debug().Str("method", res.Method).Float64("fraction", res.Fraction).
		Float64("notional", res.NotionalUSD).Msg("position sized")
	return res, nil
}

// kellyFraction is the classic f = p - (1-p)/b with payoff ratio b.
func kellyFraction(pWin, rRatio float64) float64 {
	if rRatio <= 0 {
		return 0
	}
	return math.Max(0, pWin-(1-pWin)/rRatio)
}
