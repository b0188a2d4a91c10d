package sage

import (
	"math"

	"github.com/fzheng/sigmapilot/internal/config"
)

// posteriorEps guards against degenerate parameters after an update.
const posteriorEps = 1e-9

// NIG is a Normal-Inverse-Gamma posterior over a trader's R-multiple
// distribution.
type NIG struct {
	M     float64 `db:"m" json:"m"`
	Kappa float64 `db:"kappa" json:"kappa"`
	Alpha float64 `db:"alpha" json:"alpha"`
	Beta  float64 `db:"beta" json:"beta"`
}

// DefaultPrior is the posterior assigned to a never-before-seen trader.
func DefaultPrior() NIG {
	return NIG{M: 0, Kappa: 1, Alpha: 3, Beta: 1}
}

// Update folds one observed R-multiple into the posterior and returns the
// result. All four parameters derive from the pre-update values.
func (p NIG) Update(r float64) NIG {
	kappa := p.Kappa + 1
	next := NIG{
		Kappa: kappa,
		M:     (p.Kappa*p.M + r) / kappa,
		Alpha: p.Alpha + 0.5,
		Beta:  p.Beta + (p.Kappa*(r-p.M)*(r-p.M))/(2*kappa),
	}
	next.Kappa = math.Max(next.Kappa, 1+posteriorEps)
	next.Alpha = math.Max(next.Alpha, 1+posteriorEps)
	next.Beta = math.Max(next.Beta, posteriorEps)
	return next
}

// Mean returns the posterior expectation of μ.
func (p NIG) Mean() float64 { return p.M }

// VoteWeight maps the posterior's evidence mass to a consensus vote
// weight in (0, cfg.Max]. Log mode saturates toward the cap as evidence
// accumulates; linear mode reaches it at kappa = log_base. Equity mode
// uses the log curve: Sage has no account surface to read equity from.
func (p NIG) VoteWeight(cfg config.VoteWeightConfig) float64 {
	base := cfg.LogBase
	if base <= 0 {
		base = 10
	}
	var w float64
	switch cfg.Mode {
	case "linear":
		w = p.Kappa / base
	default:
		w = p.Kappa / (p.Kappa + base)
	}
	if cfg.Max > 0 && w > cfg.Max {
		return cfg.Max
	}
	return w
}
