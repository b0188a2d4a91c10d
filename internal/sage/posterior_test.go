package sage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fzheng/sigmapilot/internal/config"
)

func TestUpdateFromPrior(t *testing.T) {
	// One observation of r=1.0 against the default prior.
	p := DefaultPrior().Update(1.0)

	assert.InDelta(t, 2.0, p.Kappa, 1e-12)
	assert.InDelta(t, 0.5, p.M, 1e-12)
	assert.InDelta(t, 3.5, p.Alpha, 1e-12)
	assert.InDelta(t, 1.25, p.Beta, 1e-12)
}

func TestUpdateSequenceAccumulatesEvidence(t *testing.T) {
	p := DefaultPrior()
	for _, r := range []float64{0.5, -0.3, 1.2, 0.1} {
		p = p.Update(r)
	}

	assert.InDelta(t, 5.0, p.Kappa, 1e-12)
	assert.InDelta(t, 5.0, p.Alpha, 1e-12)
	// Posterior mean is the evidence-weighted average of prior mean 0 and
	// the observations.
	assert.InDelta(t, (0.5-0.3+1.2+0.1)/5.0, p.M, 1e-12)
	assert.Greater(t, p.Beta, 1.0)
}

func TestUpdateClampsDegenerate(t *testing.T) {
	// A corrupted posterior recovers to valid parameters on update.
	p := NIG{M: 0, Kappa: -5, Alpha: 0, Beta: -1}
	next := p.Update(0.0)

	assert.GreaterOrEqual(t, next.Kappa, 1.0)
	assert.GreaterOrEqual(t, next.Alpha, 1.0)
	assert.Greater(t, next.Beta, 0.0)
}

func TestUpdateMatchedObservationShrinksNothing(t *testing.T) {
	// Observing exactly the posterior mean adds no spread to beta.
	p := NIG{M: 0.4, Kappa: 3, Alpha: 4, Beta: 2}
	next := p.Update(0.4)

	assert.InDelta(t, 0.4, next.M, 1e-12)
	assert.InDelta(t, 2.0, next.Beta, 1e-12)
}

func TestVoteWeight(t *testing.T) {
	logCfg := config.VoteWeightConfig{Mode: "log", LogBase: 10, Max: 1.0}
	assert.InDelta(t, 1.0/11.0, DefaultPrior().VoteWeight(logCfg), 1e-12)

	heavy := NIG{Kappa: 90}
	assert.InDelta(t, 0.9, heavy.VoteWeight(logCfg), 1e-12)

	capped := logCfg
	capped.Max = 0.5
	assert.InDelta(t, 0.5, heavy.VoteWeight(capped), 1e-12, "weight is capped")

	linear := config.VoteWeightConfig{Mode: "linear", LogBase: 10, Max: 1.0}
	assert.InDelta(t, 0.3, NIG{Kappa: 3}.VoteWeight(linear), 1e-12)
	assert.InDelta(t, 1.0, heavy.VoteWeight(linear), 1e-12, "linear saturates at the cap")
}
