package sage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var seedDate = time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

func TestThompsonSeedDeterministic(t *testing.T) {
	a := ThompsonSeed(seedDate, "0xabc", 1)
	b := ThompsonSeed(seedDate, "0xABC", 1)
	assert.Equal(t, a, b, "address case does not change the seed")

	assert.NotEqual(t, a, ThompsonSeed(seedDate, "0xabc", 2))
	assert.NotEqual(t, a, ThompsonSeed(seedDate.Add(24*time.Hour), "0xabc", 1))
	assert.NotEqual(t, a, ThompsonSeed(seedDate, "0xdef", 1))
}

func TestThompsonSeedIgnoresTimeOfDay(t *testing.T) {
	noon := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, ThompsonSeed(seedDate, "0xabc", 1), ThompsonSeed(noon, "0xabc", 1))
}

func TestThompsonDrawReproducible(t *testing.T) {
	p := NIG{M: 0.3, Kappa: 12, Alpha: 8, Beta: 2}
	seed := ThompsonSeed(seedDate, "0xabc", 1)

	first := ThompsonDraw(p, seed)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ThompsonDraw(p, seed), "same seed must reproduce the draw exactly")
	}
	assert.NotEqual(t, first, ThompsonDraw(p, seed+1))
}

func TestThompsonDrawConcentratesWithEvidence(t *testing.T) {
	// High kappa and alpha shrink the sampling spread around m.
	tight := NIG{M: 0.5, Kappa: 1000, Alpha: 500, Beta: 1}
	spread := 0.0
	for seed := uint64(1); seed <= 200; seed++ {
		d := ThompsonDraw(tight, seed) - 0.5
		spread += d * d
	}
	loose := NIG{M: 0.5, Kappa: 1, Alpha: 3, Beta: 1}
	looseSpread := 0.0
	for seed := uint64(1); seed <= 200; seed++ {
		d := ThompsonDraw(loose, seed) - 0.5
		looseSpread += d * d
	}
	assert.Less(t, spread, looseSpread)
}

func TestRankCandidatesSelectsTopK(t *testing.T) {
	posteriors := map[string]NIG{
		"0xaaa": {M: 0.8, Kappa: 900, Alpha: 600, Beta: 0.5},
		"0xbbb": {M: -0.6, Kappa: 900, Alpha: 600, Beta: 0.5},
		"0xccc": {M: 0.2, Kappa: 900, Alpha: 600, Beta: 0.5},
	}
	ranked := RankCandidates(seedDate, 1, posteriors, nil, 2)

	assert.Len(t, ranked, 3)
	assert.Equal(t, "0xaaa", ranked[0].Address, "concentrated posteriors rank by mean")
	assert.True(t, ranked[0].Selected)
	assert.True(t, ranked[1].Selected)
	assert.False(t, ranked[2].Selected)
	assert.Equal(t, "0xbbb", ranked[2].Address)
	for i, c := range ranked {
		assert.Equal(t, i+1, c.Rank)
	}
}

func TestRankCandidatesReproducible(t *testing.T) {
	posteriors := map[string]NIG{
		"0xaaa": DefaultPrior(), "0xbbb": DefaultPrior(), "0xccc": DefaultPrior(),
	}
	a := RankCandidates(seedDate, 3, posteriors, nil, 1)
	b := RankCandidates(seedDate, 3, posteriors, nil, 1)
	assert.Equal(t, a, b)
}
