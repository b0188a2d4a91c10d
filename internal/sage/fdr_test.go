package sage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinsorizeClipsOutliers(t *testing.T) {
	values := []float64{0.1, 0.2, 0.15, 0.12, 0.18, 50.0}
	w := Winsorize(values, 3.0)

	require.Len(t, w, len(values))
	assert.Less(t, w[5], 50.0, "outlier is pulled in")
	for i := 0; i < 5; i++ {
		assert.Equal(t, values[i], w[i], "inliers untouched")
	}
}

func TestWinsorizeDegenerate(t *testing.T) {
	assert.Nil(t, Winsorize(nil, 3.0))
	same := Winsorize([]float64{0.5, 0.5, 0.5}, 3.0)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, same)
}

func TestOneSidedTPValue(t *testing.T) {
	// A consistently positive sample gives a small p-value.
	positive := []float64{0.4, 0.5, 0.3, 0.6, 0.45, 0.55, 0.35, 0.5}
	assert.Less(t, OneSidedTPValue(positive), 0.01)

	// A zero-centered sample gives a large one.
	mixed := []float64{0.4, -0.5, 0.3, -0.6, 0.45, -0.35}
	assert.Greater(t, OneSidedTPValue(mixed), 0.2)

	// A consistently negative sample approaches 1.
	negative := []float64{-0.4, -0.5, -0.3, -0.6}
	assert.Greater(t, OneSidedTPValue(negative), 0.9)

	assert.Equal(t, 1.0, OneSidedTPValue([]float64{0.5}), "single observation never qualifies")
	assert.Equal(t, 1.0, OneSidedTPValue(nil))
}

func TestBenjaminiHochberg(t *testing.T) {
	// Classic step-up: with m=5 at alpha=0.10, thresholds are
	// 0.02, 0.04, 0.06, 0.08, 0.10.
	p := []float64{0.01, 0.035, 0.07, 0.20, 0.90}
	rejected := BenjaminiHochberg(p, 0.10)

	assert.Equal(t, []bool{true, true, false, false, false}, rejected)
}

func TestBenjaminiHochbergStepUpRescuesEarlier(t *testing.T) {
	// p=0.055 exceeds its rank-2 threshold 0.0667's lower neighbors, but
	// rank 3 passing at 0.10 rejects everything below it.
	p := []float64{0.01, 0.055, 0.058}
	rejected := BenjaminiHochberg(p, 0.10)
	assert.Equal(t, []bool{true, true, true}, rejected)
}

func TestBenjaminiHochbergNoneAndAll(t *testing.T) {
	assert.Equal(t, []bool{false, false}, BenjaminiHochberg([]float64{0.5, 0.9}, 0.10))
	assert.Equal(t, []bool{true, true}, BenjaminiHochberg([]float64{0.001, 0.002}, 0.10))
	assert.Nil(t, BenjaminiHochberg(nil, 0.10))
}
