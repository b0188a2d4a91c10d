package sage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func vec(signs ...int) signVector {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	v := signVector{}
	for i, s := range signs {
		v[base+int64(i*300)] = s
	}
	return v
}

func TestPhiCorrelationIdenticalTraders(t *testing.T) {
	a := vec(1, -1, 1, 1, -1, 1, -1, 1, 1, -1, 1, 1)
	rho, n := phiCorrelation(a, a)
	assert.Equal(t, 12, n)
	assert.InDelta(t, 1.0, rho, 1e-9)
}

func TestPhiCorrelationOppositeClippedToZero(t *testing.T) {
	a := vec(1, -1, 1, 1, -1, 1, -1, 1, 1, -1, 1, 1)
	b := vec(-1, 1, -1, -1, 1, -1, 1, -1, -1, 1, -1, -1)
	rho, n := phiCorrelation(a, b)
	assert.Equal(t, 12, n)
	assert.Zero(t, rho, "anti-correlation carries independent information")
}

func TestPhiCorrelationConstantCoDirection(t *testing.T) {
	// Long-only copy traders never vary their sign; the sample variance
	// is zero but the pair is perfectly correlated.
	a := vec(1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	rho, n := phiCorrelation(a, a)
	assert.Equal(t, 12, n)
	assert.InDelta(t, 1.0, rho, 1e-9)

	// Constant opposition is clipped like any anti-correlation.
	b := vec(-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1)
	rho, _ = phiCorrelation(a, b)
	assert.Zero(t, rho)

	// One constant and one mixed vector stays unmeasured at zero.
	c := vec(1, -1, 1, 1, -1, 1, -1, 1, 1, -1, 1, 1)
	rho, _ = phiCorrelation(a, c)
	assert.Zero(t, rho)
}

func TestPhiCorrelationRequiresCommonBuckets(t *testing.T) {
	a := vec(1, -1, 1, 1, -1)
	b := vec(1, -1, 1, 1, -1)
	rho, n := phiCorrelation(a, b)
	assert.Equal(t, 5, n)
	assert.Zero(t, rho, "below the 10-bucket floor")
}

func TestPhiCorrelationIgnoresZeroAndDisjointBuckets(t *testing.T) {
	// Zeros and non-overlapping buckets are excluded from the common set.
	a := vec(1, 0, 1, -1, 1, 1, -1, 1, 1, -1, 1, 1)
	b := vec(1, 1, 1, -1, 1, 1, -1, 1, 1, -1, 1, 0)
	_, n := phiCorrelation(a, b)
	assert.Equal(t, 10, n)
}

func TestSign(t *testing.T) {
	assert.Equal(t, 1, sign(0.5))
	assert.Equal(t, -1, sign(-2))
	assert.Equal(t, 0, sign(0))
}
