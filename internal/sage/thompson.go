package sage

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ThompsonSeed derives the deterministic 64-bit seed for one draw from the
// snapshot date, address, and selection version. The same triple always
// reproduces the same draw.
func ThompsonSeed(snapshotDate time.Time, address string, selectionVersion int) uint64 {
	key := fmt.Sprintf("%s|%s|%d",
		snapshotDate.UTC().Format("2006-01-02"), strings.ToLower(address), selectionVersion)
	h := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(h[:8])
}

// ThompsonDraw samples μ from the posterior: σ² ~ InvGamma(α,β), then
// μ ~ N(m, σ²/κ).
func ThompsonDraw(p NIG, seed uint64) float64 {
	src := rand.NewSource(seed)

	sigma2 := distuv.InverseGamma{Alpha: p.Alpha, Beta: p.Beta, Src: src}.Rand()
	mu := distuv.Normal{Mu: p.M, Sigma: math.Sqrt(sigma2 / p.Kappa), Src: src}.Rand()
	return mu
}
