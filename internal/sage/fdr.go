package sage

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Winsorize clips values beyond k standard deviations from the mean.
// Returns a new slice.
func Winsorize(values []float64, k float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) || std == 0 {
		return append([]float64(nil), values...)
	}
	lo, hi := mean-k*std, mean+k*std
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Min(hi, math.Max(lo, v))
	}
	return out
}

// OneSidedTPValue tests H1: mean > 0 on the sample. Returns 1.0 when the
// sample is too small or degenerate, so unqualifiable traders never pass.
func OneSidedTPValue(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 1.0
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) {
		if mean > 0 {
			return 0.0
		}
		return 1.0
	}
	t := mean / (std / math.Sqrt(float64(n)))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	return 1 - dist.CDF(t)
}

// BenjaminiHochberg applies the BH step-up procedure at level alpha.
// Returns a parallel slice marking which hypotheses are rejected
// (qualified).
func BenjaminiHochberg(pValues []float64, alpha float64) []bool {
	m := len(pValues)
	if m == 0 {
		return nil
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return pValues[order[a]] < pValues[order[b]] })

	// Largest k with p_(k) <= (k/m)*alpha; reject hypotheses 1..k.
	cut := -1
	for rank, idx := range order {
		if pValues[idx] <= float64(rank+1)/float64(m)*alpha {
			cut = rank
		}
	}

	rejected := make([]bool, m)
	for rank := 0; rank <= cut; rank++ {
		rejected[order[rank]] = true
	}
	return rejected
}
