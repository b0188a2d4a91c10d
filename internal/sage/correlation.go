package sage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	corrWindow     = 30 * 24 * time.Hour
	minCommonCount = 10
)

// signVector maps bucket timestamps to sign(net position change).
type signVector map[int64]int

// CorrelationJob computes pairwise trading correlations for the pool.
type CorrelationJob struct {
	repo *Repo
	log  zerolog.Logger
}

// NewCorrelationJob wires the job.
func NewCorrelationJob(repo *Repo, log zerolog.Logger) *CorrelationJob {
	return &CorrelationJob{repo: repo, log: log}
}

// Run executes the job daily until cancelled.
func (j *CorrelationJob) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Compute(ctx); err != nil {
				j.log.Error().Err(err).Msg("correlation job failed")
			}
		}
	}
}

// Compute builds one sign vector per pool address and upserts every
// qualifying pairwise correlation.
func (j *CorrelationJob) Compute(ctx context.Context) error {
	members, err := j.repo.PoolMembers(ctx)
	if err != nil {
		return err
	}
	since := time.Now().UTC().Add(-corrWindow)
	asOf := time.Now().UTC().Truncate(24 * time.Hour)

	vectors := make(map[string]signVector, len(members))
	for _, addr := range members {
		buckets, err := j.repo.PositionBuckets(ctx, addr, since)
		if err != nil {
			return err
		}
		v := signVector{}
		for _, b := range buckets {
			v[b.BucketTS.Unix()] = sign(b.Net)
		}
		vectors[addr] = v
	}

	written := 0
	for i := 0; i < len(members); i++ {
		for k := i + 1; k < len(members); k++ {
			a, b := members[i], members[k]
			rho, n := phiCorrelation(vectors[a], vectors[b])
			if n < minCommonCount {
				continue
			}
			row := CorrelationRow{AsOfDate: asOf, AddrA: a, AddrB: b, Rho: rho, NCommonBuckets: n}
			if err := j.repo.UpsertCorrelation(ctx, row); err != nil {
				return err
			}
			written++
		}
	}
	j.log.Info().Int("pairs", written).Msg("correlation job complete")
	return nil
}

// phiCorrelation correlates two sign vectors over their common non-zero
// buckets. Negative correlation is clipped to zero: anti-correlated
// traders still add independent information.
func phiCorrelation(a, b signVector) (float64, int) {
	var xs, ys []float64
	for ts, sa := range a {
		sb, ok := b[ts]
		if !ok || sa == 0 || sb == 0 {
			continue
		}
		xs = append(xs, float64(sa))
		ys = append(ys, float64(sb))
	}
	n := len(xs)
	if n < minCommonCount {
		return 0, n
	}
	rho := stat.Correlation(xs, ys, nil)
	if rho != rho {
		// Zero variance means constant sign vectors. Two traders who
		// agree in every common bucket are the most correlated pair
		// possible, not an unmeasurable one.
		rho = 0
		if sameSigns(xs, ys) {
			rho = 1
		}
	}
	if rho < 0 {
		rho = 0
	}
	return rho, n
}

func sameSigns(xs, ys []float64) bool {
	for i := range xs {
		if xs[i] != ys[i] {
			return false
		}
	}
	return true
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
