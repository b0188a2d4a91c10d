package stream

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/metrics"
)

// chainEpsilon absorbs float drift in venue-reported position fields.
const chainEpsilon = 1e-9

// Validator periodically walks each (address, asset) fill chain and
// repairs broken slices by clearing and backfilling from the venue. Repair
// is the single consistency mechanism and is idempotent.
type Validator struct {
	repo       *Repo
	source     FeedSource
	normalizer *Normalizer
	reg        *metrics.Registry
	log        zerolog.Logger
}

// NewValidator wires the chain validator.
func NewValidator(repo *Repo, source FeedSource, normalizer *Normalizer, reg *metrics.Registry, log zerolog.Logger) *Validator {
	return &Validator{repo: repo, source: source, normalizer: normalizer, reg: reg, log: log}
}

// Run validates every tracked slice on the interval until cancelled.
func (v *Validator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Sweep(ctx)
		}
	}
}

// Sweep validates all slices once.
func (v *Validator) Sweep(ctx context.Context) {
	pairs, err := v.repo.TrackedPairs(ctx)
	if err != nil {
		v.log.Error().Err(err).Msg("chain sweep: list pairs")
		return
	}
	for _, p := range pairs {
		if ctx.Err() != nil {
			return
		}
		if err := v.validateSlice(ctx, p.Address, p.Asset); err != nil {
			v.log.Error().Err(err).Str("address", p.Address).Str("asset", p.Asset).Msg("chain validation failed")
		}
	}
}

func (v *Validator) validateSlice(ctx context.Context, address, asset string) error {
	fills, err := v.repo.FillsForChain(ctx, address, asset)
	if err != nil {
		return err
	}
	breakAt, ok := walkChain(fills)
	if ok {
		return nil
	}

	v.log.Warn().Str("address", address).Str("asset", asset).
		Int("break_index", breakAt).Msg("position chain broken, repairing")
	return v.repair(ctx, address, asset)
}

// repair clears the slice and re-ingests the venue's fill history. The
// normalizer's dedup hash makes re-running this on an intact slice a
// no-op beyond the delete+reinsert.
func (v *Validator) repair(ctx context.Context, address, asset string) error {
	history, err := v.source.UserFills(ctx, address)
	if err != nil {
		// Without history the delete would lose data. Keep the broken
		// slice and retry next sweep.
		return err
	}

	if err := v.repo.DeleteSlice(ctx, address, asset); err != nil {
		return err
	}
	if _, err := v.normalizer.Ingest(ctx, address, history); err != nil {
		return err
	}
	v.reg.ChainRepairs.Inc()
	return nil
}

// walkChain checks position continuity across consecutive fills. Returns
// the index of the first fill whose start does not match the prior fill's
// resulting position, or ok=true when the chain holds.
func walkChain(fills []FillRow) (int, bool) {
	for i := 1; i < len(fills); i++ {
		prev := fills[i-1]
		expected := prev.StartPosition + signedSize(prev)
		if math.Abs(fills[i].StartPosition-expected) > chainEpsilon {
			return i, false
		}
	}
	return 0, true
}

func signedSize(f FillRow) float64 {
	if f.Side == "sell" {
		return -f.Size
	}
	return f.Size
}
