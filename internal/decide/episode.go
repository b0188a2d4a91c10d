package decide

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

const (
	episodeTimeout    = 7 * 24 * time.Hour
	fallbackStopFrac  = 0.01
	minStopFraction   = 0.001
	maxStopFraction   = 0.10
	timeoutSweepEvery = time.Minute
)

// ATRSource supplies the latest ATR for stop-fraction derivation.
type ATRSource interface {
	LatestATR(ctx context.Context, asset string) (float64, time.Time, error)
}

// episodeStore is the slice of the repository the builder writes through.
type episodeStore interface {
	OpenEpisodes(ctx context.Context) ([]Episode, error)
	InsertEpisode(ctx context.Context, ep Episode) (int64, error)
	UpdateOpenEpisode(ctx context.Context, ep *Episode) error
	CloseEpisode(ctx context.Context, ep *Episode) error
}

// OpeningVote describes a new episode's opening fill, the unit of
// consensus voting.
type OpeningVote struct {
	Address    string
	Asset      string
	Direction  string
	EntryPrice float64
	TS         time.Time
}

// openState is the in-memory view of one open episode plus its exit-side
// accumulators. The DB row is authoritative for the episode itself; the
// accumulators are a derived index rebuilt empty on restart.
type openState struct {
	ep           Episode
	position     float64 // signed running position
	exitSize     float64
	exitNotional float64
	realized     float64
}

// Builder reconstructs position episodes from the normalized fill stream.
// Fills for one address arrive in order, which serializes closes per
// trader.
type Builder struct {
	repo   episodeStore
	atr    ATRSource
	atrCfg config.ATRConfig
	bus    bus.Bus
	reg    *metrics.Registry
	log    zerolog.Logger

	onVote    func(OpeningVote)
	onOutcome func(context.Context, bus.OutcomeEvent)

	mu   sync.Mutex
	open map[string]*openState // address|asset
}

// NewBuilder wires the episode builder. onVote fires for each opening
// fill; onOutcome fires after a close is durably recorded.
func NewBuilder(repo episodeStore, atr ATRSource, atrCfg config.ATRConfig, b bus.Bus, reg *metrics.Registry,
	log zerolog.Logger, onVote func(OpeningVote), onOutcome func(context.Context, bus.OutcomeEvent)) *Builder {
	return &Builder{
		repo: repo, atr: atr, atrCfg: atrCfg, bus: b, reg: reg, log: log,
		onVote: onVote, onOutcome: onOutcome,
		open: map[string]*openState{},
	}
}

// Restore loads open episodes from the store into the in-memory index.
func (b *Builder) Restore(ctx context.Context) error {
	eps, err := b.repo.OpenEpisodes(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range eps {
		st := &openState{ep: ep, position: signedEntry(ep)}
		b.open[stateKey(ep.Address, ep.Asset)] = st
	}
	b.reg.OpenEpisodes.Set(float64(len(b.open)))
	return nil
}

// HandleFill advances the episode state machine for one fill. Re-delivery
// of an already-seen fill is harmless: the fill store is idempotent and
// position arithmetic uses the fill's own start_position.
func (b *Builder) HandleFill(ctx context.Context, f bus.FillEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := stateKey(f.Address, f.Asset)
	st := b.open[key]
	delta := f.SignedSize()
	resulting := f.ResultingPosition()

	if st == nil {
		if resulting == 0 {
			return nil // flat-to-flat fill, nothing to track
		}
		return b.openEpisode(ctx, key, f)
	}

	// Drop duplicates: a redelivered fill's resulting position matches
	// the state we already hold.
	if f.TS.Before(st.ep.LastFillTS) || f.TS.Equal(st.ep.LastFillTS) && resulting == st.position {
		return nil
	}

	sameSide := (st.position > 0) == (delta > 0)
	switch {
	case sameSide:
		// Add: entry VWAP is the size-weighted average.
		total := st.ep.EntrySize + math.Abs(delta)
		st.ep.EntryVWAP = (st.ep.EntryVWAP*st.ep.EntrySize + f.Price*math.Abs(delta)) / total
		st.ep.EntrySize = total
		st.ep.LastFillTS = f.TS
		st.position = resulting
		return b.repo.UpdateOpenEpisode(ctx, &st.ep)

	case resulting == 0:
		b.accumulateExit(st, f)
		st.position = 0
		return b.closeEpisode(ctx, key, st, f.TS, "full_close")

	case (st.position > 0) == (resulting > 0):
		// Partial reduce.
		b.accumulateExit(st, f)
		st.ep.LastFillTS = f.TS
		st.position = resulting
		return b.repo.UpdateOpenEpisode(ctx, &st.ep)

	default:
		// Direction flip: the closing portion belongs to the old episode,
		// the residual opens a new one at this fill's price.
		closing := f
		closing.Size = math.Abs(st.position)
		b.accumulateExit(st, closing)
		if err := b.closeEpisode(ctx, key, st, f.TS, "direction_flip"); err != nil {
			return err
		}
		residual := f
		residual.Size = math.Abs(resulting)
		residual.StartPosition = 0
		return b.openEpisode(ctx, key, residual)
	}
}

func (b *Builder) openEpisode(ctx context.Context, key string, f bus.FillEvent) error {
	direction := "long"
	if f.SignedSize() < 0 {
		direction = "short"
	}
	ep := Episode{
		Address: f.Address, Asset: f.Asset, Direction: direction,
		EntryVWAP: f.Price, EntrySize: f.Size,
		EntryTS: f.TS, LastFillTS: f.TS, Status: "open",
	}
	id, err := b.repo.InsertEpisode(ctx, ep)
	if err != nil {
		return err
	}
	ep.ID = id

	st := &openState{ep: ep, position: signedEntry(ep)}
	b.open[key] = st
	b.reg.OpenEpisodes.Set(float64(len(b.open)))

	if b.onVote != nil {
		b.onVote(OpeningVote{
			Address: f.Address, Asset: f.Asset, Direction: direction,
			EntryPrice: f.Price, TS: f.TS,
		})
	}
	return nil
}

func (b *Builder) accumulateExit(st *openState, f bus.FillEvent) {
	st.exitSize += f.Size
	st.exitNotional += f.Size * f.Price
	if f.RealizedPnL != nil {
		st.realized += *f.RealizedPnL
	}
}

func (b *Builder) closeEpisode(ctx context.Context, key string, st *openState, ts time.Time, reason string) error {
	ep := &st.ep
	if st.exitSize > 0 {
		vwap := st.exitNotional / st.exitSize
		ep.ExitVWAP = &vwap
	}
	ep.ExitTS = &ts
	ep.RealizedPnL = &st.realized
	rr := b.resultR(ctx, ep.Asset, ep.EntryVWAP, ep.EntrySize, st.realized)
	ep.ResultR = &rr
	ep.ClosedReason = &reason

	if err := b.repo.CloseEpisode(ctx, ep); err != nil {
		return err
	}
	delete(b.open, key)
	b.reg.OpenEpisodes.Set(float64(len(b.open)))

	ev := bus.OutcomeEvent{
		EpisodeID: ep.ID, Address: ep.Address, Asset: ep.Asset, Direction: ep.Direction,
		ResultR: rr, RealizedPnL: st.realized, ClosedTS: ts, CloseReason: reason,
	}
	if err := b.bus.Publish(ctx, bus.SubjectOutcomes, ev); err != nil {
		b.reg.BusMessages.WithLabelValues(bus.SubjectOutcomes, "error").Inc()
		b.log.Warn().Err(err).Int64("episode", ep.ID).Msg("outcome publish failed")
	} else {
		b.reg.BusMessages.WithLabelValues(bus.SubjectOutcomes, "ok").Inc()
	}
	if b.onOutcome != nil {
		b.onOutcome(ctx, ev)
	}

	b.log.Info().Str("address", ep.Address).Str("asset", ep.Asset).
		Str("reason", reason).Float64("result_r", rr).Msg("episode closed")
	return nil
}

// resultR converts realized PnL into R-multiples using the ATR-derived
// stop fraction at close time.
func (b *Builder) resultR(ctx context.Context, asset string, entryVWAP, entrySize, realized float64) float64 {
	frac := b.stopFraction(ctx, asset, entryVWAP)
	risk := entryVWAP * entrySize * frac
	if risk == 0 {
		return 0
	}
	return realized / risk
}

// stopFraction derives the per-asset stop fraction from the current ATR,
// bounded to [0.001, 0.10]. Falls back to 1% when the ATR is missing or
// stale.
func (b *Builder) stopFraction(ctx context.Context, asset string, refPrice float64) float64 {
	atr, ts, err := b.atr.LatestATR(ctx, asset)
	if err != nil || refPrice <= 0 {
		return fallbackStopFrac
	}
	if time.Since(ts) > b.atrCfg.MaxStaleness {
		if b.atrCfg.StrictMode {
			return fallbackStopFrac
		}
	}
	frac := atr * b.atrCfg.Multiplier(asset) / refPrice
	return clampStopFraction(frac)
}

// SweepTimeouts force-closes episodes idle past the cutoff.
func (b *Builder) SweepTimeouts(ctx context.Context, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, st := range b.open {
		if now.Sub(st.ep.LastFillTS) <= episodeTimeout {
			continue
		}
		st.realized = 0
		st.exitSize = 0
		if err := b.closeEpisode(ctx, key, st, now, "timeout"); err != nil {
			b.log.Error().Err(err).Str("key", key).Msg("timeout close failed")
		}
	}
}

// RunTimeoutSweep sweeps every minute until cancelled.
func (b *Builder) RunTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(timeoutSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepTimeouts(ctx, time.Now().UTC())
		}
	}
}

func clampStopFraction(frac float64) float64 {
	return math.Max(minStopFraction, math.Min(maxStopFraction, frac))
}

func signedEntry(ep Episode) float64 {
	if ep.Direction == "short" {
		return -ep.EntrySize
	}
	return ep.EntrySize
}

func stateKey(address, asset string) string {
	return fmt.Sprintf("%s|%s", address, asset)
}
