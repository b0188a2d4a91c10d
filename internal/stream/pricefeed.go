package stream

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	pricePollInterval = 5 * time.Second
	atrPeriod         = 14
)

// MidSource supplies current mid prices keyed by asset.
type MidSource interface {
	AllMids(ctx context.Context) (map[string]float64, error)
}

// PriceFeed polls mids for the tracked assets, caches the latest value for
// the fan-out hub, and writes minute bars with a rolling Wilder ATR.
type PriceFeed struct {
	source MidSource
	repo   *Repo
	hub    *Hub
	log    zerolog.Logger

	mu         sync.RWMutex
	lastMid    map[string]float64
	lastMinute map[string]time.Time
}

// NewPriceFeed wires the feed.
func NewPriceFeed(source MidSource, repo *Repo, hub *Hub, log zerolog.Logger) *PriceFeed {
	return &PriceFeed{
		source: source, repo: repo, hub: hub, log: log,
		lastMid:    map[string]float64{},
		lastMinute: map[string]time.Time{},
	}
}

// Mid returns the last observed mid for an asset.
func (p *PriceFeed) Mid(asset string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.lastMid[asset]
	return v, ok
}

// Run polls until cancelled.
func (p *PriceFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(pricePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PriceFeed) poll(ctx context.Context) {
	mids, err := p.source.AllMids(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("mid poll failed")
		return
	}

	now := time.Now().UTC()
	for asset := range trackedAssets {
		mid, ok := mids[asset]
		if !ok {
			continue
		}
		p.mu.Lock()
		p.lastMid[asset] = mid
		p.mu.Unlock()
		p.hub.SetPrice(asset, mid)

		p.maybeWriteBar(ctx, asset, mid, now)
	}
}

// maybeWriteBar writes one bar per asset per minute. Late or repeated
// writes for the same minute are clean upserts.
func (p *PriceFeed) maybeWriteBar(ctx context.Context, asset string, mid float64, now time.Time) {
	minute := now.Truncate(time.Minute)

	p.mu.Lock()
	if p.lastMinute[asset].Equal(minute) {
		p.mu.Unlock()
		return
	}
	p.lastMinute[asset] = minute
	p.mu.Unlock()

	history, err := p.repo.RecentBars(ctx, asset, atrPeriod+1)
	if err != nil {
		p.log.Warn().Err(err).Str("asset", asset).Msg("bar history fetch failed")
		history = nil
	}
	atr := nextATR(history, mid)

	bar := MinuteBar{Asset: asset, MinuteTS: minute, MidPrice: mid, ATR14: atr}
	if err := p.repo.UpsertMinuteBar(ctx, bar); err != nil {
		p.log.Error().Err(err).Str("asset", asset).Msg("bar upsert failed")
	}
}

// nextATR computes the Wilder-smoothed ATR for a new bar closing at mid.
// True range over mid-only bars is the absolute minute-to-minute move.
// Returns nil until enough history exists to seed the average.
func nextATR(history []MinuteBar, mid float64) *float64 {
	if len(history) == 0 {
		return nil
	}
	prev := history[len(history)-1]
	tr := math.Abs(mid - prev.MidPrice)

	// Smooth from the previous value once seeded.
	if prev.ATR14 != nil {
		atr := (*prev.ATR14*(atrPeriod-1) + tr) / atrPeriod
		return &atr
	}

	// Seed with a simple average once 14 true ranges are available.
	if len(history) < atrPeriod {
		return nil
	}
	sum := tr
	for i := 1; i < len(history); i++ {
		sum += math.Abs(history[i].MidPrice - history[i-1].MidPrice)
	}
	atr := sum / float64(len(history))
	return &atr
}
