package decide

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Regime is the coarse market state used to scale stops and sizing.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

const (
	regimeShortMA     = 20
	regimeLongMA      = 50
	regimeATRLookback = 60
	regimeRefresh     = time.Minute
)

// StopMultiplier widens stops in trends and volatility, tightens them in
// ranges.
func (r Regime) StopMultiplier() float64 {
	switch r {
	case RegimeTrending:
		return 1.2
	case RegimeRanging:
		return 0.8
	case RegimeVolatile:
		return 1.5
	default:
		return 1.0
	}
}

// KellyMultiplier discounts sizing outside of clean trends.
func (r Regime) KellyMultiplier() float64 {
	switch r {
	case RegimeTrending:
		return 1.0
	case RegimeRanging:
		return 0.75
	case RegimeVolatile:
		return 0.5
	default:
		return 1.0
	}
}

// ConfidenceMultiplier raises the signal-confidence floor when conditions
// make the win-rate estimate less reliable.
func (r Regime) ConfidenceMultiplier() float64 {
	switch r {
	case RegimeRanging:
		return 1.05
	case RegimeVolatile:
		return 1.15
	default:
		return 1.0
	}
}

// ClassifyRegime derives the regime from minute bars, oldest-first.
// Volatility wins over trend: an ATR blowout flags volatile even when the
// moving averages are split. Fewer than regimeLongMA bars is unknown.
func ClassifyRegime(bars []Bar) Regime {
	if len(bars) < regimeLongMA {
		return RegimeUnknown
	}

	last := bars[len(bars)-1]
	if last.ATR14 != nil {
		var sum float64
		var n int
		start := len(bars) - regimeATRLookback
		if start < 0 {
			start = 0
		}
		for _, b := range bars[start:] {
			if b.ATR14 != nil {
				sum += *b.ATR14
				n++
			}
		}
		if n > 0 {
			avg := sum / float64(n)
			if avg > 0 && *last.ATR14/avg > 1.5 {
				return RegimeVolatile
			}
		}
	}

	maShort := meanMid(bars[len(bars)-regimeShortMA:])
	maLong := meanMid(bars[len(bars)-regimeLongMA:])
	if maLong == 0 {
		return RegimeUnknown
	}

	spread := math.Abs(maShort-maLong) / maLong
	if spread > 0.002 {
		return RegimeTrending
	}
	if compressedRange(bars[len(bars)-regimeLongMA:]) {
		return RegimeRanging
	}
	return RegimeUnknown
}

func meanMid(bars []Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.MidPrice
	}
	return sum / float64(len(bars))
}

// compressedRange reports whether the window's high-low span is under 1%
// of its midpoint.
func compressedRange(bars []Bar) bool {
	if len(bars) == 0 {
		return false
	}
	lo, hi := bars[0].MidPrice, bars[0].MidPrice
	for _, b := range bars[1:] {
		lo = math.Min(lo, b.MidPrice)
		hi = math.Max(hi, b.MidPrice)
	}
	mid := (lo + hi) / 2
	return mid > 0 && (hi-lo)/mid < 0.01
}

// RegimeDetector caches a per-asset regime, refreshed from minute bars
// once a minute.
type RegimeDetector struct {
	repo   *Repo
	assets []string
	log    zerolog.Logger

	mu      sync.RWMutex
	current map[string]Regime
}

func NewRegimeDetector(repo *Repo, assets []string, log zerolog.Logger) *RegimeDetector {
	return &RegimeDetector{
		repo: repo, assets: assets, log: log,
		current: map[string]Regime{},
	}
}

// Current returns the cached regime for the asset, unknown before the
// first refresh.
func (d *RegimeDetector) Current(asset string) Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.current[asset]; ok {
		return r
	}
	return RegimeUnknown
}

// Refresh reclassifies every tracked asset.
func (d *RegimeDetector) Refresh(ctx context.Context) {
	for _, asset := range d.assets {
		bars, err := d.repo.RecentBars(ctx, asset, regimeATRLookback)
		if err != nil {
			d.log.Warn().Err(err).Str("asset", asset).Msg("regime bar fetch failed")
			continue
		}
		regime := ClassifyRegime(bars)
		d.mu.Lock()
		prev := d.current[asset]
		d.current[asset] = regime
		d.mu.Unlock()
		if prev != regime {
			d.log.Info().Str("asset", asset).Str("from", string(prev)).
				Str("to", string(regime)).Msg("regime change")
		}
	}
}

// Run refreshes on a fixed cadence until cancelled.
func (d *RegimeDetector) Run(ctx context.Context) error {
	d.Refresh(ctx)
	ticker := time.NewTicker(regimeRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Refresh(ctx)
		}
	}
}
