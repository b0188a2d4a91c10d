package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Fees are taker fees in basis points.
type Fees struct {
	TakerBps float64 `json:"taker_bps"`
	MakerBps float64 `json:"maker_bps"`
}

// Funding is the current funding rate and its interval. Positive rate:
// longs pay, shorts receive.
type Funding struct {
	Rate     float64       `json:"rate"` // per interval, as a fraction
	Interval time.Duration `json:"interval"`
}

// Static fallbacks used when a venue's dynamic endpoint is unavailable.
var (
	staticFees = map[Exchange]Fees{
		Hyperliquid: {TakerBps: 4.5, MakerBps: 1.5},
		Aster:       {TakerBps: 5.0, MakerBps: 2.0},
		Bybit:       {TakerBps: 5.5, MakerBps: 2.0},
	}
	staticFunding = Funding{Rate: 0.0000125, Interval: time.Hour}
)

const providerTTL = 5 * time.Minute

// CostProvider serves per-venue fees, funding, and orderbook slippage with
// a 5-minute TTL cache. Redis backs the cache when configured; otherwise
// an in-process map. Fetch failures fall back to static values.
type CostProvider struct {
	factory *Factory
	rdb     *redis.Client

	mu    sync.Mutex
	local map[string]cacheEntry
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// NewCostProvider builds a provider; redisURL may be empty.
func NewCostProvider(factory *Factory, redisURL string) *CostProvider {
	p := &CostProvider{factory: factory, local: make(map[string]cacheEntry)}
	if redisURL != "" {
		if opts, err := redis.ParseURL(redisURL); err == nil {
			p.rdb = redis.NewClient(opts)
		} else {
			log.Warn().Err(err).Msg("bad redis url, using in-process provider cache")
		}
	}
	return p
}

// Fees returns the venue's current taker/maker fees.
func (p *CostProvider) Fees(ctx context.Context, ex Exchange, asset string) Fees {
	key := fmt.Sprintf("fees:%s:%s", ex, asset)
	var f Fees
	if p.cached(ctx, key, &f) {
		return f
	}
	f, err := p.fetchFees(ctx, ex, asset)
	if err != nil {
		log.Debug().Err(err).Str("venue", string(ex)).Msg("fees fetch failed, static fallback")
		return staticFees[ex]
	}
	p.store(ctx, key, f)
	return f
}

// FundingRate returns the venue's current funding for the asset.
func (p *CostProvider) FundingRate(ctx context.Context, ex Exchange, asset string) Funding {
	key := fmt.Sprintf("funding:%s:%s", ex, asset)
	var f Funding
	if p.cached(ctx, key, &f) {
		return f
	}
	f, err := p.fetchFunding(ctx, ex, asset)
	if err != nil {
		log.Debug().Err(err).Str("venue", string(ex)).Msg("funding fetch failed, static fallback")
		return staticFunding
	}
	p.store(ctx, key, f)
	return f
}

// SlippageBps walks the venue's live book at the actual notional. Not
// cached: it is sized per signal. On failure a conservative static value
// is returned.
func (p *CostProvider) SlippageBps(ctx context.Context, ex Exchange, asset, direction string, notionalUSD float64) float64 {
	adapter, err := p.factory.Adapter(ex)
	if err != nil {
		return 10.0
	}
	book, err := adapter.OrderBookSnapshot(ctx, asset)
	if err != nil {
		log.Debug().Err(err).Str("venue", string(ex)).Msg("book fetch failed, static slippage")
		return 10.0
	}
	side := book.Asks
	if direction == "short" {
		side = book.Bids
	}
	_, bps, err := WalkBook(side, notionalUSD)
	if err != nil {
		return 10.0
	}
	return bps
}

// FundingCostBps converts a funding rate into a holding cost in bps for
// the given direction. Longs pay positive rates and receive negative
// rates; shorts mirror. Hold time is estimated at 8 hours.
func FundingCostBps(f Funding, direction string) float64 {
	const expectedHold = 8 * time.Hour
	intervals := float64(expectedHold) / float64(f.Interval)
	cost := f.Rate * intervals * 1e4
	if direction == "short" {
		cost = -cost
	}
	return cost
}

func (p *CostProvider) fetchFees(ctx context.Context, ex Exchange, asset string) (Fees, error) {
	adapter, err := p.factory.Adapter(ex)
	if err != nil {
		return Fees{}, err
	}
	// Venues expose fee tiers through their info endpoints; adapters that
	// do not implement the query return ErrNotImplemented and we fall back.
	type feeFetcher interface {
		FeeSchedule(ctx context.Context, asset string) (Fees, error)
	}
	if ff, ok := adapter.(feeFetcher); ok {
		return ff.FeeSchedule(ctx, asset)
	}
	return Fees{}, fmt.Errorf("no dynamic fees for %s", ex)
}

func (p *CostProvider) fetchFunding(ctx context.Context, ex Exchange, asset string) (Funding, error) {
	adapter, err := p.factory.Adapter(ex)
	if err != nil {
		return Funding{}, err
	}
	type fundingFetcher interface {
		CurrentFunding(ctx context.Context, asset string) (Funding, error)
	}
	if ff, ok := adapter.(fundingFetcher); ok {
		return ff.CurrentFunding(ctx, asset)
	}
	return Funding{}, fmt.Errorf("no dynamic funding for %s", ex)
}

func (p *CostProvider) cached(ctx context.Context, key string, out any) bool {
	if p.rdb != nil {
		data, err := p.rdb.Get(ctx, key).Bytes()
		if err == nil && json.Unmarshal(data, out) == nil {
			return true
		}
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.local[key]
	if !ok || time.Now().After(entry.expires) {
		return false
	}
	return json.Unmarshal(entry.data, out) == nil
}

func (p *CostProvider) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if p.rdb != nil {
		if err := p.rdb.Set(ctx, key, data, providerTTL).Err(); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("redis cache set failed")
		}
		return
	}
	p.mu.Lock()
	p.local[key] = cacheEntry{data: data, expires: time.Now().Add(providerTTL)}
	p.mu.Unlock()
}
