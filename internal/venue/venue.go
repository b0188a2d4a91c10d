package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Exchange identifies an execution venue.
type Exchange string

const (
	Hyperliquid Exchange = "hyperliquid"
	Aster       Exchange = "aster"
	Bybit       Exchange = "bybit"
)

// All lists every configured execution venue, in config tie-break order.
var All = []Exchange{Hyperliquid, Aster, Bybit}

var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Balance is the normalized account state used by the risk governor.
// Venues reporting USDT balances are treated 1:1 as USD.
type Balance struct {
	AccountValue      float64 `json:"account_value"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	Withdrawable      float64 `json:"withdrawable"`
}

// Position is an open venue position; Size is signed (longs positive).
type Position struct {
	Asset         string  `json:"asset"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	NotionalUSD   float64 `json:"notional_usd"`
	LiquidationPx float64 `json:"liquidation_px"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// OrderRequest describes a market order with a slippage tolerance.
type OrderRequest struct {
	Asset             string
	Side              string // buy | sell
	Size              float64
	SlippageTolerance float64 // fraction, e.g. 0.01
	ReduceOnly        bool
}

// OrderResult is the parsed fill response.
type OrderResult struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	Status     string
}

// StopPairRequest places a native stop-loss and take-profit pair.
type StopPairRequest struct {
	Asset           string
	Direction       string // long | short
	Size            float64
	StopPrice       float64
	TakeProfitPrice float64
}

// StopPair holds the native order ids of a placed SL/TP pair.
type StopPair struct {
	SLOrderID string `json:"sl_order_id"`
	TPOrderID string `json:"tp_order_id"`
}

// OrderBook is one side-aggregated L2 snapshot used for slippage walks.
type OrderBook struct {
	Bids []BookLevel // descending price
	Asks []BookLevel // ascending price
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price float64
	Size  float64
}

// Adapter is the venue capability set the executor routes against.
type Adapter interface {
	Name() Exchange
	Connect(ctx context.Context) error
	Balance(ctx context.Context) (*Balance, error)
	Positions(ctx context.Context) ([]Position, error)
	OpenMarket(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CloseMarket(ctx context.Context, asset string, size float64) (*OrderResult, error)
	SetLeverage(ctx context.Context, asset string, leverage int) error
	SupportsNativeStops() bool
	PlaceStopPair(ctx context.Context, req StopPairRequest) (*StopPair, error)
	CancelStops(ctx context.Context, asset string, pair *StopPair) error
	MarkPrice(ctx context.Context, asset string) (float64, error)
	OrderBookSnapshot(ctx context.Context, asset string) (*OrderBook, error)
	FormatSize(asset string, size float64) float64
}

// Credentials carries per-venue API secrets.
type Credentials struct {
	HyperliquidKey string
	AsterKey       string
	AsterSecret    string
	BybitKey       string
	BybitSecret    string
}

// Factory builds adapters and shares one process-wide rate limiter and
// per-venue circuit breakers across them.
type Factory struct {
	limiter  *Limiter
	creds    Credentials
	breakers map[Exchange]*Breaker
}

// NewFactory creates a factory with a shared venue-call rate limiter.
func NewFactory(creds Credentials, rps float64) *Factory {
	f := &Factory{
		limiter:  NewLimiter(rps, 2),
		creds:    creds,
		breakers: make(map[Exchange]*Breaker),
	}
	for _, ex := range All {
		f.breakers[ex] = NewBreaker(string(ex))
	}
	return f
}

// Adapter returns a venue adapter for the exchange enum.
func (f *Factory) Adapter(ex Exchange) (Adapter, error) {
	switch ex {
	case Hyperliquid:
		return NewHyperliquidAdapter(f.creds.HyperliquidKey, f.limiter, f.breakers[ex]), nil
	case Aster:
		return NewAsterAdapter(f.creds.AsterKey, f.creds.AsterSecret, f.limiter, f.breakers[ex]), nil
	case Bybit:
		return NewBybitAdapter(f.creds.BybitKey, f.creds.BybitSecret, f.limiter, f.breakers[ex]), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, ex)
	}
}

// WalkBook estimates average execution price for a notional taken from one
// side of the book. Returns the VWAP of consumed levels and slippage in
// basis points relative to the touch.
func WalkBook(levels []BookLevel, notionalUSD float64) (avgPrice, slippageBps float64, err error) {
	if len(levels) == 0 {
		return 0, 0, errors.New("empty book side")
	}
	touch := levels[0].Price
	remaining := notionalUSD
	cost, qty := 0.0, 0.0
	for _, lv := range levels {
		levelNotional := lv.Price * lv.Size
		take := math.Min(levelNotional, remaining)
		cost += take
		qty += take / lv.Price
		remaining -= take
		if remaining <= 1e-9 {
			break
		}
	}
	if remaining > 1e-9 {
		return 0, 0, fmt.Errorf("book depth exhausted: %.0f USD unfilled", remaining)
	}
	avgPrice = cost / qty
	slippageBps = math.Abs(avgPrice-touch) / touch * 1e4
	return avgPrice, slippageBps, nil
}
