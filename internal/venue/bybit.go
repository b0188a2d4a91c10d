package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const bybitAPIBase = "https://api.bybit.com"

// BybitAdapter implements the v5 unified-account API. USDT balances are
// treated 1:1 as USD per the platform normalization rule.
type BybitAdapter struct {
	http    *http.Client
	limiter *Limiter
	breaker *Breaker
	key     string
	secret  string
	baseURL string
}

// NewBybitAdapter builds a Bybit v5 adapter.
func NewBybitAdapter(key, secret string, limiter *Limiter, breaker *Breaker) *BybitAdapter {
	return &BybitAdapter{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		breaker: breaker,
		key:     key,
		secret:  secret,
		baseURL: bybitAPIBase,
	}
}

// WithBaseURL overrides the API base for tests.
func (b *BybitAdapter) WithBaseURL(u string) *BybitAdapter {
	b.baseURL = u
	return b
}

func (b *BybitAdapter) Name() Exchange { return Bybit }

func (b *BybitAdapter) Connect(ctx context.Context) error {
	_, err := b.MarkPrice(ctx, "BTC")
	return err
}

func (b *BybitAdapter) symbol(asset string) string { return strings.ToUpper(asset) + "USDT" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.breaker.Execute(func() (any, error) {
		var bodyStr string
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			bodyStr = string(raw)
		}

		u := b.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, strings.NewReader(bodyStr))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		if b.key != "" {
			ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
			recv := "5000"
			payload := ts + b.key + recv
			if method == http.MethodGet {
				payload += query.Encode()
			} else {
				payload += bodyStr
			}
			mac := hmac.New(sha256.New, []byte(b.secret))
			mac.Write([]byte(payload))
			req.Header.Set("X-BAPI-API-KEY", b.key)
			req.Header.Set("X-BAPI-TIMESTAMP", ts)
			req.Header.Set("X-BAPI-RECV-WINDOW", recv)
			req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := b.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("rate limited (429)")
		}
		var env bybitEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, err
		}
		if env.RetCode != 0 {
			return nil, fmt.Errorf("bybit retCode %d: %s", env.RetCode, env.RetMsg)
		}
		if out != nil {
			return nil, json.Unmarshal(env.Result, out)
		}
		return nil, nil
	})
	return err
}

func (b *BybitAdapter) MarkPrice(ctx context.Context, asset string) (float64, error) {
	var result struct {
		List []struct {
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {b.symbol(asset)}}
	if err := b.call(ctx, http.MethodGet, "/v5/market/tickers", q, nil, &result); err != nil {
		return 0, fmt.Errorf("bybit tickers %s: %w", asset, err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no ticker for %s", asset)
	}
	return parseF(result.List[0].MarkPrice), nil
}

func (b *BybitAdapter) OrderBookSnapshot(ctx context.Context, asset string) (*OrderBook, error) {
	var result struct {
		Bids [][2]string `json:"b"`
		Asks [][2]string `json:"a"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {b.symbol(asset)}, "limit": {"50"}}
	if err := b.call(ctx, http.MethodGet, "/v5/market/orderbook", q, nil, &result); err != nil {
		return nil, fmt.Errorf("bybit orderbook %s: %w", asset, err)
	}
	conv := func(in [][2]string) []BookLevel {
		out := make([]BookLevel, 0, len(in))
		for _, lv := range in {
			out = append(out, BookLevel{Price: parseF(lv[0]), Size: parseF(lv[1])})
		}
		return out
	}
	return &OrderBook{Bids: conv(result.Bids), Asks: conv(result.Asks)}, nil
}

func (b *BybitAdapter) Balance(ctx context.Context) (*Balance, error) {
	var result struct {
		List []struct {
			TotalEquity            string `json:"totalEquity"`
			TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
			TotalAvailableBalance  string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	q := url.Values{"accountType": {"UNIFIED"}}
	if err := b.call(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, &result); err != nil {
		return nil, fmt.Errorf("bybit balance: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("empty wallet balance")
	}
	acct := result.List[0]
	return &Balance{
		AccountValue:      parseF(acct.TotalEquity),
		MaintenanceMargin: parseF(acct.TotalMaintenanceMargin),
		Withdrawable:      parseF(acct.TotalAvailableBalance),
	}, nil
}

func (b *BybitAdapter) Positions(ctx context.Context) ([]Position, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy | Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			PositionValue string `json:"positionValue"`
			LiqPrice      string `json:"liqPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "settleCoin": {"USDT"}}
	if err := b.call(ctx, http.MethodGet, "/v5/position/list", q, nil, &result); err != nil {
		return nil, fmt.Errorf("bybit positions: %w", err)
	}
	var out []Position
	for _, p := range result.List {
		sz := parseF(p.Size)
		if sz == 0 {
			continue
		}
		if p.Side == "Sell" {
			sz = -sz
		}
		out = append(out, Position{
			Asset:         strings.TrimSuffix(p.Symbol, "USDT"),
			Size:          sz,
			EntryPrice:    parseF(p.AvgPrice),
			NotionalUSD:   math.Abs(parseF(p.PositionValue)),
			LiquidationPx: parseF(p.LiqPrice),
			UnrealizedPnL: parseF(p.UnrealisedPnl),
		})
	}
	return out, nil
}

func (b *BybitAdapter) OpenMarket(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "Buy"
	if req.Side == "sell" {
		side = "Sell"
	}
	body := map[string]any{
		"category":   "linear",
		"symbol":     b.symbol(req.Asset),
		"side":       side,
		"orderType":  "Market",
		"qty":        strconv.FormatFloat(b.FormatSize(req.Asset, req.Size), 'f', -1, 64),
		"reduceOnly": req.ReduceOnly,
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, http.MethodPost, "/v5/order/create", nil, body, &result); err != nil {
		return nil, fmt.Errorf("bybit open %s %s: %w", req.Side, req.Asset, err)
	}
	// Market orders fill immediately on bybit; the fill price is read back
	// from the execution list.
	return &OrderResult{OrderID: result.OrderID, FilledSize: req.Size, Status: "filled"}, nil
}

func (b *BybitAdapter) CloseMarket(ctx context.Context, asset string, size float64) (*OrderResult, error) {
	side := "sell"
	if size < 0 {
		side = "buy"
	}
	return b.OpenMarket(ctx, OrderRequest{Asset: asset, Side: side, Size: math.Abs(size), ReduceOnly: true})
}

func (b *BybitAdapter) SetLeverage(ctx context.Context, asset string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category": "linear", "symbol": b.symbol(asset),
		"buyLeverage": lev, "sellLeverage": lev,
	}
	return b.call(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, nil)
}

func (b *BybitAdapter) SupportsNativeStops() bool { return true }

func (b *BybitAdapter) PlaceStopPair(ctx context.Context, req StopPairRequest) (*StopPair, error) {
	body := map[string]any{
		"category":   "linear",
		"symbol":     b.symbol(req.Asset),
		"stopLoss":   strconv.FormatFloat(req.StopPrice, 'f', -1, 64),
		"takeProfit": strconv.FormatFloat(req.TakeProfitPrice, 'f', -1, 64),
		"tpslMode":   "Full",
	}
	if err := b.call(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, nil); err != nil {
		return nil, fmt.Errorf("bybit stop pair %s: %w", req.Asset, err)
	}
	// Position-attached stops have no standalone order ids on bybit.
	return &StopPair{SLOrderID: "position-sl", TPOrderID: "position-tp"}, nil
}

func (b *BybitAdapter) CancelStops(ctx context.Context, asset string, pair *StopPair) error {
	if pair == nil {
		return nil
	}
	body := map[string]any{
		"category": "linear", "symbol": b.symbol(asset),
		"stopLoss": "0", "takeProfit": "0", "tpslMode": "Full",
	}
	return b.call(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, nil)
}

func (b *BybitAdapter) FormatSize(asset string, size float64) float64 {
	dec := 3
	if strings.EqualFold(asset, "ETH") {
		dec = 2
	}
	pow := math.Pow10(dec)
	return math.Floor(size*pow) / pow
}

// FeeSchedule queries the account fee rate (dynamic provider hook).
func (b *BybitAdapter) FeeSchedule(ctx context.Context, asset string) (Fees, error) {
	var result struct {
		List []struct {
			TakerFeeRate string `json:"takerFeeRate"`
			MakerFeeRate string `json:"makerFeeRate"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {b.symbol(asset)}}
	if err := b.call(ctx, http.MethodGet, "/v5/account/fee-rate", q, nil, &result); err != nil {
		return Fees{}, err
	}
	if len(result.List) == 0 {
		return Fees{}, fmt.Errorf("no fee rate for %s", asset)
	}
	return Fees{
		TakerBps: parseF(result.List[0].TakerFeeRate) * 1e4,
		MakerBps: parseF(result.List[0].MakerFeeRate) * 1e4,
	}, nil
}

// CurrentFunding returns the live funding rate (8h interval on bybit).
func (b *BybitAdapter) CurrentFunding(ctx context.Context, asset string) (Funding, error) {
	var result struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {b.symbol(asset)}, "limit": {"1"}}
	if err := b.call(ctx, http.MethodGet, "/v5/market/funding/history", q, nil, &result); err != nil {
		return Funding{}, err
	}
	if len(result.List) == 0 {
		return Funding{}, fmt.Errorf("no funding for %s", asset)
	}
	return Funding{Rate: parseF(result.List[0].FundingRate), Interval: 8 * time.Hour}, nil
}

var _ Adapter = (*BybitAdapter)(nil)
