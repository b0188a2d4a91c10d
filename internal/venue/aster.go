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

const asterAPIBase = "https://fapi.asterdex.com"

// AsterAdapter implements the binance-futures-compatible Aster API.
type AsterAdapter struct {
	http    *http.Client
	limiter *Limiter
	breaker *Breaker
	key     string
	secret  string
	baseURL string
}

// NewAsterAdapter builds an Aster adapter.
func NewAsterAdapter(key, secret string, limiter *Limiter, breaker *Breaker) *AsterAdapter {
	return &AsterAdapter{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		breaker: breaker,
		key:     key,
		secret:  secret,
		baseURL: asterAPIBase,
	}
}

// WithBaseURL overrides the API base for tests.
func (a *AsterAdapter) WithBaseURL(u string) *AsterAdapter {
	a.baseURL = u
	return a
}

func (a *AsterAdapter) Name() Exchange { return Aster }

func (a *AsterAdapter) Connect(ctx context.Context) error {
	_, err := a.MarkPrice(ctx, "BTC")
	return err
}

func (a *AsterAdapter) symbol(asset string) string { return strings.ToUpper(asset) + "USDT" }

func (a *AsterAdapter) call(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.breaker.Execute(func() (any, error) {
		if params == nil {
			params = url.Values{}
		}
		if signed {
			params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
			params.Set("recvWindow", "5000")
			mac := hmac.New(sha256.New, []byte(a.secret))
			mac.Write([]byte(params.Encode()))
			params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
		}

		u := a.baseURL + path
		var req *http.Request
		var err error
		if method == http.MethodGet {
			req, err = http.NewRequestWithContext(ctx, method, u+"?"+params.Encode(), nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(params.Encode()))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, err
		}
		if a.key != "" {
			req.Header.Set("X-MBX-APIKEY", a.key)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("rate limited (429)")
		}
		if resp.StatusCode != http.StatusOK {
			var apiErr struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			return nil, fmt.Errorf("aster status %d code %d: %s", resp.StatusCode, apiErr.Code, apiErr.Msg)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	return err
}

func (a *AsterAdapter) MarkPrice(ctx context.Context, asset string) (float64, error) {
	var result struct {
		MarkPrice string `json:"markPrice"`
	}
	q := url.Values{"symbol": {a.symbol(asset)}}
	if err := a.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex", q, false, &result); err != nil {
		return 0, fmt.Errorf("aster mark price %s: %w", asset, err)
	}
	return parseF(result.MarkPrice), nil
}

func (a *AsterAdapter) OrderBookSnapshot(ctx context.Context, asset string) (*OrderBook, error) {
	var result struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	q := url.Values{"symbol": {a.symbol(asset)}, "limit": {"50"}}
	if err := a.call(ctx, http.MethodGet, "/fapi/v1/depth", q, false, &result); err != nil {
		return nil, fmt.Errorf("aster depth %s: %w", asset, err)
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

func (a *AsterAdapter) Balance(ctx context.Context) (*Balance, error) {
	var result struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		TotalMaintMargin   string `json:"totalMaintMargin"`
		MaxWithdrawAmount  string `json:"maxWithdrawAmount"`
	}
	if err := a.call(ctx, http.MethodGet, "/fapi/v2/account", nil, true, &result); err != nil {
		return nil, fmt.Errorf("aster account: %w", err)
	}
	return &Balance{
		AccountValue:      parseF(result.TotalWalletBalance),
		MaintenanceMargin: parseF(result.TotalMaintMargin),
		Withdrawable:      parseF(result.MaxWithdrawAmount),
	}, nil
}

func (a *AsterAdapter) Positions(ctx context.Context) ([]Position, error) {
	var result []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		Notional         string `json:"notional"`
		LiquidationPrice string `json:"liquidationPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := a.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &result); err != nil {
		return nil, fmt.Errorf("aster positions: %w", err)
	}
	var out []Position
	for _, p := range result {
		sz := parseF(p.PositionAmt)
		if sz == 0 {
			continue
		}
		out = append(out, Position{
			Asset:         strings.TrimSuffix(p.Symbol, "USDT"),
			Size:          sz,
			EntryPrice:    parseF(p.EntryPrice),
			NotionalUSD:   math.Abs(parseF(p.Notional)),
			LiquidationPx: parseF(p.LiquidationPrice),
			UnrealizedPnL: parseF(p.UnRealizedProfit),
		})
	}
	return out, nil
}

func (a *AsterAdapter) OpenMarket(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "BUY"
	if req.Side == "sell" {
		side = "SELL"
	}
	params := url.Values{
		"symbol":   {a.symbol(req.Asset)},
		"side":     {side},
		"type":     {"MARKET"},
		"quantity": {strconv.FormatFloat(a.FormatSize(req.Asset, req.Size), 'f', -1, 64)},
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	var result struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		Status      string `json:"status"`
	}
	if err := a.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, fmt.Errorf("aster open %s %s: %w", req.Side, req.Asset, err)
	}
	return &OrderResult{
		OrderID:    strconv.FormatInt(result.OrderID, 10),
		FilledSize: parseF(result.ExecutedQty),
		AvgPrice:   parseF(result.AvgPrice),
		Status:     strings.ToLower(result.Status),
	}, nil
}

func (a *AsterAdapter) CloseMarket(ctx context.Context, asset string, size float64) (*OrderResult, error) {
	side := "sell"
	if size < 0 {
		side = "buy"
	}
	return a.OpenMarket(ctx, OrderRequest{Asset: asset, Side: side, Size: math.Abs(size), ReduceOnly: true})
}

func (a *AsterAdapter) SetLeverage(ctx context.Context, asset string, leverage int) error {
	params := url.Values{"symbol": {a.symbol(asset)}, "leverage": {strconv.Itoa(leverage)}}
	return a.call(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// Aster exposes stop orders but not an atomic SL/TP pair; the stop manager
// polls instead.
func (a *AsterAdapter) SupportsNativeStops() bool { return false }

func (a *AsterAdapter) PlaceStopPair(context.Context, StopPairRequest) (*StopPair, error) {
	return nil, fmt.Errorf("%w: aster has no atomic stop pair", ErrUnsupportedExchange)
}

func (a *AsterAdapter) CancelStops(context.Context, string, *StopPair) error {
	return nil
}

func (a *AsterAdapter) FormatSize(asset string, size float64) float64 {
	dec := 3
	if strings.EqualFold(asset, "ETH") {
		dec = 2
	}
	pow := math.Pow10(dec)
	return math.Floor(size*pow) / pow
}

// CurrentFunding returns the live funding rate (8h interval).
func (a *AsterAdapter) CurrentFunding(ctx context.Context, asset string) (Funding, error) {
	var result struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	q := url.Values{"symbol": {a.symbol(asset)}}
	if err := a.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex", q, false, &result); err != nil {
		return Funding{}, err
	}
	return Funding{Rate: parseF(result.LastFundingRate), Interval: 8 * time.Hour}, nil
}

var _ Adapter = (*AsterAdapter)(nil)
