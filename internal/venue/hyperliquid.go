package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	hlAPIBase = "https://api.hyperliquid.xyz"
	hlWSURL   = "wss://api.hyperliquid.xyz/ws"
)

// hlSizeDecimals rounds order sizes to the venue's lot precision.
var hlSizeDecimals = map[string]int{"BTC": 5, "ETH": 4}

// HLSigner signs Hyperliquid exchange actions. Production wires an agent
// wallet implementation; read paths never need it.
type HLSigner interface {
	SignAction(action any, nonce int64) (json.RawMessage, error)
}

// HyperliquidAdapter implements Adapter plus the info surface (leaderboard,
// user fills, mids, books) the Scout/Stream/Sage services consume.
type HyperliquidAdapter struct {
	http           *http.Client
	limiter        *Limiter
	breaker        *Breaker
	signer         HLSigner
	baseURL        string
	accountAddress string
}

// NewHyperliquidAdapter builds the adapter. privateKey is kept only to
// detect whether write operations are configured at all.
func NewHyperliquidAdapter(privateKey string, limiter *Limiter, breaker *Breaker) *HyperliquidAdapter {
	a := &HyperliquidAdapter{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		breaker: breaker,
		baseURL: hlAPIBase,
	}
	_ = privateKey
	return a
}

// WithSigner installs the exchange-action signer (agent wallet).
func (a *HyperliquidAdapter) WithSigner(s HLSigner) *HyperliquidAdapter {
	a.signer = s
	return a
}

// WithBaseURL overrides the API base, used by tests against httptest.
func (a *HyperliquidAdapter) WithBaseURL(u string) *HyperliquidAdapter {
	a.baseURL = u
	return a
}

func (a *HyperliquidAdapter) Name() Exchange { return Hyperliquid }

func (a *HyperliquidAdapter) Connect(ctx context.Context) error {
	_, err := a.AllMids(ctx)
	return err
}

// info posts to the /info endpoint with rate limiting, circuit breaking,
// and bounded exponential backoff on transient failures.
func (a *HyperliquidAdapter) info(ctx context.Context, req any, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal info request: %w", err)
	}

	op := func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := a.breaker.Execute(func() (any, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/info", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			resp, err := a.http.Do(httpReq)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, fmt.Errorf("rate limited (429)")
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("info status %d", resp.StatusCode)
			}
			return nil, json.NewDecoder(resp.Body).Decode(out)
		})
		return err
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(2*time.Minute),
	), ctx)
	return backoff.Retry(op, bo)
}

// AllMids returns mid prices keyed by coin.
func (a *HyperliquidAdapter) AllMids(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := a.info(ctx, map[string]string{"type": "allMids"}, &raw); err != nil {
		return nil, fmt.Errorf("allMids: %w", err)
	}
	mids := make(map[string]float64, len(raw))
	for coin, px := range raw {
		if v, err := strconv.ParseFloat(px, 64); err == nil {
			mids[coin] = v
		}
	}
	return mids, nil
}

func (a *HyperliquidAdapter) MarkPrice(ctx context.Context, asset string) (float64, error) {
	mids, err := a.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	px, ok := mids[asset]
	if !ok {
		return 0, fmt.Errorf("no mid for %s", asset)
	}
	return px, nil
}

type hlBookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

func (a *HyperliquidAdapter) OrderBookSnapshot(ctx context.Context, asset string) (*OrderBook, error) {
	var raw struct {
		Levels [2][]hlBookLevel `json:"levels"` // [bids, asks]
	}
	if err := a.info(ctx, map[string]string{"type": "l2Book", "coin": asset}, &raw); err != nil {
		return nil, fmt.Errorf("l2Book %s: %w", asset, err)
	}
	conv := func(in []hlBookLevel) []BookLevel {
		out := make([]BookLevel, 0, len(in))
		for _, lv := range in {
			px, err1 := strconv.ParseFloat(lv.Px, 64)
			sz, err2 := strconv.ParseFloat(lv.Sz, 64)
			if err1 == nil && err2 == nil {
				out = append(out, BookLevel{Price: px, Size: sz})
			}
		}
		return out
	}
	return &OrderBook{Bids: conv(raw.Levels[0]), Asks: conv(raw.Levels[1])}, nil
}

// LeaderboardRow is one venue leaderboard entry for a window.
type LeaderboardRow struct {
	Address      string  `json:"ethAddress"`
	Nickname     string  `json:"displayName"`
	PnL          float64 `json:"pnl"`
	ROI          float64 `json:"roi"`
	AccountValue float64 `json:"accountValue"`
	WeeklyVolume float64 `json:"volume"`
	OrdersPerDay float64 `json:"ordersPerDay"`
	IsSubaccount bool    `json:"isSubaccount"`
}

// Leaderboard fetches the ranked trader list for a trailing window.
func (a *HyperliquidAdapter) Leaderboard(ctx context.Context, periodDays int) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	req := map[string]any{"type": "leaderboard", "windowDays": periodDays}
	if err := a.info(ctx, req, &rows); err != nil {
		return nil, fmt.Errorf("leaderboard %dd: %w", periodDays, err)
	}
	return rows, nil
}

// RawFill is a venue fill record from userFills.
type RawFill struct {
	TID       int64  `json:"tid"`
	Coin      string `json:"coin"`
	Side      string `json:"side"` // B | A
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	StartPos  string `json:"startPosition"`
	ClosedPnL string `json:"closedPnl"`
	Dir       string `json:"dir"` // e.g. "Open Long", "Close Short"
	Time      int64  `json:"time"`
	Hash      string `json:"hash"`
}

// UserFills fetches a trader's recent fill history (used for backfill and
// chain repair).
func (a *HyperliquidAdapter) UserFills(ctx context.Context, address string) ([]RawFill, error) {
	var fills []RawFill
	req := map[string]string{"type": "userFills", "user": address}
	if err := a.info(ctx, req, &fills); err != nil {
		return nil, fmt.Errorf("userFills %s: %w", address, err)
	}
	return fills, nil
}

// ClearinghouseState is a trader's margin summary and open positions.
type ClearinghouseState struct {
	AccountValue      float64
	MaintenanceMargin float64
	Withdrawable      float64
	Positions         []Position
}

type hlClearinghouse struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	CrossMaintenanceMarginUsed string `json:"crossMaintenanceMarginUsed"`
	Withdrawable               string `json:"withdrawable"`
	AssetPositions             []struct {
		Position struct {
			Coin           string `json:"coin"`
			Szi            string `json:"szi"`
			EntryPx        string `json:"entryPx"`
			PositionValue  string `json:"positionValue"`
			LiquidationPx  string `json:"liquidationPx"`
			UnrealizedPnl  string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// UserState fetches clearinghouse state for an address.
func (a *HyperliquidAdapter) UserState(ctx context.Context, address string) (*ClearinghouseState, error) {
	var raw hlClearinghouse
	req := map[string]string{"type": "clearinghouseState", "user": address}
	if err := a.info(ctx, req, &raw); err != nil {
		return nil, fmt.Errorf("clearinghouseState %s: %w", address, err)
	}
	st := &ClearinghouseState{
		AccountValue:      parseF(raw.MarginSummary.AccountValue),
		MaintenanceMargin: parseF(raw.CrossMaintenanceMarginUsed),
		Withdrawable:      parseF(raw.Withdrawable),
	}
	for _, ap := range raw.AssetPositions {
		p := ap.Position
		sz := parseF(p.Szi)
		if sz == 0 {
			continue
		}
		st.Positions = append(st.Positions, Position{
			Asset:         p.Coin,
			Size:          sz,
			EntryPrice:    parseF(p.EntryPx),
			NotionalUSD:   math.Abs(parseF(p.PositionValue)),
			LiquidationPx: parseF(p.LiquidationPx),
			UnrealizedPnL: parseF(p.UnrealizedPnl),
		})
	}
	return st, nil
}

// FeeSchedule returns current taker/maker fees (dynamic provider hook).
func (a *HyperliquidAdapter) FeeSchedule(ctx context.Context, _ string) (Fees, error) {
	return Fees{}, errors.New("dynamic fee schedule requires authenticated user, static fallback applies")
}

// CurrentFunding returns the live hourly funding for the asset.
func (a *HyperliquidAdapter) CurrentFunding(ctx context.Context, asset string) (Funding, error) {
	var raw []struct {
		Coin    string `json:"coin"`
		Funding string `json:"funding"`
	}
	if err := a.info(ctx, map[string]string{"type": "predictedFundings"}, &raw); err != nil {
		return Funding{}, err
	}
	for _, r := range raw {
		if r.Coin == asset {
			return Funding{Rate: parseF(r.Funding), Interval: time.Hour}, nil
		}
	}
	return Funding{}, fmt.Errorf("no funding for %s", asset)
}

// Account-bound adapter operations. These require a signer; the account
// address is resolved from the signer's wallet at connect time in
// production. The executor address is injected via SetAccount.

var errNoSigner = errors.New("hyperliquid exchange actions require a configured signer")

func (a *HyperliquidAdapter) Balance(ctx context.Context) (*Balance, error) {
	addr := a.accountAddress
	if addr == "" {
		return nil, errNoSigner
	}
	st, err := a.UserState(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Balance{AccountValue: st.AccountValue, MaintenanceMargin: st.MaintenanceMargin, Withdrawable: st.Withdrawable}, nil
}

func (a *HyperliquidAdapter) Positions(ctx context.Context) ([]Position, error) {
	addr := a.accountAddress
	if addr == "" {
		return nil, errNoSigner
	}
	st, err := a.UserState(ctx, addr)
	if err != nil {
		return nil, err
	}
	return st.Positions, nil
}

// SetAccount sets the executor's account address for balance reads.
func (a *HyperliquidAdapter) SetAccount(address string) { a.accountAddress = address }

// exchange posts a signed action to the /exchange endpoint.
func (a *HyperliquidAdapter) exchange(ctx context.Context, action any, out any) error {
	if a.signer == nil {
		return errNoSigner
	}
	nonce := time.Now().UnixMilli()
	sig, err := a.signer.SignAction(action, nonce)
	if err != nil {
		return fmt.Errorf("sign action: %w", err)
	}
	payload := map[string]any{"action": action, "nonce": nonce, "signature": sig}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = a.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/exchange", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("exchange status %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

type hlOrderResponse struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []struct {
				Filled *struct {
					OID     int64  `json:"oid"`
					TotalSz string `json:"totalSz"`
					AvgPx   string `json:"avgPx"`
				} `json:"filled"`
				Resting *struct {
					OID int64 `json:"oid"`
				} `json:"resting"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

func (a *HyperliquidAdapter) OpenMarket(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	mid, err := a.MarkPrice(ctx, req.Asset)
	if err != nil {
		return nil, err
	}
	// Market orders are IOC limit orders priced through the book by the
	// slippage tolerance.
	limitPx := mid * (1 + req.SlippageTolerance)
	isBuy := req.Side == "buy"
	if !isBuy {
		limitPx = mid * (1 - req.SlippageTolerance)
	}
	action := map[string]any{
		"type": "order",
		"orders": []map[string]any{{
			"coin":       req.Asset,
			"is_buy":     isBuy,
			"sz":         a.FormatSize(req.Asset, req.Size),
			"limit_px":   limitPx,
			"order_type": map[string]any{"limit": map[string]string{"tif": "Ioc"}},
			"reduce_only": req.ReduceOnly,
		}},
	}
	var resp hlOrderResponse
	if err := a.exchange(ctx, action, &resp); err != nil {
		return nil, fmt.Errorf("open market %s %s: %w", req.Side, req.Asset, err)
	}
	return parseHLOrder(&resp)
}

func (a *HyperliquidAdapter) CloseMarket(ctx context.Context, asset string, size float64) (*OrderResult, error) {
	side := "sell"
	if size < 0 {
		side = "buy"
	}
	return a.OpenMarket(ctx, OrderRequest{
		Asset: asset, Side: side, Size: math.Abs(size), SlippageTolerance: 0.01, ReduceOnly: true,
	})
}

func (a *HyperliquidAdapter) SetLeverage(ctx context.Context, asset string, leverage int) error {
	action := map[string]any{"type": "updateLeverage", "coin": asset, "isCross": true, "leverage": leverage}
	var resp map[string]any
	return a.exchange(ctx, action, &resp)
}

func (a *HyperliquidAdapter) SupportsNativeStops() bool { return true }

func (a *HyperliquidAdapter) PlaceStopPair(ctx context.Context, req StopPairRequest) (*StopPair, error) {
	closeSide := req.Direction != "long" // closing a long sells
	orders := []map[string]any{
		{
			"coin": req.Asset, "is_buy": closeSide, "sz": a.FormatSize(req.Asset, req.Size),
			"limit_px": req.StopPrice, "reduce_only": true,
			"order_type": map[string]any{"trigger": map[string]any{"isMarket": true, "triggerPx": req.StopPrice, "tpsl": "sl"}},
		},
		{
			"coin": req.Asset, "is_buy": closeSide, "sz": a.FormatSize(req.Asset, req.Size),
			"limit_px": req.TakeProfitPrice, "reduce_only": true,
			"order_type": map[string]any{"trigger": map[string]any{"isMarket": true, "triggerPx": req.TakeProfitPrice, "tpsl": "tp"}},
		},
	}
	action := map[string]any{"type": "order", "orders": orders, "grouping": "positionTpsl"}
	var resp hlOrderResponse
	if err := a.exchange(ctx, action, &resp); err != nil {
		return nil, fmt.Errorf("place stop pair %s: %w", req.Asset, err)
	}
	statuses := resp.Response.Data.Statuses
	if len(statuses) < 2 {
		return nil, fmt.Errorf("stop pair: expected 2 statuses, got %d", len(statuses))
	}
	pair := &StopPair{}
	if statuses[0].Resting != nil {
		pair.SLOrderID = strconv.FormatInt(statuses[0].Resting.OID, 10)
	}
	if statuses[1].Resting != nil {
		pair.TPOrderID = strconv.FormatInt(statuses[1].Resting.OID, 10)
	}
	if pair.SLOrderID == "" || pair.TPOrderID == "" {
		return nil, fmt.Errorf("stop pair not fully resting: sl=%q tp=%q", pair.SLOrderID, pair.TPOrderID)
	}
	return pair, nil
}

func (a *HyperliquidAdapter) CancelStops(ctx context.Context, asset string, pair *StopPair) error {
	if pair == nil {
		return nil
	}
	var cancels []map[string]any
	for _, oid := range []string{pair.SLOrderID, pair.TPOrderID} {
		if oid == "" {
			continue
		}
		id, err := strconv.ParseInt(oid, 10, 64)
		if err != nil {
			return fmt.Errorf("bad stop order id %q: %w", oid, err)
		}
		cancels = append(cancels, map[string]any{"coin": asset, "oid": id})
	}
	if len(cancels) == 0 {
		return nil
	}
	action := map[string]any{"type": "cancel", "cancels": cancels}
	var resp map[string]any
	if err := a.exchange(ctx, action, &resp); err != nil {
		return fmt.Errorf("cancel stops %s: %w", asset, err)
	}
	return nil
}

func (a *HyperliquidAdapter) FormatSize(asset string, size float64) float64 {
	dec, ok := hlSizeDecimals[asset]
	if !ok {
		dec = 4
	}
	pow := math.Pow10(dec)
	return math.Floor(size*pow) / pow
}

var _ Adapter = (*HyperliquidAdapter)(nil)

func parseHLOrder(resp *hlOrderResponse) (*OrderResult, error) {
	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return nil, errors.New("empty order response")
	}
	st := statuses[0]
	if st.Error != "" {
		return nil, fmt.Errorf("order rejected: %s", st.Error)
	}
	if st.Filled == nil {
		return &OrderResult{Status: "resting"}, nil
	}
	return &OrderResult{
		OrderID:    strconv.FormatInt(st.Filled.OID, 10),
		FilledSize: parseF(st.Filled.TotalSz),
		AvgPrice:   parseF(st.Filled.AvgPx),
		Status:     "filled",
	}, nil
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
