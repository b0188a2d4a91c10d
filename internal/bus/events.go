package bus

import "time"

// Durable subjects. Payloads are versioned JSON; consumers ignore unknown
// fields and must be idempotent on the payload id.
const (
	SubjectCandidates = "candidates.v1"
	SubjectScores     = "scores.v1"
	SubjectFills      = "fills.v1"
	SubjectSignals    = "signals.v1"
	SubjectOutcomes   = "outcomes.v1"
)

// Subjects lists every durable subject the platform uses.
var Subjects = []string{
	SubjectCandidates, SubjectScores, SubjectFills, SubjectSignals, SubjectOutcomes,
}

// CandidateEvent is published by Scout for each address surviving the
// quality gates of a leaderboard refresh.
type CandidateEvent struct {
	Address      string    `json:"address"`
	Nickname     string    `json:"nickname,omitempty"`
	Rank         int       `json:"rank"`
	Score        float64   `json:"score"`
	Weight       float64   `json:"weight"`
	PnL30d       float64   `json:"pnl_30d"`
	ROI30d       float64   `json:"roi_30d"`
	AccountValue float64   `json:"account_value"`
	WeeklyVolume float64   `json:"weekly_volume"`
	OrdersPerDay float64   `json:"orders_per_day"`
	TS           time.Time `json:"ts"`
}

// ScoreEvent is published by Sage after each Thompson-sampled selection.
type ScoreEvent struct {
	Address   string    `json:"address"`
	Weight    float64   `json:"weight"`
	SampledMu float64   `json:"sampled_mu"`
	Kappa     float64   `json:"kappa"`
	Selected  bool      `json:"selected"`
	TS        time.Time `json:"ts"`
}

// FillEvent is the normalized fill shape published by Stream.
type FillEvent struct {
	FillID        string    `json:"fill_id"`
	Address       string    `json:"address"`
	Asset         string    `json:"asset"`
	Side          string    `json:"side"` // buy | sell
	Size          float64   `json:"size"`
	Price         float64   `json:"price"`
	StartPosition float64   `json:"start_position"`
	RealizedPnL   *float64  `json:"realized_pnl,omitempty"`
	TS            time.Time `json:"ts"`
	ActionLabel   string    `json:"action_label"`
	DedupHash     string    `json:"dedup_hash"`
}

// SignedSize returns the position delta of the fill (buys positive).
func (f FillEvent) SignedSize() float64 {
	if f.Side == "sell" {
		return -f.Size
	}
	return f.Size
}

// ResultingPosition is the running position after this fill.
func (f FillEvent) ResultingPosition() float64 {
	return f.StartPosition + f.SignedSize()
}

// SignalEvent mirrors the consensus-signal row for downstream persistence.
type SignalEvent struct {
	SignalID       int64     `json:"signal_id"`
	TS             time.Time `json:"ts"`
	Asset          string    `json:"asset"`
	Direction      string    `json:"direction"`
	NTraders       int       `json:"n_traders"`
	NAgree         int       `json:"n_agree"`
	MajorityPct    float64   `json:"majority_pct"`
	EffectiveK     float64   `json:"effective_k"`
	PWin           float64   `json:"p_win"`
	EVNetR         float64   `json:"ev_net_r"`
	EntryPrice     float64   `json:"entry_price"`
	StopPrice      float64   `json:"stop_price"`
	TargetExchange string    `json:"target_exchange"`
	FeesBps        float64   `json:"fees_bps"`
	SlippageBps    float64   `json:"slippage_bps"`
	FundingBps     float64   `json:"funding_bps"`
}

// OutcomeEvent is published when a position episode closes. Sage consumes
// it to advance the NIG posterior of the trader.
type OutcomeEvent struct {
	EpisodeID   int64     `json:"episode_id"`
	SignalID    *int64    `json:"signal_id,omitempty"`
	Address     string    `json:"address"`
	Asset       string    `json:"asset"`
	Direction   string    `json:"direction"`
	ResultR     float64   `json:"result_r"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedTS    time.Time `json:"closed_ts"`
	CloseReason string    `json:"close_reason"`
}
