package decide

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Episode is one reconstructed position lifecycle for a tracked trader.
type Episode struct {
	ID           int64      `db:"id" json:"id"`
	Address      string     `db:"address" json:"address"`
	Asset        string     `db:"asset" json:"asset"`
	Direction    string     `db:"direction" json:"direction"`
	EntryVWAP    float64    `db:"entry_vwap" json:"entryVwap"`
	EntrySize    float64    `db:"entry_size" json:"entrySize"`
	EntryTS      time.Time  `db:"entry_ts" json:"entryTs"`
	LastFillTS   time.Time  `db:"last_fill_ts" json:"lastFillTs"`
	ExitVWAP     *float64   `db:"exit_vwap" json:"exitVwap,omitempty"`
	ExitTS       *time.Time `db:"exit_ts" json:"exitTs,omitempty"`
	RealizedPnL  *float64   `db:"realized_pnl" json:"realizedPnl,omitempty"`
	ResultR      *float64   `db:"result_r" json:"resultR,omitempty"`
	Status       string     `db:"status" json:"status"`
	ClosedReason *string    `db:"closed_reason" json:"closedReason,omitempty"`
}

// SignalRow is one emitted consensus signal.
type SignalRow struct {
	ID             int64     `db:"id" json:"id"`
	TS             time.Time `db:"ts" json:"ts"`
	Asset          string    `db:"asset" json:"asset"`
	Direction      string    `db:"direction" json:"direction"`
	NTraders       int       `db:"n_traders" json:"nTraders"`
	NAgree         int       `db:"n_agree" json:"nAgree"`
	MajorityPct    float64   `db:"majority_pct" json:"majorityPct"`
	EffectiveK     float64   `db:"effective_k" json:"effectiveK"`
	PWin           float64   `db:"p_win" json:"pWin"`
	EVNetR         float64   `db:"ev_net_r" json:"evNetR"`
	EntryPrice     float64   `db:"entry_price" json:"entryPrice"`
	StopPrice      float64   `db:"stop_price" json:"stopPrice"`
	TargetExchange string    `db:"target_exchange" json:"targetExchange"`
	FeesBps        float64   `db:"fees_bps" json:"feesBps"`
	SlippageBps    float64   `db:"slippage_bps" json:"slippageBps"`
	FundingBps     float64   `db:"funding_bps" json:"fundingBps"`
	Outcome        *string   `db:"outcome" json:"outcome,omitempty"`
	RealizedR      *float64  `db:"realized_r" json:"realizedR,omitempty"`
}

// DecisionRow is one decision-log entry, the audit trail for every
// consensus evaluation.
type DecisionRow struct {
	ID              int64           `db:"id" json:"id"`
	TS              time.Time       `db:"ts" json:"ts"`
	Asset           string          `db:"asset" json:"asset"`
	Direction       string          `db:"direction" json:"direction"`
	DecisionType    string          `db:"decision_type" json:"decisionType"`
	Inputs          json.RawMessage `db:"inputs" json:"inputs"`
	Gates           json.RawMessage `db:"gates" json:"gates"`
	RiskChecks      json.RawMessage `db:"risk_checks" json:"riskChecks"`
	Reasoning       string          `db:"reasoning" json:"reasoning"`
	ExecutionStatus string          `db:"execution_status" json:"executionStatus"`
	SignalID        *int64          `db:"signal_id" json:"signalId,omitempty"`
	OutcomePnL      *float64        `db:"outcome_pnl" json:"outcomePnl,omitempty"`
	OutcomeR        *float64        `db:"outcome_r" json:"outcomeR,omitempty"`
}

// KillSwitchState is the persisted kill-switch singleton.
type KillSwitchState struct {
	Active            bool       `db:"active" json:"active"`
	ActivatedAt       *time.Time `db:"activated_at" json:"activatedAt,omitempty"`
	CooldownExpiresAt *time.Time `db:"cooldown_expires_at" json:"cooldownExpiresAt,omitempty"`
	Reason            string     `db:"reason" json:"reason"`
}

// ExecConfigRow is the stored half of the dual execution gate.
type ExecConfigRow struct {
	Enabled        bool      `db:"enabled" json:"enabled"`
	Exchange       string    `db:"exchange" json:"exchange"`
	UseNativeStops bool      `db:"use_native_stops" json:"useNativeStops"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// BreakerState is the persisted loss-streak breaker singleton.
type BreakerState struct {
	ConsecutiveLosses int        `db:"consecutive_losses" json:"consecutiveLosses"`
	PausedUntil       *time.Time `db:"paused_until" json:"pausedUntil,omitempty"`
	Reason            string     `db:"reason" json:"reason"`
}

// StopRow is one registered stop pair for a live position. Exchange is
// the venue holding the position, which the monitor routes by.
type StopRow struct {
	PositionID      string    `db:"position_id" json:"positionId"`
	Exchange        string    `db:"exchange" json:"exchange"`
	Asset           string    `db:"asset" json:"asset"`
	StopPrice       float64   `db:"stop_price" json:"stopPrice"`
	TakeProfitPrice float64   `db:"take_profit_price" json:"takeProfitPrice"`
	Size            float64   `db:"size" json:"size"`
	NativeSLOrderID *string   `db:"native_sl_order_id" json:"nativeSlOrderId,omitempty"`
	NativeTPOrderID *string   `db:"native_tp_order_id" json:"nativeTpOrderId,omitempty"`
	RegisteredAt    time.Time `db:"registered_at" json:"registeredAt"`
}

// Repo owns the Decide tables.
type Repo struct {
	db *sqlx.DB
}

// NewRepo creates the Decide repository.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// OpenEpisode returns the open episode for (address, asset), or nil.
func (r *Repo) OpenEpisode(ctx context.Context, address, asset string) (*Episode, error) {
	var ep Episode
	err := r.db.GetContext(ctx, &ep, `
		SELECT * FROM episodes WHERE address = $1 AND asset = $2 AND status = 'open'`, address, asset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select open episode %s/%s: %w", address, asset, err)
	}
	return &ep, nil
}

// InsertEpisode creates an open episode and returns its id.
func (r *Repo) InsertEpisode(ctx context.Context, ep Episode) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO episodes (address, asset, direction, entry_vwap, entry_size, entry_ts, last_fill_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open') RETURNING id`,
		ep.Address, ep.Asset, ep.Direction, ep.EntryVWAP, ep.EntrySize, ep.EntryTS, ep.LastFillTS)
	if err != nil {
		return 0, fmt.Errorf("insert episode %s/%s: %w", ep.Address, ep.Asset, err)
	}
	return id, nil
}

// UpdateOpenEpisode persists VWAP/size/timestamp changes on an open
// episode.
func (r *Repo) UpdateOpenEpisode(ctx context.Context, ep *Episode) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE episodes SET entry_vwap = $2, entry_size = $3, last_fill_ts = $4 WHERE id = $1`,
		ep.ID, ep.EntryVWAP, ep.EntrySize, ep.LastFillTS)
	if err != nil {
		return fmt.Errorf("update episode %d: %w", ep.ID, err)
	}
	return nil
}

// CloseEpisode finalizes an episode.
func (r *Repo) CloseEpisode(ctx context.Context, ep *Episode) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE episodes SET exit_vwap = $2, exit_ts = $3, realized_pnl = $4, result_r = $5,
			status = 'closed', closed_reason = $6
		WHERE id = $1 AND status = 'open'`,
		ep.ID, ep.ExitVWAP, ep.ExitTS, ep.RealizedPnL, ep.ResultR, ep.ClosedReason)
	if err != nil {
		return fmt.Errorf("close episode %d: %w", ep.ID, err)
	}
	return nil
}

// OpenEpisodes returns every open episode.
func (r *Repo) OpenEpisodes(ctx context.Context) ([]Episode, error) {
	var eps []Episode
	if err := r.db.SelectContext(ctx, &eps, `SELECT * FROM episodes WHERE status = 'open'`); err != nil {
		return nil, fmt.Errorf("select open episodes: %w", err)
	}
	return eps, nil
}

// ClosedEpisodeCount counts closed episodes across the pool, for the
// Kelly evidence floor.
func (r *Repo) ClosedEpisodeCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM episodes WHERE status = 'closed'`); err != nil {
		return 0, fmt.Errorf("count closed episodes: %w", err)
	}
	return n, nil
}

// InsertSignal writes a consensus signal and returns its id.
func (r *Repo) InsertSignal(ctx context.Context, s SignalRow) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO consensus_signals
			(ts, asset, direction, n_traders, n_agree, majority_pct, effective_k, p_win, ev_net_r,
			 entry_price, stop_price, target_exchange, fees_bps, slippage_bps, funding_bps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
		s.TS, s.Asset, s.Direction, s.NTraders, s.NAgree, s.MajorityPct, s.EffectiveK, s.PWin,
		s.EVNetR, s.EntryPrice, s.StopPrice, s.TargetExchange, s.FeesBps, s.SlippageBps, s.FundingBps)
	if err != nil {
		return 0, fmt.Errorf("insert signal %s %s: %w", s.Asset, s.Direction, err)
	}
	return id, nil
}

// RecentSignal finds the newest signal matching an outcome's window, for
// back-annotation.
func (r *Repo) RecentSignal(ctx context.Context, asset, direction string, since time.Time) (*SignalRow, error) {
	var s SignalRow
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM consensus_signals
		WHERE asset = $1 AND direction = $2 AND ts >= $3
		ORDER BY ts DESC LIMIT 1`, asset, direction, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select recent signal: %w", err)
	}
	return &s, nil
}

// LastSignalSince finds the newest signal on the asset in either
// direction after the cutoff. Drives the per-asset cooldown.
func (r *Repo) LastSignalSince(ctx context.Context, asset string, since time.Time) (*SignalRow, error) {
	var s SignalRow
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM consensus_signals
		WHERE asset = $1 AND ts >= $2
		ORDER BY ts DESC LIMIT 1`, asset, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last signal: %w", err)
	}
	return &s, nil
}

// AnnotateSignal records an outcome on a signal.
func (r *Repo) AnnotateSignal(ctx context.Context, id int64, outcome string, realizedR float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE consensus_signals SET outcome = $2, realized_r = $3 WHERE id = $1`, id, outcome, realizedR)
	if err != nil {
		return fmt.Errorf("annotate signal %d: %w", id, err)
	}
	return nil
}

// InsertDecision writes a decision log entry and returns its id.
func (r *Repo) InsertDecision(ctx context.Context, d DecisionRow) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO decision_logs
			(ts, asset, direction, decision_type, inputs, gates, risk_checks, reasoning, execution_status, signal_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		d.TS, d.Asset, d.Direction, d.DecisionType, d.Inputs, d.Gates, d.RiskChecks,
		d.Reasoning, d.ExecutionStatus, d.SignalID)
	if err != nil {
		return 0, fmt.Errorf("insert decision %s: %w", d.Asset, err)
	}
	return id, nil
}

// AnnotateDecision back-fills the outcome on the decision that emitted a
// signal.
func (r *Repo) AnnotateDecision(ctx context.Context, signalID int64, pnl, resultR float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE decision_logs SET outcome_pnl = $2, outcome_r = $3 WHERE signal_id = $1`,
		signalID, pnl, resultR)
	if err != nil {
		return fmt.Errorf("annotate decision for signal %d: %w", signalID, err)
	}
	return nil
}

// RecentDecisions returns the newest decision log entries.
func (r *Repo) RecentDecisions(ctx context.Context, limit int) ([]DecisionRow, error) {
	var rows []DecisionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM decision_logs ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select decisions: %w", err)
	}
	return rows, nil
}

// KillSwitch reads the singleton.
func (r *Repo) KillSwitch(ctx context.Context) (KillSwitchState, error) {
	var ks KillSwitchState
	err := r.db.GetContext(ctx, &ks,
		`SELECT active, activated_at, cooldown_expires_at, reason FROM kill_switch WHERE id = 1`)
	if err != nil {
		return ks, fmt.Errorf("select kill switch: %w", err)
	}
	return ks, nil
}

// ActivateKillSwitch trips the switch until expires.
func (r *Repo) ActivateKillSwitch(ctx context.Context, reason string, expires time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE kill_switch SET active = TRUE, activated_at = now(), cooldown_expires_at = $1, reason = $2
		WHERE id = 1`, expires, reason)
	if err != nil {
		return fmt.Errorf("activate kill switch: %w", err)
	}
	return nil
}

// DeactivateKillSwitch clears the switch.
func (r *Repo) DeactivateKillSwitch(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE kill_switch SET active = FALSE, cooldown_expires_at = NULL, reason = '' WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("deactivate kill switch: %w", err)
	}
	return nil
}

// ExecConfig reads the stored execution gate.
func (r *Repo) ExecConfig(ctx context.Context) (ExecConfigRow, error) {
	var ec ExecConfigRow
	err := r.db.GetContext(ctx, &ec,
		`SELECT enabled, exchange, use_native_stops, updated_at FROM execution_config WHERE id = 1`)
	if err != nil {
		return ec, fmt.Errorf("select execution config: %w", err)
	}
	return ec, nil
}

// UpdateExecConfig writes the stored execution gate.
func (r *Repo) UpdateExecConfig(ctx context.Context, ec ExecConfigRow) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE execution_config SET enabled = $1, exchange = $2, use_native_stops = $3, updated_at = now()
		WHERE id = 1`, ec.Enabled, ec.Exchange, ec.UseNativeStops)
	if err != nil {
		return fmt.Errorf("update execution config: %w", err)
	}
	return nil
}

// Breaker reads the loss-streak breaker singleton.
func (r *Repo) Breaker(ctx context.Context) (BreakerState, error) {
	var bs BreakerState
	err := r.db.GetContext(ctx, &bs,
		`SELECT consecutive_losses, paused_until, reason FROM breaker_state WHERE id = 1`)
	if err != nil {
		return bs, fmt.Errorf("select breaker state: %w", err)
	}
	return bs, nil
}

// UpdateBreaker writes the breaker singleton.
func (r *Repo) UpdateBreaker(ctx context.Context, bs BreakerState) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE breaker_state SET consecutive_losses = $1, paused_until = $2, reason = $3 WHERE id = 1`,
		bs.ConsecutiveLosses, bs.PausedUntil, bs.Reason)
	if err != nil {
		return fmt.Errorf("update breaker state: %w", err)
	}
	return nil
}

// RegisterStops records a stop pair for a live position.
func (r *Repo) RegisterStops(ctx context.Context, s StopRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO active_stops
			(position_id, exchange, asset, stop_price, take_profit_price, size, native_sl_order_id, native_tp_order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (position_id) DO UPDATE SET
			stop_price = EXCLUDED.stop_price, take_profit_price = EXCLUDED.take_profit_price,
			size = EXCLUDED.size, native_sl_order_id = EXCLUDED.native_sl_order_id,
			native_tp_order_id = EXCLUDED.native_tp_order_id`,
		s.PositionID, s.Exchange, s.Asset, s.StopPrice, s.TakeProfitPrice, s.Size,
		s.NativeSLOrderID, s.NativeTPOrderID)
	if err != nil {
		return fmt.Errorf("register stops %s: %w", s.PositionID, err)
	}
	return nil
}

// ActiveStops lists all registered stop pairs.
func (r *Repo) ActiveStops(ctx context.Context) ([]StopRow, error) {
	var rows []StopRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM active_stops`); err != nil {
		return nil, fmt.Errorf("select active stops: %w", err)
	}
	return rows, nil
}

// RemoveStops deletes a position's stop registration.
func (r *Repo) RemoveStops(ctx context.Context, positionID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM active_stops WHERE position_id = $1`, positionID); err != nil {
		return fmt.Errorf("remove stops %s: %w", positionID, err)
	}
	return nil
}

// Bar is one minute bar as Decide sees it, mid price plus the rolled ATR.
type Bar struct {
	MinuteTS time.Time `db:"minute_ts"`
	MidPrice float64   `db:"mid_price"`
	ATR14    *float64  `db:"atr14"`
}

// RecentBars returns the last n minute bars oldest-first. Stream owns the
// table; Decide only reads it.
func (r *Repo) RecentBars(ctx context.Context, asset string, n int) ([]Bar, error) {
	var bars []Bar
	err := r.db.SelectContext(ctx, &bars, `
		SELECT minute_ts, mid_price, atr14 FROM
			(SELECT minute_ts, mid_price, atr14 FROM minute_bars
			 WHERE asset = $1 ORDER BY minute_ts DESC LIMIT $2) latest
		ORDER BY minute_ts`, asset, n)
	if err != nil {
		return nil, fmt.Errorf("select bars %s: %w", asset, err)
	}
	return bars, nil
}

// RecentSignals lists the newest consensus signals.
func (r *Repo) RecentSignals(ctx context.Context, limit int) ([]SignalRow, error) {
	var rows []SignalRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM consensus_signals ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select signals: %w", err)
	}
	return rows, nil
}

// CorrelationPair is one pairwise trader correlation, addresses ordered.
type CorrelationPair struct {
	AddrA string  `db:"addr_a"`
	AddrB string  `db:"addr_b"`
	Rho   float64 `db:"rho"`
}

// LatestCorrelations returns the newest rho per address pair. Sage owns
// the table; Decide only reads it.
func (r *Repo) LatestCorrelations(ctx context.Context) ([]CorrelationPair, error) {
	var pairs []CorrelationPair
	err := r.db.SelectContext(ctx, &pairs, `
		SELECT DISTINCT ON (addr_a, addr_b) addr_a, addr_b, rho
		FROM trader_correlations
		ORDER BY addr_a, addr_b, as_of_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("select correlations: %w", err)
	}
	return pairs, nil
}

// LatestATR returns the most recent non-null ATR and its bar time.
func (r *Repo) LatestATR(ctx context.Context, asset string) (float64, time.Time, error) {
	var row struct {
		ATR14    float64   `db:"atr14"`
		MinuteTS time.Time `db:"minute_ts"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT atr14, minute_ts FROM minute_bars
		WHERE asset = $1 AND atr14 IS NOT NULL
		ORDER BY minute_ts DESC LIMIT 1`, asset)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("latest atr %s: %w", asset, err)
	}
	return row.ATR14, row.MinuteTS, nil
}
