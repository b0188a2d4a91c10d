package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// FillRow is a persisted normalized fill.
type FillRow struct {
	ID            int64     `db:"id" json:"id"`
	FillID        string    `db:"fill_id" json:"fillId"`
	Address       string    `db:"address" json:"address"`
	Asset         string    `db:"asset" json:"asset"`
	Side          string    `db:"side" json:"side"`
	Size          float64   `db:"size" json:"size"`
	Price         float64   `db:"price" json:"price"`
	StartPosition float64   `db:"start_position" json:"startPosition"`
	RealizedPnL   *float64  `db:"realized_pnl" json:"realizedPnl,omitempty"`
	TS            time.Time `db:"ts" json:"ts"`
	ActionLabel   string    `db:"action_label" json:"actionLabel"`
	DedupHash     string    `db:"dedup_hash" json:"-"`
}

// MinuteBar is one persisted price bar.
type MinuteBar struct {
	Asset    string    `db:"asset" json:"asset"`
	MinuteTS time.Time `db:"minute_ts" json:"minuteTs"`
	MidPrice float64   `db:"mid_price" json:"midPrice"`
	ATR14    *float64  `db:"atr14" json:"atr14,omitempty"`
}

// TrackedPair is one (address, asset) slice with fills on record.
type TrackedPair struct {
	Address string `db:"address"`
	Asset   string `db:"asset"`
}

// Repo owns the fills and minute_bars tables.
type Repo struct {
	db *sqlx.DB
}

// NewRepo creates the Stream repository.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// InsertFill inserts one fill, idempotent on dedup_hash. Returns whether a
// new row landed.
func (r *Repo) InsertFill(ctx context.Context, f FillRow) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO fills (fill_id, address, asset, side, size, price, start_position, realized_pnl, ts, action_label, dedup_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedup_hash) DO NOTHING`,
		f.FillID, f.Address, f.Asset, f.Side, f.Size, f.Price, f.StartPosition, f.RealizedPnL, f.TS, f.ActionLabel, f.DedupHash)
	if err != nil {
		return false, fmt.Errorf("insert fill %s: %w", f.FillID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fill rows: %w", err)
	}
	return n > 0, nil
}

// FillsForChain returns every fill for an (address, asset) slice in time
// order, ties broken by insertion order.
func (r *Repo) FillsForChain(ctx context.Context, address, asset string) ([]FillRow, error) {
	var fills []FillRow
	err := r.db.SelectContext(ctx, &fills, `
		SELECT id, fill_id, address, asset, side, size, price, start_position, realized_pnl, ts, action_label, dedup_hash
		FROM fills WHERE address = $1 AND asset = $2 ORDER BY ts, id`, address, asset)
	if err != nil {
		return nil, fmt.Errorf("select chain %s/%s: %w", address, asset, err)
	}
	return fills, nil
}

// DeleteSlice removes all fills for one (address, asset) ahead of a
// backfill repair.
func (r *Repo) DeleteSlice(ctx context.Context, address, asset string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM fills WHERE address = $1 AND asset = $2`, address, asset); err != nil {
		return fmt.Errorf("delete slice %s/%s: %w", address, asset, err)
	}
	return nil
}

// TrackedPairs lists every (address, asset) with at least one fill.
func (r *Repo) TrackedPairs(ctx context.Context) ([]TrackedPair, error) {
	var pairs []TrackedPair
	if err := r.db.SelectContext(ctx, &pairs,
		`SELECT DISTINCT address, asset FROM fills`); err != nil {
		return nil, fmt.Errorf("select tracked pairs: %w", err)
	}
	return pairs, nil
}

// RecentFills returns the newest fills across all addresses.
func (r *Repo) RecentFills(ctx context.Context, limit int) ([]FillRow, error) {
	var fills []FillRow
	err := r.db.SelectContext(ctx, &fills, `
		SELECT id, fill_id, address, asset, side, size, price, start_position, realized_pnl, ts, action_label, dedup_hash
		FROM fills ORDER BY ts DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent fills: %w", err)
	}
	return fills, nil
}

// UpsertMinuteBar writes a bar, replacing any earlier write for the same
// minute. Late or duplicate minutes overwrite cleanly.
func (r *Repo) UpsertMinuteBar(ctx context.Context, bar MinuteBar) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO minute_bars (asset, minute_ts, mid_price, atr14)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset, minute_ts) DO UPDATE SET mid_price = EXCLUDED.mid_price, atr14 = EXCLUDED.atr14`,
		bar.Asset, bar.MinuteTS, bar.MidPrice, bar.ATR14)
	if err != nil {
		return fmt.Errorf("upsert bar %s@%s: %w", bar.Asset, bar.MinuteTS, err)
	}
	return nil
}

// RecentBars returns the newest n bars for an asset, oldest first.
func (r *Repo) RecentBars(ctx context.Context, asset string, n int) ([]MinuteBar, error) {
	var bars []MinuteBar
	err := r.db.SelectContext(ctx, &bars, `
		SELECT asset, minute_ts, mid_price, atr14 FROM
			(SELECT asset, minute_ts, mid_price, atr14 FROM minute_bars
			 WHERE asset = $1 ORDER BY minute_ts DESC LIMIT $2) latest
		ORDER BY minute_ts`, asset, n)
	if err != nil {
		return nil, fmt.Errorf("select bars %s: %w", asset, err)
	}
	return bars, nil
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

// PinnedAddresses reads the Scout-owned pinned registry for watchlist
// assembly.
func (r *Repo) PinnedAddresses(ctx context.Context) ([]string, error) {
	var addrs []string
	if err := r.db.SelectContext(ctx, &addrs,
		`SELECT address FROM pinned_accounts ORDER BY address`); err != nil {
		return nil, fmt.Errorf("select pinned addresses: %w", err)
	}
	return addrs, nil
}
