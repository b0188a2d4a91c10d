package scout

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrCustomPinLimit is returned when a fourth custom pin is attempted.
var ErrCustomPinLimit = fmt.Errorf("custom pin limit reached (max %d)", maxCustomPins)

const maxCustomPins = 3

// LeaderboardEntry is one persisted row of the candidate universe.
type LeaderboardEntry struct {
	PeriodDays   int     `db:"period_days"`
	Address      string  `db:"address"`
	Rank         int     `db:"rank"`
	Weight       float64 `db:"weight"`
	PnL30d       float64 `db:"pnl_30d"`
	ROI30d       float64 `db:"roi_30d"`
	AccountValue float64 `db:"account_value"`
	WeeklyVolume float64 `db:"weekly_volume"`
	OrdersPerDay float64 `db:"orders_per_day"`
	Nickname     *string `db:"nickname"`
}

// PinnedAccount is one row of the pinned registry.
type PinnedAccount struct {
	Address  string    `db:"address" json:"address"`
	IsCustom bool      `db:"is_custom" json:"isCustom"`
	PinnedAt time.Time `db:"pinned_at" json:"pinnedAt"`
}

// Repo owns the leaderboard and pinned tables.
type Repo struct {
	db *sqlx.DB
}

// NewRepo creates the Scout repository.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// ReplaceLeaderboard atomically swaps every entry for the period: a single
// transaction deletes the period and inserts the new generation, so
// readers never observe a partial refresh.
func (r *Repo) ReplaceLeaderboard(ctx context.Context, periodDays int, entries []LeaderboardEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin leaderboard refresh: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard_entries WHERE period_days = $1`, periodDays); err != nil {
		return fmt.Errorf("clear period %d: %w", periodDays, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO leaderboard_entries
			(period_days, address, rank, weight, pnl_30d, roi_30d, account_value, weekly_volume, orders_per_day, nickname)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, periodDays, e.Address, e.Rank, e.Weight,
			e.PnL30d, e.ROI30d, e.AccountValue, e.WeeklyVolume, e.OrdersPerDay, e.Nickname); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Address, err)
		}
	}
	return tx.Commit()
}

// Leaderboard returns the current generation for a period, rank-ordered.
func (r *Repo) Leaderboard(ctx context.Context, periodDays int) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT period_days, address, rank, weight, pnl_30d, roi_30d, account_value, weekly_volume, orders_per_day, nickname
		FROM leaderboard_entries WHERE period_days = $1 ORDER BY rank`, periodDays)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard %dd: %w", periodDays, err)
	}
	return entries, nil
}

// AddPin pins an address. Custom pins are capped at three; the count check
// and insert share a transaction so concurrent adds cannot exceed the cap.
func (r *Repo) AddPin(ctx context.Context, address string, isCustom bool) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pin: %w", err)
	}
	defer tx.Rollback()

	if isCustom {
		var n int
		if err := tx.GetContext(ctx, &n,
			`SELECT count(*) FROM pinned_accounts WHERE is_custom FOR UPDATE`); err != nil {
			return fmt.Errorf("count custom pins: %w", err)
		}
		if n >= maxCustomPins {
			return ErrCustomPinLimit
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pinned_accounts (address, is_custom) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET is_custom = EXCLUDED.is_custom`, address, isCustom)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return tx.Commit() // already pinned
		}
		return fmt.Errorf("insert pin %s: %w", address, err)
	}
	return tx.Commit()
}

// Unpin removes an address unconditionally.
func (r *Repo) Unpin(ctx context.Context, address string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pinned_accounts WHERE address = $1`, address); err != nil {
		return fmt.Errorf("unpin %s: %w", address, err)
	}
	return nil
}

// Pinned lists the pinned registry.
func (r *Repo) Pinned(ctx context.Context) ([]PinnedAccount, error) {
	var pins []PinnedAccount
	if err := r.db.SelectContext(ctx, &pins,
		`SELECT address, is_custom, pinned_at FROM pinned_accounts ORDER BY pinned_at`); err != nil {
		return nil, fmt.Errorf("select pinned: %w", err)
	}
	return pins, nil
}
