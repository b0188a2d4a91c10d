package sage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PosteriorRow is a persisted trader posterior with running aggregates.
type PosteriorRow struct {
	Address      string     `db:"address" json:"address"`
	NIG          `json:"nig"`
	TotalSignals int        `db:"total_signals" json:"totalSignals"`
	TotalPnLR    float64    `db:"total_pnl_r" json:"totalPnlR"`
	AvgR         float64    `db:"avg_r" json:"avgR"`
	LastUpdateTS *time.Time `db:"last_update_ts" json:"lastUpdateTs,omitempty"`
}

// SnapshotRow is one shadow-ledger entry.
type SnapshotRow struct {
	SnapshotDate     time.Time       `db:"snapshot_date"`
	Address          string          `db:"address"`
	SelectionVersion int             `db:"selection_version"`
	Features         json.RawMessage `db:"features"`
	M                float64         `db:"m"`
	Kappa            float64         `db:"kappa"`
	Alpha            float64         `db:"alpha"`
	Beta             float64         `db:"beta"`
	ThompsonDraw     float64         `db:"thompson_draw"`
	ThompsonSeed     int64           `db:"thompson_seed"`
	SelectionRank    *int            `db:"selection_rank"`
	Scanned          bool            `db:"scanned"`
	Filtered         bool            `db:"filtered"`
	Qualified        bool            `db:"qualified"`
	Selected         bool            `db:"selected"`
	Pinned           bool            `db:"pinned"`
	EventType        *string         `db:"event_type"`
	EventSubtype     *string         `db:"event_subtype"`
}

// CorrelationRow is one pairwise trading correlation.
type CorrelationRow struct {
	AsOfDate       time.Time `db:"as_of_date"`
	AddrA          string    `db:"addr_a"`
	AddrB          string    `db:"addr_b"`
	Rho            float64   `db:"rho"`
	NCommonBuckets int       `db:"n_common_buckets"`
}

// BucketDelta is one 5-minute net position change for correlation vectors.
type BucketDelta struct {
	Address  string    `db:"address"`
	BucketTS time.Time `db:"bucket_ts"`
	Net      float64   `db:"net"`
}

// Repo owns the Sage tables and read-only views into fills and episodes.
type Repo struct {
	db *sqlx.DB
}

// NewRepo creates the Sage repository.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// Posterior loads a trader's posterior, falling back to the prior for a
// new address.
func (r *Repo) Posterior(ctx context.Context, address string) (PosteriorRow, error) {
	var row PosteriorRow
	err := r.db.GetContext(ctx, &row, `
		SELECT address, m, kappa, alpha, beta, total_signals, total_pnl_r, avg_r, last_update_ts
		FROM nig_posteriors WHERE address = $1`, address)
	if err == nil {
		return row, nil
	}
	if isNoRows(err) {
		return PosteriorRow{Address: address, NIG: DefaultPrior()}, nil
	}
	return row, fmt.Errorf("select posterior %s: %w", address, err)
}

// UpsertPosterior writes the full posterior row.
func (r *Repo) UpsertPosterior(ctx context.Context, row PosteriorRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nig_posteriors (address, m, kappa, alpha, beta, total_signals, total_pnl_r, avg_r, last_update_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			m = EXCLUDED.m, kappa = EXCLUDED.kappa, alpha = EXCLUDED.alpha, beta = EXCLUDED.beta,
			total_signals = EXCLUDED.total_signals, total_pnl_r = EXCLUDED.total_pnl_r,
			avg_r = EXCLUDED.avg_r, last_update_ts = EXCLUDED.last_update_ts`,
		row.Address, row.M, row.Kappa, row.Alpha, row.Beta,
		row.TotalSignals, row.TotalPnLR, row.AvgR, row.LastUpdateTS)
	if err != nil {
		return fmt.Errorf("upsert posterior %s: %w", row.Address, err)
	}
	return nil
}

// AllPosteriors returns every known posterior.
func (r *Repo) AllPosteriors(ctx context.Context) ([]PosteriorRow, error) {
	var rows []PosteriorRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT address, m, kappa, alpha, beta, total_signals, total_pnl_r, avg_r, last_update_ts
		FROM nig_posteriors`)
	if err != nil {
		return nil, fmt.Errorf("select posteriors: %w", err)
	}
	return rows, nil
}

// PoolMembers returns the active alpha-pool addresses.
func (r *Repo) PoolMembers(ctx context.Context) ([]string, error) {
	var addrs []string
	if err := r.db.SelectContext(ctx, &addrs,
		`SELECT address FROM alpha_pool WHERE is_active ORDER BY address`); err != nil {
		return nil, fmt.Errorf("select pool: %w", err)
	}
	return addrs, nil
}

// ReplacePool atomically sets the active membership: new members upsert,
// absent members deactivate.
func (r *Repo) ReplacePool(ctx context.Context, members []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pool replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE alpha_pool SET is_active = FALSE`); err != nil {
		return fmt.Errorf("deactivate pool: %w", err)
	}
	for _, addr := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alpha_pool (address, is_active, last_refreshed_at) VALUES ($1, TRUE, now())
			ON CONFLICT (address) DO UPDATE SET is_active = TRUE, last_refreshed_at = now()`, addr); err != nil {
			return fmt.Errorf("upsert pool member %s: %w", addr, err)
		}
	}
	return tx.Commit()
}

// ClosedEpisodeCounts maps address to closed-episode count.
func (r *Repo) ClosedEpisodeCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Address string `db:"address"`
		N       int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT address, count(*) AS n FROM episodes WHERE status = 'closed' GROUP BY address`)
	if err != nil {
		return nil, fmt.Errorf("count episodes: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Address] = row.N
	}
	return out, nil
}

// EpisodeRValues returns the closed-episode R series for one address,
// oldest first.
func (r *Repo) EpisodeRValues(ctx context.Context, address string) ([]float64, error) {
	var values []float64
	err := r.db.SelectContext(ctx, &values, `
		SELECT result_r FROM episodes
		WHERE address = $1 AND status = 'closed' AND result_r IS NOT NULL
		ORDER BY exit_ts`, address)
	if err != nil {
		return nil, fmt.Errorf("select r values %s: %w", address, err)
	}
	return values, nil
}

// ObservedAddresses lists every address ever seen in fills or posteriors.
func (r *Repo) ObservedAddresses(ctx context.Context) ([]string, error) {
	var addrs []string
	err := r.db.SelectContext(ctx, &addrs, `
		SELECT DISTINCT address FROM fills
		UNION SELECT address FROM nig_posteriors ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("select observed addresses: %w", err)
	}
	return addrs, nil
}

// PinnedAddresses reads the pinned registry.
func (r *Repo) PinnedAddresses(ctx context.Context) (map[string]bool, error) {
	var addrs []string
	if err := r.db.SelectContext(ctx, &addrs, `SELECT address FROM pinned_accounts`); err != nil {
		return nil, fmt.Errorf("select pinned: %w", err)
	}
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		out[a] = true
	}
	return out, nil
}

// LastFillTimes maps address to most recent fill, for censor detection.
func (r *Repo) LastFillTimes(ctx context.Context) (map[string]time.Time, error) {
	var rows []struct {
		Address string    `db:"address"`
		TS      time.Time `db:"ts"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT address, max(ts) AS ts FROM fills GROUP BY address`)
	if err != nil {
		return nil, fmt.Errorf("select last fill times: %w", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		out[row.Address] = row.TS
	}
	return out, nil
}

// PositionBuckets aggregates net signed position change per 5-minute
// bucket for one address over the window.
func (r *Repo) PositionBuckets(ctx context.Context, address string, since time.Time) ([]BucketDelta, error) {
	var rows []BucketDelta
	err := r.db.SelectContext(ctx, &rows, `
		SELECT address,
			to_timestamp(floor(extract(epoch FROM ts) / 300) * 300) AS bucket_ts,
			sum(CASE WHEN side = 'buy' THEN size ELSE -size END) AS net
		FROM fills WHERE address = $1 AND ts >= $2
		GROUP BY address, bucket_ts ORDER BY bucket_ts`, address, since)
	if err != nil {
		return nil, fmt.Errorf("select buckets %s: %w", address, err)
	}
	return rows, nil
}

// UpsertCorrelation writes one pairwise correlation.
func (r *Repo) UpsertCorrelation(ctx context.Context, row CorrelationRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trader_correlations (as_of_date, addr_a, addr_b, rho, n_common_buckets)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (as_of_date, addr_a, addr_b) DO UPDATE SET
			rho = EXCLUDED.rho, n_common_buckets = EXCLUDED.n_common_buckets`,
		row.AsOfDate, row.AddrA, row.AddrB, row.Rho, row.NCommonBuckets)
	if err != nil {
		return fmt.Errorf("upsert correlation %s/%s: %w", row.AddrA, row.AddrB, err)
	}
	return nil
}

// LatestCorrelations returns the newest correlation per pair.
func (r *Repo) LatestCorrelations(ctx context.Context) ([]CorrelationRow, error) {
	var rows []CorrelationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (addr_a, addr_b) as_of_date, addr_a, addr_b, rho, n_common_buckets
		FROM trader_correlations ORDER BY addr_a, addr_b, as_of_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("select correlations: %w", err)
	}
	return rows, nil
}

// InsertSnapshot appends one shadow-ledger row. Snapshot rows are
// append-only; re-running a day with the same selection version overwrites
// that version's rows.
func (r *Repo) InsertSnapshot(ctx context.Context, row SnapshotRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trader_snapshots
			(snapshot_date, address, selection_version, features, m, kappa, alpha, beta,
			 thompson_draw, thompson_seed, selection_rank, scanned, filtered, qualified,
			 selected, pinned, event_type, event_subtype)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (snapshot_date, address, selection_version) DO UPDATE SET
			features = EXCLUDED.features, m = EXCLUDED.m, kappa = EXCLUDED.kappa,
			alpha = EXCLUDED.alpha, beta = EXCLUDED.beta,
			thompson_draw = EXCLUDED.thompson_draw, thompson_seed = EXCLUDED.thompson_seed,
			selection_rank = EXCLUDED.selection_rank, scanned = EXCLUDED.scanned,
			filtered = EXCLUDED.filtered, qualified = EXCLUDED.qualified,
			selected = EXCLUDED.selected, pinned = EXCLUDED.pinned,
			event_type = EXCLUDED.event_type, event_subtype = EXCLUDED.event_subtype`,
		row.SnapshotDate, row.Address, row.SelectionVersion, row.Features,
		row.M, row.Kappa, row.Alpha, row.Beta, row.ThompsonDraw, row.ThompsonSeed,
		row.SelectionRank, row.Scanned, row.Filtered, row.Qualified,
		row.Selected, row.Pinned, row.EventType, row.EventSubtype)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", row.Address, err)
	}
	return nil
}

// SnapshotsForDate loads one day's shadow ledger, replay's only input.
func (r *Repo) SnapshotsForDate(ctx context.Context, date time.Time) ([]SnapshotRow, error) {
	var rows []SnapshotRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT snapshot_date, address, selection_version, features, m, kappa, alpha, beta,
			thompson_draw, thompson_seed, selection_rank, scanned, filtered, qualified,
			selected, pinned, event_type, event_subtype
		FROM trader_snapshots WHERE snapshot_date = $1`, date)
	if err != nil {
		return nil, fmt.Errorf("select snapshots %s: %w", date.Format("2006-01-02"), err)
	}
	return rows, nil
}

// NextSelectionVersion returns 1 + the highest version used on a date.
func (r *Repo) NextSelectionVersion(ctx context.Context, date time.Time) (int, error) {
	var v int
	err := r.db.GetContext(ctx, &v, `
		SELECT coalesce(max(selection_version), 0) + 1
		FROM trader_snapshots WHERE snapshot_date = $1`, date)
	if err != nil {
		return 0, fmt.Errorf("next selection version: %w", err)
	}
	return v, nil
}

// CandidateFeatures reads the latest leaderboard stats for an address, if
// present.
func (r *Repo) CandidateFeatures(ctx context.Context, address string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := r.db.GetContext(ctx, &raw, `
		SELECT json_build_object(
			'pnl_30d', pnl_30d, 'roi_30d', roi_30d, 'account_value', account_value,
			'weekly_volume', weekly_volume, 'orders_per_day', orders_per_day)
		FROM leaderboard_entries WHERE address = $1
		ORDER BY refreshed_at DESC LIMIT 1`, address)
	if err != nil {
		if isNoRows(err) {
			return json.RawMessage(`{}`), nil
		}
		return nil, fmt.Errorf("select features %s: %w", address, err)
	}
	return raw, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
