package sage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

const (
	fdrAlpha      = 0.10
	winsorSigma   = 3.0
	effectFloorR  = 0.05
	inactivityCut = 30 * 24 * time.Hour
	equityFloor   = 10_000.0
)

// lifecycle event names recorded in the shadow ledger.
const (
	eventDeath  = "death"
	eventCensor = "censor"

	subDrawdown80   = "drawdown_80"
	subAccountFloor = "account_value_floor"
	subLiquidation  = "liquidation"
	subNegEquity    = "negative_equity"
	subInactivity   = "inactivity_30d"
)

// SnapshotJob writes the daily shadow ledger: one immutable row per
// observed trader with posterior state, membership flags, FDR
// qualification, and lifecycle events.
type SnapshotJob struct {
	repo *Repo
	cfg  config.PoolConfig
	reg  *metrics.Registry
	log  zerolog.Logger
}

// NewSnapshotJob wires the job.
func NewSnapshotJob(repo *Repo, cfg config.PoolConfig, reg *metrics.Registry, log zerolog.Logger) *SnapshotJob {
	return &SnapshotJob{repo: repo, cfg: cfg, reg: reg, log: log}
}

// Run creates a snapshot daily until cancelled.
func (j *SnapshotJob) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Create(ctx); err != nil {
				j.log.Error().Err(err).Msg("snapshot job failed")
				j.reg.RefreshFailures.WithLabelValues("sage_snapshot").Inc()
			}
		}
	}
}

// Create writes one full shadow-ledger generation and returns the row
// count.
func (j *SnapshotJob) Create(ctx context.Context) (int, error) {
	addrs, err := j.repo.ObservedAddresses(ctx)
	if err != nil {
		return 0, err
	}
	pool, err := j.repo.PoolMembers(ctx)
	if err != nil {
		return 0, err
	}
	pinned, err := j.repo.PinnedAddresses(ctx)
	if err != nil {
		return 0, err
	}
	counts, err := j.repo.ClosedEpisodeCounts(ctx)
	if err != nil {
		return 0, err
	}
	lastFills, err := j.repo.LastFillTimes(ctx)
	if err != nil {
		return 0, err
	}

	inPool := map[string]bool{}
	for _, a := range pool {
		inPool[a] = true
	}

	now := time.Now().UTC()
	date := now.Truncate(24 * time.Hour)
	version, err := j.repo.NextSelectionVersion(ctx, date)
	if err != nil {
		return 0, err
	}

	qualified := j.qualify(ctx, addrs)

	// Draw every address once so pool ranks reflect this version's draws.
	draws := make(map[string]float64, len(addrs))
	seeds := make(map[string]uint64, len(addrs))
	posteriors := make(map[string]PosteriorRow, len(addrs))
	for _, addr := range addrs {
		post, err := j.repo.Posterior(ctx, addr)
		if err != nil {
			return 0, err
		}
		posteriors[addr] = post
		seeds[addr] = ThompsonSeed(date, addr, version)
		draws[addr] = ThompsonDraw(post.NIG, seeds[addr])
	}
	ranks := poolRanks(pool, draws)

	written := 0
	for _, addr := range addrs {
		post := posteriors[addr]
		features, err := j.featuresWithEpisodes(ctx, addr, counts[addr])
		if err != nil {
			return written, err
		}

		row := SnapshotRow{
			SnapshotDate:     date,
			Address:          addr,
			SelectionVersion: version,
			Features:         features,
			M:                post.M, Kappa: post.Kappa, Alpha: post.Alpha, Beta: post.Beta,
			ThompsonDraw: draws[addr],
			ThompsonSeed: int64(seeds[addr]),
			Scanned:      true,
			Filtered:     counts[addr] > 0,
			Qualified:    qualified[addr],
			Selected:     inPool[addr],
			Pinned:       pinned[addr],
		}
		if rank, ok := ranks[addr]; ok {
			row.SelectionRank = &rank
		}

		j.annotateLifecycle(&row, features, lastFills[addr], now)

		if err := j.repo.InsertSnapshot(ctx, row); err != nil {
			return written, err
		}
		written++
	}

	j.log.Info().Int("rows", written).Int("version", version).Msg("shadow snapshot written")
	return written, nil
}

// featuresWithEpisodes merges the leaderboard-derived stats with the
// trader's closed-episode count.
func (j *SnapshotJob) featuresWithEpisodes(ctx context.Context, addr string, episodes int) (json.RawMessage, error) {
	raw, err := j.repo.CandidateFeatures(ctx, addr)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["episode_count"] = episodes
	return json.Marshal(m)
}

// poolRanks orders pool members by their draw, best first.
func poolRanks(pool []string, draws map[string]float64) map[string]int {
	ordered := append([]string(nil), pool...)
	sortByDrawDesc(ordered, draws)
	out := make(map[string]int, len(ordered))
	for i, addr := range ordered {
		out[addr] = i + 1
	}
	return out
}

// qualify runs FDR qualification across every address: one-sided t-tests
// on winsorized R series, Benjamini-Hochberg at fdrAlpha, then the effect
// floor.
func (j *SnapshotJob) qualify(ctx context.Context, addrs []string) map[string]bool {
	type sample struct {
		addr string
		avg  float64
	}
	var samples []sample
	var pvalues []float64

	for _, addr := range addrs {
		rs, err := j.repo.EpisodeRValues(ctx, addr)
		if err != nil {
			j.log.Warn().Err(err).Str("address", addr).Msg("r series fetch failed")
			continue
		}
		if len(rs) < 2 {
			continue
		}
		w := Winsorize(rs, winsorSigma)
		samples = append(samples, sample{addr: addr, avg: mean(w)})
		pvalues = append(pvalues, OneSidedTPValue(w))
	}

	rejected := BenjaminiHochberg(pvalues, fdrAlpha)
	out := make(map[string]bool, len(samples))
	for i, s := range samples {
		out[s.addr] = rejected[i] && s.avg >= effectFloorR
	}
	return out
}

// annotateLifecycle attaches at most one death or censor event to a
// snapshot row. Death takes precedence over censoring.
func (j *SnapshotJob) annotateLifecycle(row *SnapshotRow, features json.RawMessage, lastFill time.Time, now time.Time) {
	var f struct {
		AccountValue *float64 `json:"account_value"`
	}
	_ = json.Unmarshal(features, &f)

	setEvent := func(typ, sub string) {
		row.EventType = &typ
		row.EventSubtype = &sub
	}

	if j.recentLiquidation(row.Address, now) {
		setEvent(eventDeath, subLiquidation)
		return
	}

	if f.AccountValue != nil {
		av := *f.AccountValue
		switch {
		case av <= 0:
			setEvent(eventDeath, subNegEquity)
			return
		case av < equityFloor:
			setEvent(eventDeath, subAccountFloor)
			return
		}
		if peak := j.peakAccountValue(row.Address); peak > 0 && av < 0.2*peak {
			setEvent(eventDeath, subDrawdown80)
			return
		}
	}

	if !lastFill.IsZero() && now.Sub(lastFill) > inactivityCut {
		setEvent(eventCensor, subInactivity)
	}
}

// peakAccountValue reads the historical maximum from prior snapshots.
func (j *SnapshotJob) peakAccountValue(address string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var peak float64
	err := j.repo.db.GetContext(ctx, &peak, `
		SELECT coalesce(max((features->>'account_value')::float8), 0)
		FROM trader_snapshots WHERE address = $1 AND features ? 'account_value'`, address)
	if err != nil {
		return 0
	}
	return peak
}

// recentLiquidation checks for venue liquidation fills in the last day.
func (j *SnapshotJob) recentLiquidation(address string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n int
	err := j.repo.db.GetContext(ctx, &n, `
		SELECT count(*) FROM fills
		WHERE address = $1 AND ts >= $2 AND action_label ILIKE '%liquidat%'`,
		address, now.Add(-24*time.Hour))
	return err == nil && n > 0
}

func sortByDrawDesc(addrs []string, draws map[string]float64) {
	sort.SliceStable(addrs, func(i, j int) bool {
		if draws[addrs[i]] != draws[addrs[j]] {
			return draws[addrs[i]] > draws[addrs[j]]
		}
		return addrs[i] < addrs[j]
	})
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
