package scout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/venue"
)

// VenueSource is the slice of the venue API the refresher consumes.
type VenueSource interface {
	Leaderboard(ctx context.Context, periodDays int) ([]venue.LeaderboardRow, error)
	UserFills(ctx context.Context, address string) ([]venue.RawFill, error)
}

// Refresher runs the daily candidate refresh: fetch, enrich, score,
// atomically persist, publish.
type Refresher struct {
	source VenueSource
	scorer *Scorer
	repo   *Repo
	bus    bus.Bus
	reg    *metrics.Registry
	log    zerolog.Logger
}

// NewRefresher wires the refresh pipeline.
func NewRefresher(source VenueSource, scorer *Scorer, repo *Repo, b bus.Bus, reg *metrics.Registry, log zerolog.Logger) *Refresher {
	return &Refresher{source: source, scorer: scorer, repo: repo, bus: b, reg: reg, log: log}
}

// Refresh executes the full protocol for one period. Either the whole
// refresh lands (DB swap + candidate events) or prior state is left
// intact and the failure is surfaced as a counter.
func (r *Refresher) Refresh(ctx context.Context, periodDays int) (int, error) {
	rows, err := r.fetchWithRetry(ctx, periodDays)
	if err != nil {
		r.reg.RefreshFailures.WithLabelValues("scout").Inc()
		return 0, fmt.Errorf("leaderboard fetch: %w", err)
	}
	r.log.Info().Int("rows", len(rows)).Int("period_days", periodDays).Msg("leaderboard fetched")

	results := make([]ScoreResult, 0, len(rows))
	for _, row := range rows {
		cand, err := r.enrich(ctx, row)
		if err != nil {
			// Enrichment failures skip the candidate, never the refresh.
			r.log.Warn().Err(err).Str("address", row.Address).Msg("enrich failed, skipping")
			continue
		}
		results = append(results, r.scorer.Evaluate(cand))
	}

	selected := r.scorer.SelectTopK(results)
	if len(selected) == 0 {
		r.reg.RefreshFailures.WithLabelValues("scout").Inc()
		return 0, fmt.Errorf("no candidates passed quality gates (%d scored)", len(results))
	}

	entries := make([]LeaderboardEntry, 0, len(selected))
	for _, sel := range selected {
		var nick *string
		if sel.Nickname != "" {
			n := sel.Nickname
			nick = &n
		}
		entries = append(entries, LeaderboardEntry{
			PeriodDays: periodDays, Address: sel.Address, Rank: sel.Rank, Weight: sel.Weight,
			PnL30d: sel.PnL30d, ROI30d: sel.ROI30d, AccountValue: sel.AccountValue,
			WeeklyVolume: sel.WeeklyVolume, OrdersPerDay: sel.OrdersPerDay, Nickname: nick,
		})
	}

	if err := r.repo.ReplaceLeaderboard(ctx, periodDays, entries); err != nil {
		r.reg.RefreshFailures.WithLabelValues("scout").Inc()
		return 0, fmt.Errorf("persist refresh: %w", err)
	}

	now := time.Now().UTC()
	for _, sel := range selected {
		ev := bus.CandidateEvent{
			Address: sel.Address, Nickname: sel.Nickname, Rank: sel.Rank,
			Score: sel.Score, Weight: sel.Weight,
			PnL30d: sel.PnL30d, ROI30d: sel.ROI30d, AccountValue: sel.AccountValue,
			WeeklyVolume: sel.WeeklyVolume, OrdersPerDay: sel.OrdersPerDay, TS: now,
		}
		if err := r.bus.Publish(ctx, bus.SubjectCandidates, ev); err != nil {
			r.reg.BusMessages.WithLabelValues(bus.SubjectCandidates, "error").Inc()
			r.log.Warn().Err(err).Str("address", sel.Address).Msg("candidate publish failed")
			continue
		}
		r.reg.BusMessages.WithLabelValues(bus.SubjectCandidates, "ok").Inc()
	}

	r.log.Info().Int("selected", len(selected)).Msg("candidate refresh complete")
	return len(selected), nil
}

// RunDaily refreshes once per UTC day until cancelled.
func (r *Refresher) RunDaily(ctx context.Context, periodDays int) {
	for {
		next := nextUTCMidnight(time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if _, err := r.Refresh(ctx, periodDays); err != nil {
				r.log.Error().Err(err).Msg("daily refresh failed")
			}
		}
	}
}

func (r *Refresher) fetchWithRetry(ctx context.Context, periodDays int) ([]venue.LeaderboardRow, error) {
	var rows []venue.LeaderboardRow
	op := func() error {
		var err error
		rows, err = r.source.Leaderboard(ctx, periodDays)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxElapsedTime(3*time.Minute),
	), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return rows, nil
}

// enrich derives per-trader behavioral stats from recent fill history.
// The venue adapter's shared limiter keeps this under the rate budget.
func (r *Refresher) enrich(ctx context.Context, row venue.LeaderboardRow) (Candidate, error) {
	cand := Candidate{
		Address:      strings.ToLower(row.Address),
		Nickname:     row.Nickname,
		PnL30d:       row.PnL,
		ROI30d:       row.ROI,
		AccountValue: row.AccountValue,
		WeeklyVolume: row.WeeklyVolume,
		OrdersPerDay: row.OrdersPerDay,
		IsSubaccount: row.IsSubaccount,
	}

	fills, err := r.source.UserFills(ctx, row.Address)
	if err != nil {
		return cand, fmt.Errorf("user fills: %w", err)
	}

	wins, closes := 0, 0
	dayPnL := map[string]float64{}
	for _, f := range fills {
		if f.Coin == "BTC" || f.Coin == "ETH" {
			cand.HasBTCETHHistory = true
		}
		if !strings.HasPrefix(f.Dir, "Close") {
			continue
		}
		closes++
		pnl := parseFloat(f.ClosedPnL)
		if pnl > 0 {
			wins++
		}
		day := time.UnixMilli(f.Time).UTC().Format("2006-01-02")
		dayPnL[day] += pnl
	}
	if closes > 0 {
		cand.WinRate = float64(wins) / float64(closes)
	}
	cand.PnLConsistency = consistency(dayPnL)
	return cand, nil
}

// consistency is the fraction of trading days with non-negative PnL,
// shrunk toward 0.5 for small samples.
func consistency(dayPnL map[string]float64) float64 {
	if len(dayPnL) == 0 {
		return 0
	}
	pos := 0
	for _, v := range dayPnL {
		if v >= 0 {
			pos++
		}
	}
	n := float64(len(dayPnL))
	raw := float64(pos) / n
	return (raw*n + 0.5*5) / (n + 5)
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func parseFloat(s string) float64 {
	var v float64
	_, _ = fmt.Sscanf(s, "%g", &v)
	return v
}
