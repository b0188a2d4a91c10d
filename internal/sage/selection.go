package sage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

// RankedCandidate is one Thompson-sampled pool candidate.
type RankedCandidate struct {
	Address  string  `json:"address"`
	Draw     float64 `json:"draw"`
	Seed     uint64  `json:"-"`
	Rank     int     `json:"rank"`
	Selected bool    `json:"selected"`
	NIG      NIG     `json:"nig"`
	Episodes int     `json:"episodes"`
}

// Selector runs Thompson-sampled alpha-pool selection.
type Selector struct {
	repo *Repo
	cfg  config.PoolConfig
	vote config.VoteWeightConfig
	bus  bus.Bus
	reg  *metrics.Registry
	log  zerolog.Logger
}

// NewSelector wires the selector.
func NewSelector(repo *Repo, cfg config.PoolConfig, vote config.VoteWeightConfig, b bus.Bus, reg *metrics.Registry, log zerolog.Logger) *Selector {
	return &Selector{repo: repo, cfg: cfg, vote: vote, bus: b, reg: reg, log: log}
}

// RankCandidates draws once per candidate and ranks descending. Pure given
// its inputs, so replay can reproduce any past selection from stored
// seeds.
func RankCandidates(date time.Time, version int, posteriors map[string]NIG, episodes map[string]int, selectK int) []RankedCandidate {
	out := make([]RankedCandidate, 0, len(posteriors))
	for addr, p := range posteriors {
		seed := ThompsonSeed(date, addr, version)
		out = append(out, RankedCandidate{
			Address:  addr,
			Draw:     ThompsonDraw(p, seed),
			Seed:     seed,
			NIG:      p,
			Episodes: episodes[addr],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Draw != out[j].Draw {
			return out[i].Draw > out[j].Draw
		}
		return out[i].Address < out[j].Address
	})
	for i := range out {
		out[i].Rank = i + 1
		out[i].Selected = i < selectK
	}
	return out
}

// Refresh rebuilds the candidate set, resamples, and atomically replaces
// the pool. limit optionally narrows the candidate universe for on-demand
// runs; 0 means no limit.
func (s *Selector) Refresh(ctx context.Context, limit int) ([]RankedCandidate, error) {
	current, err := s.repo.PoolMembers(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.ClosedEpisodeCounts(ctx)
	if err != nil {
		return nil, err
	}
	posteriors, err := s.repo.AllPosteriors(ctx)
	if err != nil {
		return nil, err
	}

	// Candidates: current members plus any observed address with enough
	// closed episodes to judge.
	candidates := map[string]NIG{}
	byAddr := make(map[string]PosteriorRow, len(posteriors))
	for _, p := range posteriors {
		byAddr[p.Address] = p
	}
	for _, addr := range current {
		if p, ok := byAddr[addr]; ok {
			candidates[addr] = p.NIG
		} else {
			candidates[addr] = DefaultPrior()
		}
	}
	for _, p := range posteriors {
		if counts[p.Address] >= s.cfg.MinEpisodes {
			candidates[p.Address] = p.NIG
		}
	}
	if limit > 0 && len(candidates) > limit {
		candidates = trimToPoolSize(candidates, byAddr, limit)
	} else if len(candidates) > s.cfg.PoolSize {
		candidates = trimToPoolSize(candidates, byAddr, s.cfg.PoolSize)
	}

	now := time.Now().UTC()
	date := now.Truncate(24 * time.Hour)
	version, err := s.repo.NextSelectionVersion(ctx, date)
	if err != nil {
		return nil, err
	}

	ranked := RankCandidates(date, version, candidates, counts, s.cfg.SelectK)

	members := make([]string, 0, s.cfg.SelectK)
	for _, c := range ranked {
		if c.Selected {
			members = append(members, c.Address)
		}
	}
	if err := s.repo.ReplacePool(ctx, members); err != nil {
		s.reg.RefreshFailures.WithLabelValues("sage").Inc()
		return nil, fmt.Errorf("replace pool: %w", err)
	}
	s.reg.PoolSize.Set(float64(len(members)))

	for _, c := range ranked {
		ev := bus.ScoreEvent{
			Address: c.Address, Weight: c.NIG.VoteWeight(s.vote),
			SampledMu: c.Draw, Kappa: c.NIG.Kappa, Selected: c.Selected, TS: now,
		}
		if err := s.bus.Publish(ctx, bus.SubjectScores, ev); err != nil {
			s.reg.BusMessages.WithLabelValues(bus.SubjectScores, "error").Inc()
			s.log.Warn().Err(err).Str("address", c.Address).Msg("score publish failed")
			continue
		}
		s.reg.BusMessages.WithLabelValues(bus.SubjectScores, "ok").Inc()
	}

	s.log.Info().Int("candidates", len(ranked)).Int("selected", len(members)).
		Int("version", version).Msg("alpha pool refreshed")
	return ranked, nil
}

// trimToPoolSize keeps the addresses with the most evidence, so the draw
// pool stays bounded.
func trimToPoolSize(candidates map[string]NIG, rows map[string]PosteriorRow, size int) map[string]NIG {
	type scored struct {
		addr string
		n    int
	}
	order := make([]scored, 0, len(candidates))
	for addr := range candidates {
		order = append(order, scored{addr, rows[addr].TotalSignals})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].n != order[j].n {
			return order[i].n > order[j].n
		}
		return order[i].addr < order[j].addr
	})
	out := make(map[string]NIG, size)
	for _, s := range order[:size] {
		out[s.addr] = candidates[s.addr]
	}
	return out
}

// RunScheduled refreshes the pool immediately when empty (fresh install)
// and then every 24h.
func (s *Selector) RunScheduled(ctx context.Context) {
	if members, err := s.repo.PoolMembers(ctx); err == nil && len(members) == 0 {
		s.log.Info().Msg("empty pool detected, running initial selection")
		if _, err := s.Refresh(ctx, 0); err != nil {
			s.log.Error().Err(err).Msg("initial pool refresh failed")
		}
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx, 0); err != nil {
				s.log.Error().Err(err).Msg("scheduled pool refresh failed")
			}
		}
	}
}
