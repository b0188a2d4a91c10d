package sage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

// Service assembles Sage: posterior maintenance, pool selection, the
// correlation job, and shadow-ledger snapshots.
type Service struct {
	repo      *Repo
	selector  *Selector
	corrJob   *CorrelationJob
	snapshots *SnapshotJob
	replayer  *Replayer
	bus       bus.Bus
	reg       *metrics.Registry
	log       zerolog.Logger
}

// NewService wires the service.
func NewService(repo *Repo, cfg config.PoolConfig, vote config.VoteWeightConfig, b bus.Bus, reg *metrics.Registry, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		selector:  NewSelector(repo, cfg, vote, b, reg, log),
		corrJob:   NewCorrelationJob(repo, log),
		snapshots: NewSnapshotJob(repo, cfg, reg, log),
		replayer:  NewReplayer(repo, cfg, log),
		bus:       b,
		reg:       reg,
		log:       log,
	}
}

// Run drives the consumers and periodic jobs until the context ends.
func (s *Service) Run(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, bus.SubjectOutcomes, "sage-outcomes", s.onOutcome); err != nil {
		return fmt.Errorf("subscribe outcomes: %w", err)
	}
	if err := s.bus.Subscribe(ctx, bus.SubjectCandidates, "sage-candidates", s.onCandidate); err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.selector.RunScheduled(ctx); return nil })
	g.Go(func() error { s.corrJob.Run(ctx); return nil })
	g.Go(func() error { s.snapshots.Run(ctx); return nil })
	return g.Wait()
}

// onOutcome folds one closed-episode R-multiple into the trader's
// posterior. Outcomes for one address arrive in close order, so the
// read-update-write below is race-free per address.
func (s *Service) onOutcome(ctx context.Context, data []byte) error {
	var ev bus.OutcomeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	row, err := s.repo.Posterior(ctx, ev.Address)
	if err != nil {
		return err
	}
	row.NIG = row.NIG.Update(ev.ResultR)
	row.TotalSignals++
	row.TotalPnLR += ev.ResultR
	row.AvgR = row.TotalPnLR / float64(row.TotalSignals)
	ts := ev.ClosedTS
	row.LastUpdateTS = &ts

	if err := s.repo.UpsertPosterior(ctx, row); err != nil {
		return err
	}
	s.log.Debug().Str("address", ev.Address).Float64("r", ev.ResultR).
		Float64("m", row.M).Float64("kappa", row.Kappa).Msg("posterior updated")
	return nil
}

// onCandidate seeds a posterior row for addresses Scout surfaces, so they
// enter the observed universe before their first closed episode.
func (s *Service) onCandidate(ctx context.Context, data []byte) error {
	var ev bus.CandidateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	row, err := s.repo.Posterior(ctx, ev.Address)
	if err != nil {
		return err
	}
	if row.LastUpdateTS != nil || row.TotalSignals > 0 {
		return nil // already observed
	}
	now := time.Now().UTC()
	row.LastUpdateTS = &now
	return s.repo.UpsertPosterior(ctx, row)
}

// Selector exposes on-demand refresh for the admin surface.
func (s *Service) Selector() *Selector { return s.selector }

// Snapshots exposes on-demand snapshot creation.
func (s *Service) Snapshots() *SnapshotJob { return s.snapshots }

// Replayer exposes the replay runner.
func (s *Service) Replayer() *Replayer { return s.replayer }
