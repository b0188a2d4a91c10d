package decide

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/venue"
)

const priceRefresh = 5 * time.Second

// MidSource supplies current mids for the consensus price band.
type MidSource interface {
	AllMids(ctx context.Context) (map[string]float64, error)
}

// Service assembles the Decide pipeline: episode building, the consensus
// engine, risk governance, sizing, and execution.
type Service struct {
	repo     *Repo
	builder  *Builder
	engine   *Engine
	gov      *Governor
	monitor  *StopMonitor
	regimes  *RegimeDetector
	logger   *DecisionLogger
	mids     MidSource
	bus      bus.Bus
	reg      *metrics.Registry
	log      zerolog.Logger
	handlers *Handlers
	assets   []string

	factory       *venue.Factory
	healthStagger time.Duration

	mu      sync.Mutex
	weights map[string]float64
}

// NewService wires the service against a shared venue factory.
func NewService(repo *Repo, factory *venue.Factory, costs *venue.CostProvider,
	account AccountSource, mids MidSource, cfg *config.Config,
	b bus.Bus, reg *metrics.Registry, log zerolog.Logger) *Service {

	assets := []string{"BTC", "ETH"}
	logger := NewDecisionLogger(repo, log)
	gov := NewGovernor(repo, account, cfg.Risk, cfg.Breakers, reg, log)
	sizer := NewSizer(repo, cfg.Kelly, cfg.Risk, log)
	exec := NewExecutor(repo, factory, cfg.Execution, gov, reg, log)
	regimes := NewRegimeDetector(repo, assets, log)
	evCalc := NewEVCalculator(costs, executionVenues(cfg.Execution.Exchange))

	s := &Service{
		repo: repo, gov: gov, logger: logger, mids: mids,
		bus: b, reg: reg, log: log, assets: assets,
		monitor: NewStopMonitor(repo, factory, cfg.Execution, gov, reg, log),
		regimes: regimes,
		weights: map[string]float64{},

		factory:       factory,
		healthStagger: cfg.Venues.HealthStaggerDelay,
	}
	s.engine = NewEngine(EngineDeps{
		Repo: repo, Logger: logger, Gov: gov, Sizer: sizer, Exec: exec,
		EVCalc: evCalc, Regimes: regimes, Bus: b, Reg: reg, Log: log,
	}, cfg)
	s.builder = NewBuilder(repo, repo, cfg.ATR, b, reg, log, s.engine.SubmitVote, s.onOutcome)
	s.handlers = NewHandlers(s)
	return s
}

// executionVenues orders the EV candidates so the configured venue wins
// EV ties.
func executionVenues(configured string) []venue.Exchange {
	ordered := []venue.Exchange{venue.Exchange(strings.ToLower(configured))}
	for _, ex := range venue.All {
		if ex != ordered[0] {
			ordered = append(ordered, ex)
		}
	}
	return ordered
}

// Handlers returns the HTTP handler set for mounting.
func (s *Service) Handlers() *Handlers { return s.handlers }

// Run restores open episodes, attaches bus consumers, and drives the
// background loops until the context ends.
func (s *Service) Run(ctx context.Context) error {
	if err := s.builder.Restore(ctx); err != nil {
		return fmt.Errorf("restore episodes: %w", err)
	}
	if err := s.subscribe(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(ctx) })
	g.Go(func() error { return s.regimes.Run(ctx) })
	g.Go(func() error { return s.monitor.Run(ctx) })
	g.Go(func() error { s.builder.RunTimeoutSweep(ctx); return nil })
	g.Go(func() error { s.pollPrices(ctx); return nil })
	return g.Wait()
}

func (s *Service) subscribe(ctx context.Context) error {
	subs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{bus.SubjectFills, "decide-fills", s.onFill},
		{bus.SubjectScores, "decide-scores", s.onScore},
	}
	for _, sub := range subs {
		if err := s.bus.Subscribe(ctx, sub.subject, sub.durable, sub.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
	}
	return nil
}

func (s *Service) onFill(ctx context.Context, data []byte) error {
	var ev bus.FillEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	return s.builder.HandleFill(ctx, ev)
}

// onScore keeps the engine's vote-weight table in sync with Sage's
// selection events.
func (s *Service) onScore(_ context.Context, data []byte) error {
	var ev bus.ScoreEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	addr := strings.ToLower(ev.Address)
	if ev.Selected {
		s.weights[addr] = ev.Weight
	} else {
		delete(s.weights, addr)
	}
	snapshot := make(map[string]float64, len(s.weights))
	for a, w := range s.weights {
		snapshot[a] = w
	}
	s.mu.Unlock()

	s.engine.SetWeights(snapshot)
	return nil
}

// onOutcome closes the loop on a finished episode: annotate the matching
// signal and advance the loss-streak breaker.
func (s *Service) onOutcome(ctx context.Context, ev bus.OutcomeEvent) {
	s.logger.Annotate(ctx, ev)
	s.gov.RecordOutcome(ctx, ev.ResultR)
}

func (s *Service) pollPrices(ctx context.Context) {
	ticker := time.NewTicker(priceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mids, err := s.mids.AllMids(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("mid refresh failed")
				continue
			}
			for _, asset := range s.assets {
				if mid, ok := mids[asset]; ok {
					s.engine.UpdatePrice(asset, mid)
				}
			}
		}
	}
}
