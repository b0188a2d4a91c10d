package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

const (
	chainInterval    = 5 * time.Minute
	watchlistRefresh = time.Minute
	wsSlotCeiling    = 40
)

// Service assembles the Stream pipeline: subscription management, per-
// address trackers, chain validation, the price feed, and WebSocket
// fan-out.
type Service struct {
	repo       *Repo
	manager    *Manager
	supervisor *Supervisor
	validator  *Validator
	priceFeed  *PriceFeed
	hub        *Hub
	bus        bus.Bus
	handlers   *Handlers
	log        zerolog.Logger

	mu        sync.Mutex
	alphaPool map[string]bool
}

// VenueSurface is everything Stream needs from the venue adapter.
type VenueSurface interface {
	FeedSource
	MidSource
}

// NewService wires the service. ctx bounds the tracker pool.
func NewService(ctx context.Context, repo *Repo, source VenueSurface, dial DialFunc, wsURL string,
	b bus.Bus, reg *metrics.Registry, log zerolog.Logger) *Service {

	normalizer := NewNormalizer(repo, b, reg, log)
	positions := NewPositionCache()
	hub := NewHub(reg, log)
	supervisor := NewSupervisor(ctx, source, dial, wsURL, normalizer, positions, log)

	s := &Service{
		repo:       repo,
		supervisor: supervisor,
		validator:  NewValidator(repo, source, normalizer, reg, log),
		priceFeed:  NewPriceFeed(source, repo, hub, log),
		hub:        hub,
		bus:        b,
		log:        log,
		alphaPool:  map[string]bool{},
	}
	s.manager = NewManager(supervisor, wsSlotCeiling, log)
	s.handlers = NewHandlers(repo, s.manager, positions, hub)
	return s
}

// Handlers returns the HTTP handler set for mounting.
func (s *Service) Handlers() *Handlers { return s.handlers }

// Run drives every background loop until the context ends.
func (s *Service) Run(ctx context.Context) error {
	if err := s.subscribe(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.priceFeed.Run(ctx); return nil })
	g.Go(func() error { s.validator.Run(ctx, chainInterval); return nil })
	g.Go(func() error { s.refreshWatchlistLoop(ctx); return nil })

	err := g.Wait()
	s.supervisor.Wait()
	return err
}

// subscribe attaches the bus consumers: candidate and score events feed the
// watchlist, fills and signals feed the fan-out ring.
func (s *Service) subscribe(ctx context.Context) error {
	subs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{bus.SubjectCandidates, "stream-candidates", s.onCandidate},
		{bus.SubjectScores, "stream-scores", s.onScore},
		{bus.SubjectFills, "stream-fanout-fills", s.onFill},
		{bus.SubjectSignals, "stream-fanout-signals", s.onSignal},
	}
	for _, sub := range subs {
		if err := s.bus.Subscribe(ctx, sub.subject, sub.durable, sub.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
	}
	return nil
}

func (s *Service) onCandidate(_ context.Context, data []byte) error {
	var ev bus.CandidateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.manager.AddToSource(SourceLegacy, ev.Address)
	return nil
}

// onScore maintains the alpha-pool source from per-address selection
// events.
func (s *Service) onScore(_ context.Context, data []byte) error {
	var ev bus.ScoreEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	if ev.Selected {
		s.alphaPool[ev.Address] = true
	} else {
		delete(s.alphaPool, ev.Address)
	}
	pool := make([]string, 0, len(s.alphaPool))
	for a := range s.alphaPool {
		pool = append(pool, a)
	}
	s.mu.Unlock()

	s.manager.SetSource(SourceAlphaPool, pool)
	return nil
}

func (s *Service) onFill(_ context.Context, data []byte) error {
	var ev bus.FillEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.hub.Publish("fill", ev)
	return nil
}

func (s *Service) onSignal(_ context.Context, data []byte) error {
	var ev bus.SignalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.hub.Publish("signal", ev)
	return nil
}

// refreshWatchlistLoop re-reads the pinned registry so pins made through
// Scout take effect without a restart.
func (s *Service) refreshWatchlistLoop(ctx context.Context) {
	s.refreshPinned(ctx)
	ticker := time.NewTicker(watchlistRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshPinned(ctx)
		}
	}
}

func (s *Service) refreshPinned(ctx context.Context) {
	addrs, err := s.repo.PinnedAddresses(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("pinned refresh failed")
		return
	}
	s.manager.SetSource(SourcePinned, addrs)
}
