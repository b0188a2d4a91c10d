package stream

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/venue"
)

// FeedSource is the slice of the venue surface the trackers consume.
type FeedSource interface {
	UserFills(ctx context.Context, address string) ([]venue.RawFill, error)
	UserState(ctx context.Context, address string) (*venue.ClearinghouseState, error)
}

// DialFunc opens a live user feed. Injected so tests can fake the socket.
type DialFunc func(ctx context.Context, wsURL, address string) (*venue.WSConn, error)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second

	pollFloor = 30 * time.Second
	pollSpan  = 30 * time.Second // poll every 30-60s
)

// PositionCache holds the latest snapshot-primed positions per address.
type PositionCache struct {
	mu        sync.RWMutex
	positions map[string][]venue.Position
	ready     map[string]bool
}

// NewPositionCache creates an empty cache.
func NewPositionCache() *PositionCache {
	return &PositionCache{positions: map[string][]venue.Position{}, ready: map[string]bool{}}
}

// Set stores an address's current positions and marks it ready.
func (p *PositionCache) Set(address string, positions []venue.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[address] = positions
	p.ready[address] = true
}

// Drop forgets an address.
func (p *PositionCache) Drop(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, address)
	delete(p.ready, address)
}

// Snapshot returns all positions and whether every tracked address has been
// primed at least once.
func (p *PositionCache) Snapshot(tracked []string) (map[string][]venue.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]venue.Position, len(p.positions))
	for a, pos := range p.positions {
		out[a] = pos
	}
	allReady := true
	for _, a := range tracked {
		if !p.ready[a] {
			allReady = false
			break
		}
	}
	return out, allReady
}

// Supervisor runs one goroutine per tracked address, in websocket or
// polling mode, and implements the manager's TransportController.
type Supervisor struct {
	source     FeedSource
	dial       DialFunc
	wsURL      string
	normalizer *Normalizer
	positions  *PositionCache
	log        zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor wires the tracker pool. ctx bounds every tracker it
// starts.
func NewSupervisor(ctx context.Context, source FeedSource, dial DialFunc, wsURL string,
	normalizer *Normalizer, positions *PositionCache, log zerolog.Logger) *Supervisor {
	if dial == nil {
		dial = venue.DialUserFeed
	}
	return &Supervisor{
		source: source, dial: dial, wsURL: wsURL,
		normalizer: normalizer, positions: positions, log: log,
		ctx: ctx, cancels: map[string]context.CancelFunc{},
	}
}

func (s *Supervisor) StartWebsocket(address string) { s.launch(address, s.runWebsocket) }
func (s *Supervisor) StartPolling(address string)   { s.launch(address, s.runPolling) }
func (s *Supervisor) StopWebsocket(address string)  { s.halt(address) }
func (s *Supervisor) StopPolling(address string)    { s.halt(address) }

// Wait blocks until every tracker goroutine has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) launch(address string, run func(context.Context, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[address]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancels[address] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx, address)
	}()
}

func (s *Supervisor) halt(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[address]; ok {
		cancel()
		delete(s.cancels, address)
	}
	s.positions.Drop(address)
}

// runWebsocket holds a live feed for one address, reconnecting with
// full-jitter backoff. Each successful connect re-primes positions and
// backfills fills missed during the gap.
func (s *Supervisor) runWebsocket(ctx context.Context, address string) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.trackOnce(ctx, address); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("address", address).Int("attempt", attempt).Msg("tracker disconnected")
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(fullJitter(attempt)):
		}
	}
}

// trackOnce primes the address, dials, and reads until error or cancel.
func (s *Supervisor) trackOnce(ctx context.Context, address string) error {
	s.prime(ctx, address)

	conn, err := s.dial(ctx, s.wsURL, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.ReadFills(ctx, func(msg venue.WSFillMessage) {
		if _, err := s.normalizer.Ingest(ctx, address, msg.Fills); err != nil {
			s.log.Error().Err(err).Str("address", address).Msg("fill ingest failed")
		}
	})
}

// prime fetches a one-shot snapshot so holdings are queryable immediately,
// and backfills any fills missed while disconnected.
func (s *Supervisor) prime(ctx context.Context, address string) {
	if st, err := s.source.UserState(ctx, address); err == nil {
		s.positions.Set(address, st.Positions)
	} else {
		s.log.Warn().Err(err).Str("address", address).Msg("position snapshot failed")
	}

	if fills, err := s.source.UserFills(ctx, address); err == nil {
		if _, err := s.normalizer.Ingest(ctx, address, fills); err != nil {
			s.log.Error().Err(err).Str("address", address).Msg("backfill ingest failed")
		}
	}
}

// runPolling fetches fills and positions on a jittered 30-60s cycle.
func (s *Supervisor) runPolling(ctx context.Context, address string) {
	for {
		s.prime(ctx, address)

		wait := pollFloor + time.Duration(rand.Int63n(int64(pollSpan)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// fullJitter returns a uniform delay in (0, min(cap, base*2^attempt)].
func fullJitter(attempt int) time.Duration {
	ceiling := float64(reconnectBase) * math.Pow(2, float64(attempt))
	if ceiling > float64(reconnectCap) {
		ceiling = float64(reconnectCap)
	}
	return time.Duration(rand.Float64() * ceiling)
}
