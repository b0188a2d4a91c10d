package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/metrics"
)

const (
	ringSize       = 5000
	batchPerTick   = 200
	replayCap      = 500
	sendTick       = 500 * time.Millisecond
	heartbeat      = 30 * time.Second
	writeDeadline  = 10 * time.Second
	clientReadSize = 512
)

// Event is one sequenced fan-out frame.
type Event struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub is the fan-out core: a bounded ring of recent events plus the live
// subscriber set. The ring is the source of truth; a subscriber that falls
// behind it simply misses the evicted events.
type Hub struct {
	mu       sync.RWMutex
	ring     []Event
	seq      int64
	prices   map[string]float64
	priceVer int64
	subs     map[*subscriber]struct{}

	upgrader websocket.Upgrader
	reg      *metrics.Registry
	log      zerolog.Logger
}

type subscriber struct {
	conn *websocket.Conn

	mu       sync.Mutex
	lastSeq  int64
	priceVer int64
}

// NewHub creates the fan-out hub.
func NewHub(reg *metrics.Registry, log zerolog.Logger) *Hub {
	return &Hub{
		ring:   make([]Event, 0, ringSize),
		prices: map[string]float64{},
		subs:   map[*subscriber]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  clientReadSize,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		reg: reg,
		log: log,
	}
}

// Publish appends an event to the ring, evicting the oldest when full.
func (h *Hub) Publish(evType string, data any) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := Event{Seq: h.seq, Type: evType, Data: data}
	if len(h.ring) == ringSize {
		copy(h.ring, h.ring[1:])
		h.ring[len(h.ring)-1] = ev
	} else {
		h.ring = append(h.ring, ev)
	}
	return h.seq
}

// SetPrice records a mid price, bumping the price version when it changed.
func (h *Hub) SetPrice(asset string, px float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.prices[asset] == px {
		return
	}
	h.prices[asset] = px
	h.priceVer++
}

// LatestSeq returns the newest sequence number.
func (h *Hub) LatestSeq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// eventsSince returns up to max events with seq > since, oldest first.
func (h *Hub) eventsSince(since int64, max int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// The ring is seq-ordered; find the first entry past the cursor.
	lo, hi := 0, len(h.ring)
	for lo < hi {
		mid := (lo + hi) / 2
		if h.ring[mid].Seq <= since {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	out := h.ring[lo:]
	if len(out) > max {
		out = out[:max]
	}
	// Copy so callers never alias the ring.
	return append([]Event(nil), out...)
}

func (h *Hub) pricesCopy() (map[string]float64, int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]float64, len(h.prices))
	for a, p := range h.prices {
		out[a] = p
	}
	return out, h.priceVer
}

// ServeWS upgrades the request and runs the subscriber until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	prices, priceVer := h.pricesCopy()
	sub := &subscriber{conn: conn, lastSeq: h.LatestSeq(), priceVer: priceVer}

	hello := map[string]any{"type": "hello", "latestSeq": sub.lastSeq, "prices": prices}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.reg.WSSubscribers.Set(float64(n))

	ctx, cancel := context.WithCancel(r.Context())
	go h.readLoop(cancel, sub)
	h.writeLoop(ctx, sub)

	h.mu.Lock()
	delete(h.subs, sub)
	n = len(h.subs)
	h.mu.Unlock()
	h.reg.WSSubscribers.Set(float64(n))
	conn.Close()
}

// readLoop handles client frames: a {since} cursor rewind and pong
// bookkeeping. Any read error ends the subscription.
func (h *Hub) readLoop(cancel context.CancelFunc, sub *subscriber) {
	defer cancel()
	sub.conn.SetReadLimit(clientReadSize)
	sub.conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
	})

	for {
		var msg struct {
			Since *int64 `json:"since"`
		}
		if err := sub.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Since == nil {
			continue
		}
		// Replay is capped; the cursor lands no further back than the cap
		// allows.
		sub.mu.Lock()
		since := *msg.Since
		if floor := sub.lastSeq - replayCap; since < floor {
			since = floor
		}
		if since < sub.lastSeq {
			sub.lastSeq = since
		}
		sub.mu.Unlock()
	}
}

// writeLoop drains the ring toward one subscriber in capped batches and
// keeps the heartbeat alive.
func (h *Hub) writeLoop(ctx context.Context, sub *subscriber) {
	tick := time.NewTicker(sendTick)
	ping := time.NewTicker(heartbeat)
	defer tick.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-tick.C:
			if err := h.flush(sub); err != nil {
				return
			}
		}
	}
}

func (h *Hub) flush(sub *subscriber) error {
	sub.mu.Lock()
	cursor := sub.lastSeq
	priceCursor := sub.priceVer
	sub.mu.Unlock()

	events := h.eventsSince(cursor, batchPerTick)
	if len(events) > 0 {
		sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := sub.conn.WriteJSON(map[string]any{"type": "events", "events": events}); err != nil {
			return err
		}
		cursor = events[len(events)-1].Seq
	}

	prices, priceVer := h.pricesCopy()
	if priceVer > priceCursor {
		frame := map[string]any{"type": "price", "btc": prices["BTC"], "eth": prices["ETH"]}
		sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := sub.conn.WriteJSON(frame); err != nil {
			return err
		}
		priceCursor = priceVer
	}

	sub.mu.Lock()
	if cursor > sub.lastSeq {
		sub.lastSeq = cursor
	}
	sub.priceVer = priceCursor
	sub.mu.Unlock()
	return nil
}
