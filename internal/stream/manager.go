package stream

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Source labels for watchlist membership. An address is tracked iff at
// least one source names it.
const (
	SourcePinned    = "pinned"
	SourceLegacy    = "legacy"
	SourceAlphaPool = "alpha_pool"
	SourceCustom    = "custom"
)

// Method is the transport used to track an address.
type Method string

const (
	MethodWebsocket Method = "websocket"
	MethodPolling   Method = "polling"
	methodNone      Method = ""
)

// TransportController starts and stops per-address transports. The manager
// calls it with its own lock held, so implementations must return quickly
// and do real work asynchronously.
type TransportController interface {
	StartWebsocket(address string)
	StopWebsocket(address string)
	StartPolling(address string)
	StopPolling(address string)
}

// Manager maintains the labeled-source watchlist and assigns each address a
// transport. Pinned addresses always hold a websocket slot; other sources
// share slots up to the ceiling and spill to polling.
type Manager struct {
	mu      sync.Mutex
	sources map[string]map[string]bool // source -> set of addresses
	current map[string]Method          // address -> assigned transport
	ctrl    TransportController
	wsSlots int
	log     zerolog.Logger
}

// NewManager creates the subscription manager. wsSlots is the websocket
// ceiling (default 40).
func NewManager(ctrl TransportController, wsSlots int, log zerolog.Logger) *Manager {
	return &Manager{
		sources: map[string]map[string]bool{},
		current: map[string]Method{},
		ctrl:    ctrl,
		wsSlots: wsSlots,
		log:     log,
	}
}

// SetSource replaces one source's full membership and reconciles
// transports.
func (m *Manager) SetSource(source string, addresses []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		set[strings.ToLower(a)] = true
	}
	m.sources[source] = set
	m.reconcile()
}

// AddToSource adds a single address to a source.
func (m *Manager) AddToSource(source, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sources[source] == nil {
		m.sources[source] = map[string]bool{}
	}
	m.sources[source][strings.ToLower(address)] = true
	m.reconcile()
}

// RemoveFromSource drops a single address from a source. The address stays
// tracked while any other source still names it.
func (m *Manager) RemoveFromSource(source, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sources[source], strings.ToLower(address))
	m.reconcile()
}

// Assignments returns a copy of the current transport map.
func (m *Manager) Assignments() map[string]Method {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Method, len(m.current))
	for a, method := range m.current {
		out[a] = method
	}
	return out
}

// reconcile recomputes the desired transport for every address and applies
// the diff. Caller holds the lock.
func (m *Manager) reconcile() {
	desired := map[string]Method{}

	// Pinned addresses claim websocket slots first and can exceed the
	// ceiling; they are never demoted.
	pinned := sortedAddrs(m.sources[SourcePinned])
	for _, a := range pinned {
		desired[a] = MethodWebsocket
	}

	// Remaining addresses fill leftover slots in deterministic order, then
	// spill to polling.
	slots := m.wsSlots - len(desired)
	others := map[string]bool{}
	for source, set := range m.sources {
		if source == SourcePinned {
			continue
		}
		for a := range set {
			if _, already := desired[a]; !already {
				others[a] = true
			}
		}
	}
	for _, a := range sortedAddrs(others) {
		if slots > 0 {
			desired[a] = MethodWebsocket
			slots--
		} else {
			desired[a] = MethodPolling
		}
	}

	// Tear down removed or demoted transports before starting new ones so
	// an address never runs both at once.
	for a, old := range m.current {
		if desired[a] != old {
			m.stop(a, old)
		}
	}
	for a, want := range desired {
		if m.current[a] != want {
			m.start(a, want)
		}
	}
	m.current = desired
}

func (m *Manager) start(address string, method Method) {
	m.log.Info().Str("address", address).Str("method", string(method)).Msg("tracking address")
	switch method {
	case MethodWebsocket:
		m.ctrl.StartWebsocket(address)
	case MethodPolling:
		m.ctrl.StartPolling(address)
	}
}

func (m *Manager) stop(address string, method Method) {
	switch method {
	case MethodWebsocket:
		m.ctrl.StopWebsocket(address)
	case MethodPolling:
		m.ctrl.StopPolling(address)
	}
}

func sortedAddrs(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
