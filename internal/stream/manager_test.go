package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu      sync.Mutex
	started map[string]Method
	events  []string
}

func newFakeController() *fakeController {
	return &fakeController{started: map[string]Method{}}
}

func (f *fakeController) StartWebsocket(a string) { f.record("start-ws", a, MethodWebsocket) }
func (f *fakeController) StartPolling(a string)   { f.record("start-poll", a, MethodPolling) }

func (f *fakeController) StopWebsocket(a string) { f.record("stop-ws", a, methodNone) }
func (f *fakeController) StopPolling(a string)   { f.record("stop-poll", a, methodNone) }

func (f *fakeController) record(ev, a string, m Method) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev+":"+a)
	if m == methodNone {
		delete(f.started, a)
	} else {
		f.started[a] = m
	}
}

func addrs(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("0x%s%03d", prefix, i)
	}
	return out
}

func TestManagerAssignsWebsocketUnderCeiling(t *testing.T) {
	ctrl := newFakeController()
	m := NewManager(ctrl, 40, zerolog.Nop())

	m.SetSource(SourceLegacy, addrs(10, "a"))

	got := m.Assignments()
	require.Len(t, got, 10)
	for _, method := range got {
		assert.Equal(t, MethodWebsocket, method)
	}
}

func TestManagerSpillsToPollingAtCeiling(t *testing.T) {
	ctrl := newFakeController()
	m := NewManager(ctrl, 5, zerolog.Nop())

	m.SetSource(SourceLegacy, addrs(8, "a"))

	ws, poll := 0, 0
	for _, method := range m.Assignments() {
		switch method {
		case MethodWebsocket:
			ws++
		case MethodPolling:
			poll++
		}
	}
	assert.Equal(t, 5, ws)
	assert.Equal(t, 3, poll)
}

func TestManagerPinnedNeverDemoted(t *testing.T) {
	ctrl := newFakeController()
	m := NewManager(ctrl, 3, zerolog.Nop())

	// Pinned count alone exceeds the ceiling; all still get websocket.
	m.SetSource(SourcePinned, addrs(5, "p"))
	m.SetSource(SourceLegacy, addrs(4, "a"))

	got := m.Assignments()
	for _, a := range addrs(5, "p") {
		assert.Equal(t, MethodWebsocket, got[a], "pinned %s", a)
	}
	// No slots remain for non-pinned sources.
	for _, a := range addrs(4, "a") {
		assert.Equal(t, MethodPolling, got[a], "legacy %s", a)
	}
}

func TestManagerMultisetSemantics(t *testing.T) {
	ctrl := newFakeController()
	m := NewManager(ctrl, 40, zerolog.Nop())

	m.AddToSource(SourceLegacy, "0xAAA")
	m.AddToSource(SourceCustom, "0xaaa")

	// Removing one source keeps the address tracked via the other.
	m.RemoveFromSource(SourceLegacy, "0xaaa")
	assert.Contains(t, m.Assignments(), "0xaaa")

	m.RemoveFromSource(SourceCustom, "0xaaa")
	assert.NotContains(t, m.Assignments(), "0xaaa")

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Empty(t, ctrl.started)
}

func TestManagerDemotionStopsOldTransportFirst(t *testing.T) {
	ctrl := newFakeController()
	m := NewManager(ctrl, 1, zerolog.Nop())

	m.SetSource(SourceLegacy, []string{"0xaaa"})
	// A pinned arrival claims the only slot; the legacy address demotes.
	m.SetSource(SourcePinned, []string{"0xbbb"})

	got := m.Assignments()
	assert.Equal(t, MethodWebsocket, got["0xbbb"])
	assert.Equal(t, MethodPolling, got["0xaaa"])

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	stopIdx, startIdx := -1, -1
	for i, ev := range ctrl.events {
		switch ev {
		case "stop-ws:0xaaa":
			stopIdx = i
		case "start-poll:0xaaa":
			startIdx = i
		}
	}
	require.GreaterOrEqual(t, stopIdx, 0)
	require.GreaterOrEqual(t, startIdx, 0)
	assert.Less(t, stopIdx, startIdx, "old transport must stop before the new one starts")
}

func TestManagerAddressesLowercased(t *testing.T) {
	ctrl := newFakeController()
	m := NewManager(ctrl, 40, zerolog.Nop())

	m.SetSource(SourcePinned, []string{"0xABCDEF"})
	assert.Contains(t, m.Assignments(), "0xabcdef")
}
