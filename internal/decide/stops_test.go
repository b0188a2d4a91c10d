package decide

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/venue"
)

func TestStopMonitorRoutesByRowExchange(t *testing.T) {
	factory := venue.NewFactory(venue.Credentials{}, 10)
	m := NewStopMonitor(nil, factory, config.ExecutionConfig{Exchange: "hyperliquid"},
		nil, nil, zerolog.Nop())
	cache := map[string]venue.Adapter{}

	// A position routed to bybit at signal time is swept on bybit, not on
	// the configured execution venue.
	bybit := m.adapterFor(cache, "bybit")
	require.NotNil(t, bybit)
	assert.Equal(t, venue.Bybit, bybit.Name())

	fallback := m.adapterFor(cache, "")
	require.NotNil(t, fallback)
	assert.Equal(t, venue.Hyperliquid, fallback.Name(), "rows without a venue use the configured default")

	assert.Same(t, bybit, m.adapterFor(cache, "bybit"), "one adapter per venue per sweep")

	assert.Nil(t, m.adapterFor(cache, "ftx"), "unknown venues are skipped, not misrouted")
}
