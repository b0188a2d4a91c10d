package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Registry holds all Prometheus instruments for a SigmaPilot process.
type Registry struct {
	reg *prometheus.Registry

	// Safety and incident counters
	SafetyBlocks    *prometheus.CounterVec // guard
	RefreshFailures *prometheus.CounterVec // component
	ChainRepairs    prometheus.Counter
	Incidents       *prometheus.CounterVec // kind

	// Bus traffic
	BusMessages *prometheus.CounterVec // subject, result

	// Decision pipeline
	Decisions    *prometheus.CounterVec   // asset, type
	GateDuration *prometheus.HistogramVec // asset

	// Venue calls
	VenueCalls   *prometheus.CounterVec   // venue, op, result
	VenueLatency *prometheus.HistogramVec // venue, op

	// Gauges
	PoolSize      prometheus.Gauge
	OpenEpisodes  prometheus.Gauge
	WSSubscribers prometheus.Gauge
	KillSwitch    prometheus.Gauge
}

// New creates a registry with every SigmaPilot metric registered.
func New(service string) *Registry {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	r := &Registry{
		reg: reg,
		SafetyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigmapilot_safety_blocks_total", Help: "Fail-closed safety blocks by guard", ConstLabels: labels,
		}, []string{"guard"}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigmapilot_refresh_failures_total", Help: "Fatal refresh failures by component", ConstLabels: labels,
		}, []string{"component"}),
		ChainRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigmapilot_chain_repairs_total", Help: "Position-chain clear-and-backfill repairs", ConstLabels: labels,
		}),
		Incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigmapilot_incidents_total", Help: "Invariant violations detected", ConstLabels: labels,
		}, []string{"kind"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigmapilot_bus_messages_total", Help: "Bus messages by subject and result", ConstLabels: labels,
		}, []string{"subject", "result"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigmapilot_decisions_total", Help: "Consensus evaluations by asset and decision type", ConstLabels: labels,
		}, []string{"asset", "type"}),
		GateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "sigmapilot_gate_eval_seconds",
			Help:        "Duration of full five-gate evaluation",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			ConstLabels: labels,
		}, []string{"asset"}),
		VenueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigmapilot_venue_calls_total", Help: "Outbound venue calls by op and result", ConstLabels: labels,
		}, []string{"venue", "op", "result"}),
		VenueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "sigmapilot_venue_latency_seconds",
			Help:        "Latency of venue calls",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: labels,
		}, []string{"venue", "op"}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigmapilot_pool_size", Help: "Current alpha-pool membership count", ConstLabels: labels,
		}),
		OpenEpisodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigmapilot_open_episodes", Help: "Open position episodes tracked", ConstLabels: labels,
		}),
		WSSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigmapilot_ws_subscribers", Help: "Connected fan-out WebSocket subscribers", ConstLabels: labels,
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigmapilot_kill_switch_active", Help: "1 while the kill switch is active", ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		r.SafetyBlocks, r.RefreshFailures, r.ChainRepairs, r.Incidents,
		r.BusMessages, r.Decisions, r.GateDuration,
		r.VenueCalls, r.VenueLatency,
		r.PoolSize, r.OpenEpisodes, r.WSSubscribers, r.KillSwitch,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
