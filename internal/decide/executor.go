package decide

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/venue"
)

// Execution statuses recorded on the decision log.
const (
	ExecDryRun   = "dry_run"
	ExecPlaced   = "executed"
	ExecFailed   = "exec_error"
	ExecRejected = "risk_reject"
)

// Executor routes approved, sized signals to the execution venue. Real
// order flow requires both the environment flag and the stored config row
// to be enabled; everything else is a dry run that stops at logging.
type Executor struct {
	repo    *Repo
	factory *venue.Factory
	cfg     config.ExecutionConfig
	gov     *Governor
	reg     *metrics.Registry
	log     zerolog.Logger
}

func NewExecutor(repo *Repo, factory *venue.Factory, cfg config.ExecutionConfig,
	gov *Governor, reg *metrics.Registry, log zerolog.Logger) *Executor {
	return &Executor{repo: repo, factory: factory, cfg: cfg, gov: gov, reg: reg, log: log}
}

// Armed reports whether both halves of the execution gate are on.
func (e *Executor) Armed(ctx context.Context) bool {
	if !e.cfg.RealExecutionEnabled {
		return false
	}
	ec, err := e.repo.ExecConfig(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("execution config read failed, staying disarmed")
		return false
	}
	return ec.Enabled
}

// Execute places the signal as a market order with protective stops.
// Returns the execution status for the decision log.
func (e *Executor) Execute(ctx context.Context, sig SignalRow, size *SizeResult) (string, error) {
	if !e.Armed(ctx) {
		e.log.Info().Str("asset", sig.Asset).Str("direction", sig.Direction).
			Float64("notional", size.NotionalUSD).Msg("dry run, execution disarmed")
		return ExecDryRun, nil
	}

	adapter, err := e.adapter(ctx, sig.TargetExchange)
	if err != nil {
		return ExecFailed, err
	}

	qty := adapter.FormatSize(sig.Asset, size.NotionalUSD/sig.EntryPrice)
	if qty <= 0 {
		return ExecFailed, fmt.Errorf("notional $%.2f too small for %s lot size", size.NotionalUSD, sig.Asset)
	}

	side := "buy"
	if sig.Direction == "short" {
		side = "sell"
	}
	start := time.Now()
	result, err := adapter.OpenMarket(ctx, venue.OrderRequest{
		Asset: sig.Asset, Side: side, Size: qty,
		SlippageTolerance: e.cfg.SlippageTolerance,
	})
	e.reg.VenueLatency.WithLabelValues(string(adapter.Name()), "open_market").Observe(time.Since(start).Seconds())
	if err != nil {
		e.gov.RecordAPIError()
		e.reg.VenueCalls.WithLabelValues(string(adapter.Name()), "open_market", "error").Inc()
		return ExecFailed, fmt.Errorf("open market %s %s: %w", side, sig.Asset, err)
	}
	e.gov.RecordAPISuccess()
	e.reg.VenueCalls.WithLabelValues(string(adapter.Name()), "open_market", "ok").Inc()

	if err := e.placeStops(ctx, adapter, sig, result); err != nil {
		// The position is live without protection; this is an incident,
		// not a silent warning.
		e.reg.Incidents.WithLabelValues("unprotected_position").Inc()
		e.log.Error().Err(err).Str("asset", sig.Asset).Msg("stop placement failed on live position")
		return ExecPlaced, err
	}

	e.log.Info().Str("asset", sig.Asset).Str("direction", sig.Direction).
		Float64("size", result.FilledSize).Float64("avg_price", result.AvgPrice).
		Str("venue", string(adapter.Name())).Msg("position opened")
	return ExecPlaced, nil
}

// placeStops anchors the protective pair on the actual fill price: stop at
// one risk unit away, take profit at rr_ratio units.
func (e *Executor) placeStops(ctx context.Context, adapter venue.Adapter, sig SignalRow, result *venue.OrderResult) error {
	fill := result.AvgPrice
	if fill <= 0 {
		fill = sig.EntryPrice
	}
	dist := math.Abs(sig.EntryPrice - sig.StopPrice)

	var stop, tp float64
	if sig.Direction == "long" {
		stop = fill - dist
		tp = fill + e.cfg.RRRatio*dist
	} else {
		stop = fill + dist
		tp = fill - e.cfg.RRRatio*dist
	}

	row := StopRow{
		PositionID: uuid.NewString(),
		Exchange:   string(adapter.Name()),
		Asset:      sig.Asset, StopPrice: stop, TakeProfitPrice: tp,
		Size: result.FilledSize,
	}

	useNative := e.cfg.UseNativeStops && adapter.SupportsNativeStops()
	if useNative {
		pair, err := adapter.PlaceStopPair(ctx, venue.StopPairRequest{
			Asset: sig.Asset, Direction: sig.Direction, Size: result.FilledSize,
			StopPrice: stop, TakeProfitPrice: tp,
		})
		if err != nil {
			return fmt.Errorf("native stop pair: %w", err)
		}
		row.NativeSLOrderID = &pair.SLOrderID
		row.NativeTPOrderID = &pair.TPOrderID
	}

	// Registered regardless of mode: the monitor needs the row for
	// max-hold sweeps even when the venue holds the triggers.
	if err := e.repo.RegisterStops(ctx, row); err != nil {
		return fmt.Errorf("register stops: %w", err)
	}
	return nil
}

func (e *Executor) adapter(ctx context.Context, exchange string) (venue.Adapter, error) {
	name := exchange
	if name == "" {
		name = e.cfg.Exchange
	}
	adapter, err := e.factory.Adapter(venue.Exchange(strings.ToLower(name)))
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	return adapter, nil
}
