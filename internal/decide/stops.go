package decide

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/venue"
)

// StopMonitor watches registered stop pairs. In polling mode it triggers
// the exits itself from mark prices; with native stops the venue holds the
// triggers and the monitor only enforces the maximum holding time.
type StopMonitor struct {
	repo    *Repo
	factory *venue.Factory
	cfg     config.ExecutionConfig
	gov     *Governor
	reg     *metrics.Registry
	log     zerolog.Logger
}

func NewStopMonitor(repo *Repo, factory *venue.Factory, cfg config.ExecutionConfig,
	gov *Governor, reg *metrics.Registry, log zerolog.Logger) *StopMonitor {
	return &StopMonitor{repo: repo, factory: factory, cfg: cfg, gov: gov, reg: reg, log: log}
}

// Run polls until cancelled.
func (m *StopMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep walks every registered stop once. Positions live on whichever
// venue won the EV routing, so the adapter is resolved per row.
func (m *StopMonitor) Sweep(ctx context.Context, now time.Time) {
	rows, err := m.repo.ActiveStops(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("active stops read failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	adapters := map[string]venue.Adapter{}
	maxHold := time.Duration(m.cfg.MaxPositionHours) * time.Hour
	for _, row := range rows {
		adapter := m.adapterFor(adapters, row.Exchange)
		if adapter == nil {
			continue
		}
		if now.Sub(row.RegisteredAt) > maxHold {
			m.forceClose(ctx, adapter, row, "max_hold")
			continue
		}
		if row.NativeSLOrderID != nil || row.NativeTPOrderID != nil {
			continue // venue-held triggers
		}
		m.pollOne(ctx, adapter, row)
	}
}

// adapterFor resolves the venue holding a registered position, memoized
// for the sweep. Rows without an exchange fall back to the configured
// default.
func (m *StopMonitor) adapterFor(cache map[string]venue.Adapter, exchange string) venue.Adapter {
	name := exchange
	if name == "" {
		name = m.cfg.Exchange
	}
	if adapter, ok := cache[name]; ok {
		return adapter
	}
	adapter, err := m.factory.Adapter(venue.Exchange(name))
	if err != nil {
		m.log.Error().Err(err).Str("exchange", name).Msg("stop monitor has no venue adapter")
		adapter = nil
	}
	cache[name] = adapter
	return adapter
}

// pollOne checks the mark price against a software-held stop pair. The
// take-profit sits above the stop for longs and below it for shorts.
func (m *StopMonitor) pollOne(ctx context.Context, adapter venue.Adapter, row StopRow) {
	mark, err := adapter.MarkPrice(ctx, row.Asset)
	if err != nil {
		m.gov.RecordAPIError()
		m.log.Warn().Err(err).Str("asset", row.Asset).Msg("mark price poll failed")
		return
	}
	m.gov.RecordAPISuccess()

	long := row.TakeProfitPrice > row.StopPrice
	var reason string
	switch {
	case long && mark <= row.StopPrice, !long && mark >= row.StopPrice:
		reason = "stop_loss"
	case long && mark >= row.TakeProfitPrice, !long && mark <= row.TakeProfitPrice:
		reason = "take_profit"
	default:
		return
	}
	m.log.Info().Str("asset", row.Asset).Str("reason", reason).
		Float64("mark", mark).Msg("stop triggered")
	m.forceClose(ctx, adapter, row, reason)
}

// forceClose cancels any native triggers first so the close cannot race a
// venue-side fill, then market-closes and drops the registration.
func (m *StopMonitor) forceClose(ctx context.Context, adapter venue.Adapter, row StopRow, reason string) {
	if row.NativeSLOrderID != nil || row.NativeTPOrderID != nil {
		pair := &venue.StopPair{}
		if row.NativeSLOrderID != nil {
			pair.SLOrderID = *row.NativeSLOrderID
		}
		if row.NativeTPOrderID != nil {
			pair.TPOrderID = *row.NativeTPOrderID
		}
		if err := adapter.CancelStops(ctx, row.Asset, pair); err != nil {
			m.gov.RecordAPIError()
			m.log.Error().Err(err).Str("position", row.PositionID).Msg("native stop cancel failed, keeping registration")
			return
		}
	}

	if _, err := adapter.CloseMarket(ctx, row.Asset, row.Size); err != nil {
		m.gov.RecordAPIError()
		m.reg.Incidents.WithLabelValues("close_failed").Inc()
		m.log.Error().Err(err).Str("position", row.PositionID).Msg("market close failed")
		return
	}
	m.gov.RecordAPISuccess()

	if err := m.repo.RemoveStops(ctx, row.PositionID); err != nil {
		m.log.Warn().Err(err).Str("position", row.PositionID).Msg("stop deregistration failed")
	}
	m.log.Info().Str("position", row.PositionID).Str("asset", row.Asset).
		Str("reason", reason).Msg("position closed")
}

// VenueAccount adapts a venue adapter to the governor's account view.
type VenueAccount struct {
	adapter venue.Adapter
}

func NewVenueAccount(adapter venue.Adapter) *VenueAccount {
	return &VenueAccount{adapter: adapter}
}

func (a *VenueAccount) AccountSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	bal, err := a.adapter.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	positions, err := a.adapter.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return &AccountSnapshot{
		Equity:            bal.AccountValue,
		MaintenanceMargin: bal.MaintenanceMargin,
		Positions:         positions,
	}, nil
}
