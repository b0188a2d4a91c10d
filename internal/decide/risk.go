package decide

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/venue"
)

const (
	accountFetchRetries = 3
	accountFetchBackoff = 500 * time.Millisecond
)

// RiskCheck records one hard-gate evaluation.
type RiskCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RiskVerdict is the governor's answer for one prospective position.
type RiskVerdict struct {
	Approved bool        `json:"approved"`
	Blocked  string      `json:"blocked,omitempty"` // first failing gate
	Checks   []RiskCheck `json:"checks"`
}

// AccountSnapshot is the venue account state the governor reasons over.
// Stablecoin collateral is valued 1:1 with USD.
type AccountSnapshot struct {
	Equity            float64
	MaintenanceMargin float64
	Positions         []venue.Position
}

// AccountSource fetches live account state from the execution venue.
type AccountSource interface {
	AccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
}

// Governor enforces the hard risk gates. Every gate must pass before a
// signal is sized and executed; account-state fetch failures block the
// trade rather than guessing.
type Governor struct {
	repo     *Repo
	account  AccountSource
	riskCfg  config.RiskConfig
	breakCfg config.BreakerConfig
	reg      *metrics.Registry
	log      zerolog.Logger

	mu           sync.Mutex
	dayStartDate string
	dayStartEq   float64
	apiErrStreak int
	apiPauseTill time.Time
}

func NewGovernor(repo *Repo, account AccountSource, riskCfg config.RiskConfig,
	breakCfg config.BreakerConfig, reg *metrics.Registry, log zerolog.Logger) *Governor {
	return &Governor{
		repo: repo, account: account, riskCfg: riskCfg, breakCfg: breakCfg,
		reg: reg, log: log,
	}
}

// Approve fetches account state and runs the hard gates in order for a
// prospective position of the given notional.
func (g *Governor) Approve(ctx context.Context, asset string, notionalUSD float64) (*RiskVerdict, error) {
	snap, err := g.FetchAccount(ctx)
	if err != nil {
		return &RiskVerdict{
			Blocked: "account_state",
			Checks:  []RiskCheck{{Name: "account_state", Detail: "account state unavailable after retries"}},
		}, nil
	}
	return g.ApproveSnapshot(ctx, asset, notionalUSD, snap), nil
}

// FetchAccount retries the venue before giving up; a final failure counts
// a safety block because the governor never trades on absent data.
func (g *Governor) FetchAccount(ctx context.Context) (*AccountSnapshot, error) {
	snap, err := g.fetchAccount(ctx)
	if err != nil {
		g.reg.SafetyBlocks.WithLabelValues("account_state").Inc()
		g.log.Error().Err(err).Msg("account state unavailable, blocking trade")
		return nil, err
	}
	return snap, nil
}

// ApproveSnapshot runs the hard gates against an already-fetched account
// snapshot. A blocked verdict names the first failing gate.
func (g *Governor) ApproveSnapshot(ctx context.Context, asset string, notionalUSD float64, snap *AccountSnapshot) *RiskVerdict {
	v := &RiskVerdict{}
	failed := func(name, detail string) *RiskVerdict {
		v.Checks = append(v.Checks, RiskCheck{Name: name, Passed: false, Detail: detail})
		v.Blocked = name
		return v
	}
	passed := func(name, detail string) {
		v.Checks = append(v.Checks, RiskCheck{Name: name, Passed: true, Detail: detail})
	}

	// Gate 1: kill switch.
	ks, err := g.repo.KillSwitch(ctx)
	if err != nil {
		g.reg.SafetyBlocks.WithLabelValues("kill_switch").Inc()
		return failed("kill_switch", fmt.Sprintf("state unavailable: %v", err))
	}
	if ks.Active {
		if ks.CooldownExpiresAt != nil && time.Now().After(*ks.CooldownExpiresAt) {
			if err := g.repo.DeactivateKillSwitch(ctx); err != nil {
				return failed("kill_switch", fmt.Sprintf("cooldown expired but reset failed: %v", err))
			}
			g.reg.KillSwitch.Set(0)
			g.log.Info().Msg("kill switch cooldown expired, trading resumes")
		} else {
			g.reg.SafetyBlocks.WithLabelValues("kill_switch").Inc()
			return failed("kill_switch", fmt.Sprintf("active: %s", ks.Reason))
		}
	}
	passed("kill_switch", "inactive")

	passed("account_state", fmt.Sprintf("equity $%.2f", snap.Equity))

	// Gate 2: daily drawdown, with kill-switch activation on breach.
	dayStart := g.dayStartEquity(snap.Equity)
	if dayStart > 0 {
		dd, breached := dailyDrawdown(dayStart, snap.Equity, g.riskCfg.MaxDailyLossPct)
		if breached {
			reason := fmt.Sprintf("daily drawdown %.1f%% >= %.1f%%", dd*100, g.riskCfg.MaxDailyLossPct*100)
			g.tripKillSwitch(ctx, reason)
			return failed("daily_drawdown", reason)
		}
		passed("daily_drawdown", fmt.Sprintf("%.1f%% of %.1f%% used", math.Max(dd, 0)*100, g.riskCfg.MaxDailyLossPct*100))
	} else {
		passed("daily_drawdown", "no day baseline yet")
	}

	// Gate 3: liquidation distance.
	required := snap.MaintenanceMargin * g.riskCfg.MinLiqDistance
	if snap.MaintenanceMargin > 0 && snap.Equity < required {
		g.reg.SafetyBlocks.WithLabelValues("liq_distance").Inc()
		return failed("liq_distance",
			fmt.Sprintf("equity $%.2f < %.1fx maintenance margin $%.2f", snap.Equity, g.riskCfg.MinLiqDistance, snap.MaintenanceMargin))
	}
	passed("liq_distance", fmt.Sprintf("equity $%.2f vs required $%.2f", snap.Equity, required))

	// Gate 4: equity floor.
	if snap.Equity < g.riskCfg.EquityFloorUSD {
		g.reg.SafetyBlocks.WithLabelValues("equity_floor").Inc()
		return failed("equity_floor",
			fmt.Sprintf("equity $%.2f < floor $%.2f", snap.Equity, g.riskCfg.EquityFloorUSD))
	}
	passed("equity_floor", fmt.Sprintf("equity $%.2f >= $%.2f", snap.Equity, g.riskCfg.EquityFloorUSD))

	// Gate 5: per-position cap.
	maxPos := snap.Equity * g.riskCfg.MaxPositionPct
	if notionalUSD > maxPos {
		g.reg.SafetyBlocks.WithLabelValues("position_size").Inc()
		return failed("position_size",
			fmt.Sprintf("notional $%.2f > %.1f%% cap $%.2f", notionalUSD, g.riskCfg.MaxPositionPct*100, maxPos))
	}
	passed("position_size", fmt.Sprintf("notional $%.2f within cap $%.2f", notionalUSD, maxPos))

	// Gate 6: total exposure.
	exposure := totalExposure(snap.Positions)
	maxExp := snap.Equity * g.riskCfg.MaxExposurePct
	if exposure+notionalUSD > maxExp {
		g.reg.SafetyBlocks.WithLabelValues("total_exposure").Inc()
		return failed("total_exposure",
			fmt.Sprintf("exposure $%.2f + $%.2f > %.1f%% cap $%.2f", exposure, notionalUSD, g.riskCfg.MaxExposurePct*100, maxExp))
	}
	passed("total_exposure", fmt.Sprintf("$%.2f of $%.2f used", exposure, maxExp))

	// Gate 7: circuit breakers.
	if check := g.breakerGate(ctx, asset, snap.Positions); check != nil {
		g.reg.SafetyBlocks.WithLabelValues("circuit_breaker").Inc()
		return failed("circuit_breaker", *check)
	}
	passed("circuit_breaker", "clear")

	v.Approved = true
	return v
}

// fetchAccount retries the venue before giving up; the governor never
// trades on stale or absent account data.
func (g *Governor) fetchAccount(ctx context.Context) (*AccountSnapshot, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(accountFetchBackoff)),
		accountFetchRetries-1), ctx)
	var snap *AccountSnapshot
	err := backoff.Retry(func() error {
		s, err := g.account.AccountSnapshot(ctx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	}, policy)
	return snap, err
}

func (g *Governor) dayStartEquity(current float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	today := time.Now().UTC().Format("2006-01-02")
	if g.dayStartDate != today {
		g.dayStartDate = today
		g.dayStartEq = current
	}
	return g.dayStartEq
}

func (g *Governor) tripKillSwitch(ctx context.Context, reason string) {
	expires := time.Now().Add(g.riskCfg.KillSwitchCooldwn)
	if err := g.repo.ActivateKillSwitch(ctx, reason, expires); err != nil {
		g.log.Error().Err(err).Msg("kill switch activation failed")
		return
	}
	g.reg.KillSwitch.Set(1)
	g.reg.Incidents.WithLabelValues("kill_switch").Inc()
	g.log.Error().Str("reason", reason).Time("until", expires).Msg("kill switch activated")
}

// breakerGate checks concurrency, per-symbol, API error pause, and loss
// streak breakers. Returns a failure detail or nil.
func (g *Governor) breakerGate(ctx context.Context, asset string, positions []venue.Position) *string {
	open := len(positions)
	if open >= g.breakCfg.MaxConcurrent {
		d := fmt.Sprintf("%d open positions >= max %d", open, g.breakCfg.MaxConcurrent)
		return &d
	}
	for _, p := range positions {
		if strings.EqualFold(p.Asset, asset) {
			d := fmt.Sprintf("position already open in %s (max %d per symbol)", asset, g.breakCfg.MaxPerSymbol)
			return &d
		}
	}

	g.mu.Lock()
	paused := time.Now().Before(g.apiPauseTill)
	till := g.apiPauseTill
	g.mu.Unlock()
	if paused {
		d := fmt.Sprintf("API error pause until %s", till.UTC().Format(time.RFC3339))
		return &d
	}

	bs, err := g.repo.Breaker(ctx)
	if err != nil {
		d := fmt.Sprintf("breaker state unavailable: %v", err)
		return &d
	}
	if bs.PausedUntil != nil && time.Now().Before(*bs.PausedUntil) {
		d := fmt.Sprintf("loss streak pause until %s: %s", bs.PausedUntil.UTC().Format(time.RFC3339), bs.Reason)
		return &d
	}
	return nil
}

// RecordAPIError advances the API error streak; at the threshold, new
// entries pause for the configured window.
func (g *Governor) RecordAPIError() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apiErrStreak++
	if g.apiErrStreak >= g.breakCfg.APIErrorThreshold {
		g.apiPauseTill = time.Now().Add(g.breakCfg.APIErrorPause)
		g.apiErrStreak = 0
		g.reg.Incidents.WithLabelValues("api_error_pause").Inc()
		g.log.Warn().Time("until", g.apiPauseTill).Msg("API error streak, pausing entries")
	}
}

// RecordAPISuccess resets the API error streak.
func (g *Governor) RecordAPISuccess() {
	g.mu.Lock()
	g.apiErrStreak = 0
	g.mu.Unlock()
}

// RecordOutcome updates the consecutive-loss breaker from a closed trade.
func (g *Governor) RecordOutcome(ctx context.Context, realizedR float64) {
	bs, err := g.repo.Breaker(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("breaker state read failed")
		return
	}
	if realizedR >= 0 {
		bs.ConsecutiveLosses = 0
		bs.Reason = ""
	} else {
		bs.ConsecutiveLosses++
		if bs.ConsecutiveLosses >= g.breakCfg.MaxConsecLosses {
			until := time.Now().Add(g.breakCfg.LossStreakPause)
			bs.PausedUntil = &until
			bs.Reason = fmt.Sprintf("%d consecutive losses", bs.ConsecutiveLosses)
			bs.ConsecutiveLosses = 0
			g.reg.Incidents.WithLabelValues("loss_streak_pause").Inc()
			g.log.Warn().Time("until", until).Msg("loss streak, pausing entries")
		}
	}
	if err := g.repo.UpdateBreaker(ctx, bs); err != nil {
		g.log.Warn().Err(err).Msg("breaker state update failed")
	}
}

// dailyDrawdown returns the loss fraction from the day-start baseline and
// whether it breaches the limit.
func dailyDrawdown(dayStart, equity, maxLossPct float64) (float64, bool) {
	dd := (dayStart - equity) / dayStart
	return dd, dd >= maxLossPct
}

func totalExposure(positions []venue.Position) float64 {
	var sum float64
	for _, p := range positions {
		sum += math.Abs(p.NotionalUSD)
	}
	return sum
}
