package decide

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/metrics"
)

const (
	engineTick    = 5 * time.Second
	corrRefresh   = 10 * time.Minute
	engineBacklog = 1024
)

type msgKind int

const (
	msgVote msgKind = iota
	msgPrice
	msgTick
)

// engineMsg is the single message variant the engine loop consumes. One
// goroutine processes all of them, so the vote window, prices, and
// decision state need no further locking.
type engineMsg struct {
	kind  msgKind
	vote  OpeningVote
	asset string
	price float64
	now   time.Time
}

// engineStore is the slice of the repository the engine reads and writes.
type engineStore interface {
	LatestCorrelations(ctx context.Context) ([]CorrelationPair, error)
	LastSignalSince(ctx context.Context, asset string, since time.Time) (*SignalRow, error)
	InsertSignal(ctx context.Context, s SignalRow) (int64, error)
	LatestATR(ctx context.Context, asset string) (float64, time.Time, error)
}

// decisionSink receives the engine's audit-trail rows.
type decisionSink interface {
	Record(ctx context.Context, d DecisionRow) (int64, error)
}

// evSource prices a prospective signal across venues.
type evSource interface {
	Evaluate(ctx context.Context, asset, direction string, pWin, notionalUSD float64) []VenueEV
}

// Engine is the consensus decision core: it accumulates opening votes per
// asset, evaluates the five gates, runs risk and sizing, and emits signed
// consensus signals.
type Engine struct {
	repo    engineStore
	logger  decisionSink
	gov     *Governor
	sizer   *Sizer
	exec    *Executor
	evCalc  evSource
	regimes *RegimeDetector
	bus     bus.Bus
	reg     *metrics.Registry
	log     zerolog.Logger

	consensusCfg config.ConsensusConfig
	atrCfg       config.ATRConfig
	corrCfg      config.CorrelationConfig
	execCfg      config.ExecutionConfig

	in chan engineMsg

	// Owned by the run loop.
	votes    map[string][]Vote // asset -> active votes
	prices   map[string]float64
	lastEval map[string]string // asset -> last evaluation signature, dedups tick logging

	mu      sync.RWMutex
	weights map[string]float64            // address -> vote weight, pool members only
	rho     map[string]map[string]float64 // pairwise correlations
}

type EngineDeps struct {
	Repo    *Repo
	Logger  *DecisionLogger
	Gov     *Governor
	Sizer   *Sizer
	Exec    *Executor
	EVCalc  *EVCalculator
	Regimes *RegimeDetector
	Bus     bus.Bus
	Reg     *metrics.Registry
	Log     zerolog.Logger
}

func NewEngine(deps EngineDeps, cfg *config.Config) *Engine {
	return &Engine{
		repo: deps.Repo, logger: deps.Logger, gov: deps.Gov, sizer: deps.Sizer,
		exec: deps.Exec, evCalc: deps.EVCalc, regimes: deps.Regimes,
		bus: deps.Bus, reg: deps.Reg, log: deps.Log,
		consensusCfg: cfg.Consensus, atrCfg: cfg.ATR, corrCfg: cfg.Corr, execCfg: cfg.Execution,
		in:           make(chan engineMsg, engineBacklog),
		votes:        map[string][]Vote{},
		prices:       map[string]float64{},
		lastEval:     map[string]string{},
		weights:      map[string]float64{},
		rho:          map[string]map[string]float64{},
	}
}

// SubmitVote enqueues an opening-fill vote. Non-pool addresses are
// filtered inside the loop where the weight table lives.
func (e *Engine) SubmitVote(v OpeningVote) {
	select {
	case e.in <- engineMsg{kind: msgVote, vote: v, now: time.Now().UTC()}:
	default:
		e.reg.Incidents.WithLabelValues("engine_backlog").Inc()
	}
}

// UpdatePrice enqueues a market price update.
func (e *Engine) UpdatePrice(asset string, price float64) {
	select {
	case e.in <- engineMsg{kind: msgPrice, asset: asset, price: price, now: time.Now().UTC()}:
	default:
	}
}

// SetWeights replaces the pool vote-weight table from a Sage selection.
func (e *Engine) SetWeights(weights map[string]float64) {
	e.mu.Lock()
	e.weights = weights
	e.mu.Unlock()
}

// RefreshCorrelations reloads the pairwise rho table.
func (e *Engine) RefreshCorrelations(ctx context.Context) {
	pairs, err := e.repo.LatestCorrelations(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("correlation refresh failed")
		return
	}
	rho := map[string]map[string]float64{}
	put := func(a, b string, v float64) {
		if rho[a] == nil {
			rho[a] = map[string]float64{}
		}
		rho[a][b] = v
	}
	for _, p := range pairs {
		put(p.AddrA, p.AddrB, p.Rho)
		put(p.AddrB, p.AddrA, p.Rho)
	}
	e.mu.Lock()
	e.rho = rho
	e.mu.Unlock()
}

// rhoFunc resolves pairwise correlation with the configured default for
// unmeasured pairs.
func (e *Engine) rhoFunc() RhoFunc {
	e.mu.RLock()
	rho := e.rho
	def := e.corrCfg.DefaultRho
	e.mu.RUnlock()
	return func(a, b string) float64 {
		if m, ok := rho[a]; ok {
			if v, ok := m[b]; ok {
				return v
			}
		}
		return def
	}
}

// Run processes the message loop until cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.RefreshCorrelations(ctx)
	ticker := time.NewTicker(engineTick)
	defer ticker.Stop()
	corrTicker := time.NewTicker(corrRefresh)
	defer corrTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-corrTicker.C:
			e.RefreshCorrelations(ctx)
		case now := <-ticker.C:
			e.handle(ctx, engineMsg{kind: msgTick, now: now.UTC()})
		case msg := <-e.in:
			e.handle(ctx, msg)
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg engineMsg) {
	switch msg.kind {
	case msgVote:
		e.addVote(msg.vote)
		e.evaluate(ctx, msg.vote.Asset, msg.now, false)
	case msgPrice:
		e.prices[msg.asset] = msg.price
	case msgTick:
		// Price drift can move an asset into or out of the band between
		// votes, so ticks re-evaluate, not just prune.
		for asset := range e.votes {
			e.pruneVotes(asset, msg.now)
			if len(e.votes[asset]) > 0 {
				e.evaluate(ctx, asset, msg.now, true)
			}
		}
	}
}

// addVote records a vote, replacing any earlier vote from the same
// address on the same asset.
func (e *Engine) addVote(v OpeningVote) {
	e.mu.RLock()
	weight, inPool := e.weights[strings.ToLower(v.Address)]
	e.mu.RUnlock()
	if !inPool {
		return
	}

	vote := Vote{
		Address: strings.ToLower(v.Address), Direction: v.Direction,
		EntryPrice: v.EntryPrice, Weight: weight, TS: v.TS,
	}
	kept := e.votes[v.Asset][:0]
	for _, existing := range e.votes[v.Asset] {
		if existing.Address != vote.Address {
			kept = append(kept, existing)
		}
	}
	e.votes[v.Asset] = append(kept, vote)
}

func (e *Engine) pruneVotes(asset string, now time.Time) {
	kept := e.votes[asset][:0]
	for _, v := range e.votes[asset] {
		if now.Sub(v.TS) <= e.consensusCfg.Freshness {
			kept = append(kept, v)
		}
	}
	e.votes[asset] = kept
}

// evaluate runs the full decision pipeline for one asset. Every
// evaluation with a possible majority leaves a decision-log row; the row
// is written before any signal reaches the bus.
func (e *Engine) evaluate(ctx context.Context, asset string, now time.Time, tick bool) {
	start := time.Now()
	defer func() {
		e.reg.GateDuration.WithLabelValues(asset).Observe(time.Since(start).Seconds())
	}()

	e.pruneVotes(asset, now)
	votes := e.votes[asset]
	if len(votes) == 0 {
		delete(e.lastEval, asset)
		return
	}

	price := e.prices[asset]
	regime := e.regimes.Current(asset)
	stopDist := e.stopDistance(ctx, asset, price, regime)

	out := EvaluateGates(GateInputs{
		Asset: asset, Votes: votes, Now: now,
		CurrentPrice: price, StopDistance: stopDist,
		Rho: e.rhoFunc(),
		EVFor: func(direction string, pWin float64) []VenueEV {
			// Gate-stage EV uses a screening notional; the post-sizing
			// re-check prices the actual one.
			return e.evCalc.Evaluate(ctx, asset, direction, pWin, e.screeningNotional())
		},
		Cfg: e.consensusCfg,
	})

	if !out.Passed {
		// A tick that reproduces the same failure writes no second row.
		if sig := "skip:" + out.FailedGate; !tick || e.lastEval[asset] != sig {
			e.lastEval[asset] = sig
			e.recordSkip(ctx, asset, out)
		}
		return
	}

	// Cooldown: one signal per asset per window, whatever the direction.
	if recent, err := e.repo.LastSignalSince(ctx, asset, now.Add(-e.consensusCfg.Cooldown)); err == nil && recent != nil {
		if !tick || e.lastEval[asset] != "cooldown" {
			e.lastEval[asset] = "cooldown"
			e.record(ctx, asset, out.Direction, DecisionCooldown,
				BuildReasoning(DecisionCooldown, asset, out, nil, nil), out, nil, ExecDryRun, nil)
		}
		return
	}

	e.lastEval[asset] = "pass"
	e.decide(ctx, asset, now, price, stopDist, regime, out)
}

// decide runs risk, sizing, the EV re-check, persistence, and execution
// for a gate-passing consensus.
func (e *Engine) decide(ctx context.Context, asset string, now time.Time, price, stopDist float64, regime Regime, out GateOutcome) {
	snap, err := e.gov.FetchAccount(ctx)
	if err != nil {
		verdict := &RiskVerdict{Blocked: "account_state",
			Checks: []RiskCheck{{Name: "account_state", Detail: "account state unavailable after retries"}}}
		e.record(ctx, asset, out.Direction, DecisionRiskReject,
			BuildReasoning(DecisionRiskReject, asset, out, verdict, nil), out, verdict, ExecDryRun, nil)
		return
	}

	size, err := e.sizer.Size(ctx, snap.Equity, out.PWin, e.execCfg.RRRatio, regime)
	if err != nil {
		e.log.Error().Err(err).Str("asset", asset).Msg("sizing failed")
		return
	}

	if size.NotionalUSD <= 0 {
		e.record(ctx, asset, out.Direction, DecisionRiskReject,
			BuildReasoning(DecisionRiskReject, asset, out, nil, size), out, nil, ExecRejected, nil)
		return
	}

	verdict := e.gov.ApproveSnapshot(ctx, asset, size.NotionalUSD, snap)
	if !verdict.Approved {
		e.record(ctx, asset, out.Direction, DecisionRiskReject,
			BuildReasoning(DecisionRiskReject, asset, out, verdict, size), out, verdict, ExecDryRun, nil)
		return
	}

	// EV re-check at the actual notional: slippage grows with size, and a
	// signal that only clears the floor at screening size is not traded.
	evs := e.evCalc.Evaluate(ctx, asset, out.Direction, out.PWin, size.NotionalUSD)
	best := BestVenue(evs)
	if best == nil || best.NetR < e.consensusCfg.EVMinR {
		if best != nil {
			out.Best = best
		}
		e.record(ctx, asset, out.Direction, DecisionRiskReject,
			BuildReasoning(DecisionRiskReject, asset, out, verdict, size), out, verdict, ExecRejected, nil)
		return
	}
	out.Best = best

	stop := price - stopDist
	if out.Direction == "short" {
		stop = price + stopDist
	}
	sig := SignalRow{
		TS: now, Asset: asset, Direction: out.Direction,
		NTraders: out.NTraders, NAgree: out.NAgree, MajorityPct: out.MajorityPct,
		EffectiveK: out.EffectiveK, PWin: out.PWin, EVNetR: best.NetR,
		EntryPrice: price, StopPrice: stop, TargetExchange: best.Exchange,
		FeesBps: best.FeesBps, SlippageBps: best.SlippageBps, FundingBps: best.FundingBps,
	}
	id, err := e.repo.InsertSignal(ctx, sig)
	if err != nil {
		e.log.Error().Err(err).Str("asset", asset).Msg("signal insert failed")
		return
	}
	sig.ID = id

	status, err := e.exec.Execute(ctx, sig, size)
	if err != nil {
		e.log.Error().Err(err).Int64("signal", id).Msg("execution error")
	}
	e.record(ctx, asset, out.Direction, DecisionSignal,
		BuildReasoning(DecisionSignal, asset, out, verdict, size), out, verdict, status, &id)

	e.publish(ctx, sig)
}

func (e *Engine) publish(ctx context.Context, sig SignalRow) {
	ev := bus.SignalEvent{
		SignalID: sig.ID, TS: sig.TS, Asset: sig.Asset, Direction: sig.Direction,
		NTraders: sig.NTraders, NAgree: sig.NAgree, MajorityPct: sig.MajorityPct,
		EffectiveK: sig.EffectiveK, PWin: sig.PWin, EVNetR: sig.EVNetR,
		EntryPrice: sig.EntryPrice, StopPrice: sig.StopPrice,
		TargetExchange: sig.TargetExchange,
		FeesBps:        sig.FeesBps, SlippageBps: sig.SlippageBps, FundingBps: sig.FundingBps,
	}
	if err := e.bus.Publish(ctx, bus.SubjectSignals, ev); err != nil {
		e.reg.BusMessages.WithLabelValues(bus.SubjectSignals, "error").Inc()
		e.log.Error().Err(err).Int64("signal", sig.ID).Msg("signal publish failed")
		return
	}
	e.reg.BusMessages.WithLabelValues(bus.SubjectSignals, "ok").Inc()
	e.log.Info().Int64("signal", sig.ID).Str("asset", sig.Asset).
		Str("direction", sig.Direction).Float64("ev_net_r", sig.EVNetR).Msg("consensus signal")
}

// recordSkip logs a failed evaluation. A sub-quorum window fails the
// supermajority gate and is recorded like any other gate failure.
func (e *Engine) recordSkip(ctx context.Context, asset string, out GateOutcome) {
	e.record(ctx, asset, out.Direction, DecisionSkip,
		BuildReasoning(DecisionSkip, asset, out, nil, nil), out, nil, ExecDryRun, nil)
}

func (e *Engine) record(ctx context.Context, asset, direction, decisionType, reasoning string,
	out GateOutcome, verdict *RiskVerdict, execStatus string, signalID *int64) {
	e.reg.Decisions.WithLabelValues(asset, decisionType).Inc()
	row := DecisionRow{
		TS: time.Now().UTC(), Asset: asset, Direction: direction,
		DecisionType: decisionType,
		Inputs: marshal(map[string]any{
			"votes": e.votes[asset], "price": e.prices[asset],
		}),
		Gates:           marshal(out.Checks),
		RiskChecks:      marshal(verdict),
		Reasoning:       reasoning,
		ExecutionStatus: execStatus,
		SignalID:        signalID,
	}
	if _, err := e.logger.Record(ctx, row); err != nil {
		e.log.Error().Err(err).Str("asset", asset).Msg("decision log write failed")
	}
}

// stopDistance is ATR times the configured multiplier, widened or
// tightened by regime. Falls back to 1% of price when the ATR is absent.
func (e *Engine) stopDistance(ctx context.Context, asset string, price float64, regime Regime) float64 {
	atr, ts, err := e.repo.LatestATR(ctx, asset)
	if err != nil || (e.atrCfg.StrictMode && time.Since(ts) > e.atrCfg.MaxStaleness) {
		return price * fallbackStopFrac
	}
	return atr * e.atrCfg.Multiplier(asset) * regime.StopMultiplier()
}

// screeningNotional is the gate-stage sizing guess used before equity is
// known.
func (e *Engine) screeningNotional() float64 {
	return 10_000
}
