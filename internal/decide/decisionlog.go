package decide

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/sigmapilot/internal/bus"
)

// Decision types recorded on the audit trail.
const (
	DecisionSignal   = "signal"
	DecisionSkip     = "skip"
	DecisionCooldown = "cooldown"
	// risk_reject covers every post-gate rejection: a governor guard, the
	// confidence floor, or the EV recompute at the actual notional.
	DecisionRiskReject = "risk_reject"
)

// outcomeMatchWindow bounds the signal back-annotation search: an episode
// closing more than a week after the signal is not attributed to it.
const outcomeMatchWindow = 7 * 24 * time.Hour

// DecisionLogger persists the audit trail. Decisions are written before
// any signal is published, so the log never lags the bus.
type DecisionLogger struct {
	repo *Repo
	log  zerolog.Logger
}

func NewDecisionLogger(repo *Repo, log zerolog.Logger) *DecisionLogger {
	return &DecisionLogger{repo: repo, log: log}
}

// Record writes one decision row and returns its id.
func (l *DecisionLogger) Record(ctx context.Context, d DecisionRow) (int64, error) {
	id, err := l.repo.InsertDecision(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return id, nil
}

// Annotate attributes a closed episode's outcome to the most recent
// matching signal and its decision row.
func (l *DecisionLogger) Annotate(ctx context.Context, ev bus.OutcomeEvent) {
	sig, err := l.repo.RecentSignal(ctx, ev.Asset, ev.Direction, ev.ClosedTS.Add(-outcomeMatchWindow))
	if err != nil {
		l.log.Warn().Err(err).Str("asset", ev.Asset).Msg("signal lookup for annotation failed")
		return
	}
	if sig == nil || sig.TS.After(ev.ClosedTS) {
		return
	}

	outcome := "win"
	if ev.ResultR < 0 {
		outcome = "loss"
	}
	if err := l.repo.AnnotateSignal(ctx, sig.ID, outcome, ev.ResultR); err != nil {
		l.log.Warn().Err(err).Int64("signal", sig.ID).Msg("signal annotation failed")
		return
	}
	if err := l.repo.AnnotateDecision(ctx, sig.ID, ev.RealizedPnL, ev.ResultR); err != nil {
		l.log.Warn().Err(err).Int64("signal", sig.ID).Msg("decision annotation failed")
	}
}

// BuildReasoning renders a short natural-language account of the decisive
// gates. A few sentences, numbers included, readable a month later.
func BuildReasoning(decisionType, asset string, out GateOutcome, risk *RiskVerdict, size *SizeResult) string {
	var b strings.Builder

	switch decisionType {
	case DecisionSignal:
		fmt.Fprintf(&b, "%d of %d pool traders opened %s %s within the window (%.0f%% weighted majority); effective independence %.1f after correlation discount.",
			out.NAgree, out.NTraders, strings.ToUpper(out.Direction), asset, out.MajorityPct*100, out.EffectiveK)
		fmt.Fprintf(&b, " Price sits %.2fR from the median entry %.2f.", out.DriftR, out.EntryMedian)
		fmt.Fprintf(&b, " Best venue %s nets %+.2fR after %.1fbps of costs at p_win %.2f.",
			out.Best.Exchange, out.Best.NetR, out.Best.FeesBps+out.Best.SlippageBps+out.Best.FundingBps, out.PWin)
		if size != nil {
			fmt.Fprintf(&b, " Sized %.2f%% of equity via %s.", size.Fraction*100, size.Method)
		}

	case DecisionSkip:
		check := failedCheck(out)
		if check != nil {
			fmt.Fprintf(&b, "Skipped on %s: %s.", check.Name, check.Description)
		} else {
			b.WriteString("Skipped: no gate failure recorded.")
		}
		fmt.Fprintf(&b, " %d traders voted, weighted majority %.0f%%.", out.NTraders, out.MajorityPct*100)

	case DecisionCooldown:
		fmt.Fprintf(&b, "Gates passed for %s but a signal for the asset already fired within the cooldown window; suppressed.",
			strings.ToUpper(out.Direction))

	case DecisionRiskReject:
		switch {
		case risk != nil && risk.Blocked != "":
			fmt.Fprintf(&b, "Consensus passed but the risk governor blocked on %s: %s.", risk.Blocked, blockedDetail(risk))
		case size != nil && size.Method == "confidence_floor":
			fmt.Fprintf(&b, "Win probability %.2f fell below the regime-adjusted confidence floor; nothing sized.", out.PWin)
		default:
			fmt.Fprintf(&b, "EV re-priced at the actual notional fell below the floor; no signal issued.")
		}
	}

	return b.String()
}

func failedCheck(out GateOutcome) *GateCheck {
	for i := range out.Checks {
		if out.Checks[i].Name == out.FailedGate {
			return &out.Checks[i]
		}
	}
	return nil
}

func blockedDetail(risk *RiskVerdict) string {
	for _, c := range risk.Checks {
		if c.Name == risk.Blocked {
			return c.Detail
		}
	}
	return "no detail"
}

func marshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
