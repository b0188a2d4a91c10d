package decide

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func passedOutcome() GateOutcome {
	return GateOutcome{
		Passed: true, Direction: "long",
		NTraders: 10, NAgree: 7, MajorityPct: 0.78,
		EffectiveK: 3.2, PWin: 0.62,
		EntryMedian: 43150, DriftR: 0.06,
		Best: &VenueEV{Exchange: "hyperliquid", NetR: 0.24, FeesBps: 5, SlippageBps: 2, FundingBps: 1},
	}
}

func TestReasoningSignal(t *testing.T) {
	size := &SizeResult{Fraction: 0.015, Method: "kelly"}
	got := BuildReasoning(DecisionSignal, "BTC", passedOutcome(), &RiskVerdict{Approved: true}, size)

	assert.Contains(t, got, "7 of 10 pool traders opened LONG BTC")
	assert.Contains(t, got, "effective independence 3.2")
	assert.Contains(t, got, "0.06R from the median entry")
	assert.Contains(t, got, "+0.24R")
	assert.Contains(t, got, "kelly")
}

func TestReasoningSkipNamesGateAndGap(t *testing.T) {
	out := GateOutcome{
		FailedGate: "supermajority",
		NTraders:   5, MajorityPct: 0.60,
		Checks: []GateCheck{{
			Name: "supermajority", Value: 0.60, Threshold: 0.70,
			Description: "majority 0.60 < 0.70 with 5 traders (need 3)",
		}},
	}
	got := BuildReasoning(DecisionSkip, "BTC", out, nil, nil)
	assert.Contains(t, got, "supermajority")
	assert.Contains(t, got, "0.60 < 0.70")
}

func TestReasoningRiskBlock(t *testing.T) {
	verdict := &RiskVerdict{
		Blocked: "equity_floor",
		Checks: []RiskCheck{
			{Name: "kill_switch", Passed: true, Detail: "inactive"},
			{Name: "equity_floor", Detail: "equity $9500.00 < floor $10000.00"},
		},
	}
	got := BuildReasoning(DecisionRiskReject, "BTC", passedOutcome(), verdict, nil)
	assert.Contains(t, got, "equity_floor")
	assert.Contains(t, got, "$9500.00")
}

func TestReasoningCooldown(t *testing.T) {
	got := BuildReasoning(DecisionCooldown, "BTC", passedOutcome(), nil, nil)
	assert.Contains(t, got, "cooldown")
	assert.Contains(t, got, "LONG")
}

func TestMarshalNeverFails(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(marshal(map[string]int{"a": 1})))
	assert.Equal(t, `{}`, string(marshal(make(chan int))), "unmarshalable values degrade to empty object")
}
