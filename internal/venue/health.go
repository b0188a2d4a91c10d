package venue

import (
	"context"
	"time"
)

// HealthResult is one venue's health probe outcome.
type HealthResult struct {
	Venue     Exchange      `json:"venue"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ms"`
	Breaker   string        `json:"breaker"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CheckAll probes every venue sequentially with a stagger delay between
// probes so health checks never burst the shared rate budget.
func (f *Factory) CheckAll(ctx context.Context, stagger time.Duration) []HealthResult {
	results := make([]HealthResult, 0, len(All))
	for i, ex := range All {
		if i > 0 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return results
			}
		}
		results = append(results, f.check(ctx, ex))
	}
	return results
}

func (f *Factory) check(ctx context.Context, ex Exchange) HealthResult {
	res := HealthResult{Venue: ex, CheckedAt: time.Now().UTC(), Breaker: f.breakers[ex].State()}
	adapter, err := f.Adapter(ex)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := adapter.MarkPrice(probeCtx, "BTC"); err != nil {
		res.Error = err.Error()
	} else {
		res.Healthy = true
	}
	res.Latency = time.Since(start)
	return res
}
