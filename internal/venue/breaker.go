package venue

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker wraps a gobreaker circuit around one venue's calls. Trips on
// three consecutive failures or a >5% failure rate over 20+ requests.
type Breaker struct {
	cb *cb.CircuitBreaker
}

// NewBreaker creates a breaker named after the venue.
func NewBreaker(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker state name for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
