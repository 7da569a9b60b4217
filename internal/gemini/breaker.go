package gemini

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// Breaker defaults. The breaker guards the upstream host as a whole; per-key
// health is the pool's job. Opening after a run of protocol-level failures
// keeps a full upstream outage from burning a suspension on every key.
const (
	defaultFailureThreshold = 5
	defaultOpenDuration     = 30 * time.Second
	defaultHalfOpenProbes   = 1
)

// newBreaker builds the upstream circuit breaker.
func newBreaker(name string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: defaultHalfOpenProbes,
		Timeout:     defaultOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := log.Info()
			if to == gobreaker.StateOpen {
				event = log.Warn()
			}
			event.
				Str("upstream", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("upstream circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)
}
