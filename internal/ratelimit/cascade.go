package ratelimit

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
)

// cascadeConfig tunes the per-AI error-cascade breaker.
type cascadeConfig struct {
	// failures in a row within one interval trips the breaker.
	failures uint32
	// interval resets the failure count while the breaker is closed,
	// so the cascade is judged per minute rather than per lifetime.
	interval time.Duration
	// cooldown is how long a tripped breaker stays open.
	cooldown time.Duration
}

var defaultCascade = cascadeConfig{
	failures: 20,
	interval: time.Minute,
	cooldown: 60 * time.Second,
}

// Cascade returns the circuit breaker guarding key's calls, creating
// it on first use. An AI whose verbs keep failing trips its breaker
// and gets shorted for the cooldown instead of hammering the backend.
func (l *Limiter) Cascade(key string) *gobreaker.CircuitBreaker {
	if v, ok := l.breakers.Get(key); ok {
		cb := v.(*gobreaker.CircuitBreaker)
		l.breakers.SetDefault(key, cb)
		return cb
	}
	cfg := l.cascade
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     key,
		Interval: cfg.interval,
		Timeout:  cfg.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.failures
		},
	})
	if err := l.breakers.Add(key, cb, cache.DefaultExpiration); err != nil {
		if v, ok := l.breakers.Get(key); ok {
			return v.(*gobreaker.CircuitBreaker)
		}
		l.breakers.SetDefault(key, cb)
	}
	return cb
}

// Shorted reports whether err means the breaker refused the call, as
// opposed to the call itself failing.
func Shorted(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
