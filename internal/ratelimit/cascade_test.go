package ratelimit

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// newCascadeLimiter shrinks the breaker so tests trip and recover
// quickly. gobreaker keeps its own clock, so recovery tests sleep
// through the cooldown for real.
func newCascadeLimiter() *Limiter {
	l := New()
	l.cascade = cascadeConfig{failures: 3, interval: time.Minute, cooldown: 50 * time.Millisecond}
	return l
}

func fail(l *Limiter, key string) error {
	_, err := l.Cascade(key).Execute(func() (interface{}, error) {
		return nil, errBoom
	})
	return err
}

func succeed(l *Limiter, key string) error {
	_, err := l.Cascade(key).Execute(func() (interface{}, error) {
		return nil, nil
	})
	return err
}

func TestCascadeTripsAfterConsecutiveFailures(t *testing.T) {
	l := newCascadeLimiter()

	for i := 0; i < 3; i++ {
		if err := fail(l, "agent-a"); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: err = %v, want errBoom", i+1, err)
		}
	}

	called := false
	_, err := l.Cascade("agent-a").Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !Shorted(err) {
		t.Fatalf("tripped breaker returned %v, want a shorted error", err)
	}
	if called {
		t.Error("shorted call must not reach the handler")
	}
}

func TestCascadeSuccessResetsCount(t *testing.T) {
	l := newCascadeLimiter()

	fail(l, "agent-a")
	fail(l, "agent-a")
	if err := succeed(l, "agent-a"); err != nil {
		t.Fatalf("success before the threshold: %v", err)
	}
	fail(l, "agent-a")
	fail(l, "agent-a")

	// Four failures total but never three in a row.
	if err := succeed(l, "agent-a"); Shorted(err) {
		t.Fatal("breaker tripped without consecutive failures")
	}
}

func TestCascadeRecoversAfterCooldown(t *testing.T) {
	l := newCascadeLimiter()

	for i := 0; i < 3; i++ {
		fail(l, "agent-a")
	}
	if err := succeed(l, "agent-a"); !Shorted(err) {
		t.Fatalf("breaker should be open, got %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if err := succeed(l, "agent-a"); err != nil {
		t.Fatalf("probe after cooldown: %v", err)
	}
	if err := succeed(l, "agent-a"); err != nil {
		t.Fatalf("breaker should be closed again: %v", err)
	}
}

func TestCascadePerKey(t *testing.T) {
	l := newCascadeLimiter()

	for i := 0; i < 3; i++ {
		fail(l, "agent-a")
	}
	if err := succeed(l, "agent-b"); err != nil {
		t.Errorf("agent-b shares no breaker with agent-a: %v", err)
	}
}

func TestShortedDistinguishesCallErrors(t *testing.T) {
	if Shorted(errBoom) {
		t.Error("handler errors are not shorts")
	}
	l := newCascadeLimiter()
	for i := 0; i < 3; i++ {
		fail(l, "agent-a")
	}
	if err := succeed(l, "agent-a"); !Shorted(err) {
		t.Errorf("open-state error should count as shorted, got %v", err)
	}
}
