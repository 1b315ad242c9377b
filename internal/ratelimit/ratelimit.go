// Package ratelimit enforces the per-AI call quotas. Sliding windows
// cap how often an AI can invoke a verb class, and a per-AI circuit
// breaker shorts callers stuck in an error cascade. Windows are tuned
// for AI behavior patterns, not human abuse: they exist to catch tight
// retry loops and runaway operations.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/steveyegge/teambook/internal/types"
)

// Window describes one sliding quota: at most Limit consumptions per
// Per, per key.
type Window struct {
	Name  string
	Limit int
	Per   time.Duration
}

var (
	// CallsPerSecond catches tight loops. Keyed by ai_id.
	CallsPerSecond = Window{Name: "calls-sec", Limit: 10, Per: time.Second}

	// CallsPerMinute catches runaway operations. Keyed by ai_id.
	CallsPerMinute = Window{Name: "calls-min", Limit: 100, Per: time.Minute}

	// Messages caps channel sends and DMs. Keyed by ai_id.
	Messages = Window{Name: "messages", Limit: types.MessagesPerMinute, Per: time.Minute}

	// EventQueries caps event polling. Keyed by ai_id.
	EventQueries = Window{Name: "event-queries", Limit: types.EventQueryPerMin, Per: time.Minute}

	// Synthesis caps evolution synthesis. Keyed by teambook, not ai_id:
	// synthesis writes shared output files, so the quota is collective.
	Synthesis = Window{Name: "synthesis", Limit: types.SynthesisPerHour, Per: time.Hour}
)

// bucketTTL bounds how long an idle key's window survives. It must
// exceed the longest Window.Per, and it is refreshed on every touch,
// so eviction only ever discards empty windows.
const bucketTTL = 2 * time.Hour

// Limiter holds every window and breaker for one process. Keys for
// idle AIs age out, so a long-lived daemon does not accumulate state
// for every peer that ever connected.
type Limiter struct {
	buckets  *cache.Cache
	breakers *cache.Cache

	// now is replaceable in tests.
	now func() time.Time

	cascade cascadeConfig
}

// New returns a Limiter with the default quotas.
func New() *Limiter {
	return &Limiter{
		buckets:  cache.New(bucketTTL, 10*time.Minute),
		breakers: cache.New(bucketTTL, 10*time.Minute),
		now:      time.Now,
		cascade:  defaultCascade,
	}
}

// bucket is one key's recent consumption times, newest last.
type bucket struct {
	mu    sync.Mutex
	times []time.Time
}

func (b *bucket) prune(cutoff time.Time) {
	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.times = kept
}

// Allow consumes one slot from the window for key. It reports whether
// the call may proceed and how much quota remains after it. Denied
// calls consume nothing, so a throttled AI that keeps retrying is not
// punished further.
func (l *Limiter) Allow(w Window, key string) (bool, int) {
	b := l.bucketFor(w, key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.prune(now.Add(-w.Per))
	if len(b.times) >= w.Limit {
		return false, 0
	}
	b.times = append(b.times, now)
	return true, w.Limit - len(b.times)
}

// Peek reports remaining quota without consuming any. Stats endpoints
// use this so that asking about a quota does not spend it.
func (l *Limiter) Peek(w Window, key string) int {
	b := l.bucketFor(w, key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(l.now().Add(-w.Per))
	return w.Limit - len(b.times)
}

func (l *Limiter) bucketFor(w Window, key string) *bucket {
	k := w.Name + "|" + key
	if v, ok := l.buckets.Get(k); ok {
		b := v.(*bucket)
		l.buckets.SetDefault(k, b)
		return b
	}
	b := &bucket{}
	if err := l.buckets.Add(k, b, cache.DefaultExpiration); err != nil {
		// Another goroutine created it first.
		if v, ok := l.buckets.Get(k); ok {
			return v.(*bucket)
		}
		l.buckets.SetDefault(k, b)
	}
	return b
}
