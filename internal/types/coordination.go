package types

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Coordination limits.
const (
	MaxLockDuration    = 300 * time.Second // hard ceiling, also the extend clamp
	DefaultLockTimeout = 30 * time.Second
	MaxLocksPerAI      = 10
	MaxResourceName    = 100

	MaxTaskLength = 2000
	MaxQueueSize  = 1000
	MinPriority   = 0
	MaxPriority   = 9
	DefaultPriority = 5
)

// Lock is an exclusive, expiring claim on a named resource. Expired locks
// are reclaimable in place: acquisition overwrites a row whose ExpiresAt
// has passed.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	Teambook   string    `json:"teambook,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock has lapsed as of now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the time left on the lock, never negative.
func (l *Lock) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ValidResourceName checks the lock resource naming rule: alphanumeric plus
// underscore, colon, dot, slash, and dash, up to MaxResourceName characters.
func ValidResourceName(name string) bool {
	if name == "" || len(name) > MaxResourceName {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == ':', r == '.', r == '/', r == '-':
		default:
			return false
		}
	}
	return true
}

// ClampLockDuration bounds a requested lock duration to (0, MaxLockDuration],
// substituting the default for zero or negative requests.
func ClampLockDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLockTimeout
	}
	if d > MaxLockDuration {
		return MaxLockDuration
	}
	return d
}

// TaskStatus tracks a queued task through its lifecycle.
type TaskStatus string

// Task statuses
const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
)

// IsValid checks the task status value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskClaimed, TaskCompleted:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted
}

// Task is a prioritized work item. Claiming is exclusive: exactly one
// claimer wins a pending task regardless of concurrent attempts.
type Task struct {
	ID                   int64      `json:"id"`
	Content              string     `json:"content"`
	Priority             int        `json:"priority"`
	Status               TaskStatus `json:"status"`
	Author               string     `json:"author"`
	ClaimedBy            string     `json:"claimed_by,omitempty"`
	Teambook             string     `json:"teambook,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ClaimedAt            *time.Time `json:"claimed_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Result               string     `json:"result,omitempty"`
	RepresentationPolicy Policy     `json:"representation_policy,omitempty"`
	TamperHash           string     `json:"-"`
}

// ComputeTamperHash creates a deterministic hash over the task's semantic
// fields. Refreshed on every status transition.
func (t *Task) ComputeTamperHash() string {
	h := sha256.New()

	h.Write([]byte(t.Content))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", t.Priority)))
	h.Write([]byte{0})
	h.Write([]byte(t.Status))
	h.Write([]byte{0})
	h.Write([]byte(t.Author))
	h.Write([]byte{0})
	h.Write([]byte(t.ClaimedBy))
	h.Write([]byte{0})
	h.Write([]byte(t.Teambook))
	h.Write([]byte{0})
	h.Write([]byte(t.Result))
	h.Write([]byte{0})

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks the task's field values before a write.
func (t *Task) Validate() error {
	if len(t.Content) == 0 {
		return fmt.Errorf("task content is required")
	}
	if len(t.Content) > MaxTaskLength {
		return fmt.Errorf("task content must be %d characters or less (got %d)", MaxTaskLength, len(t.Content))
	}
	if t.Status != "" && !t.Status.IsValid() {
		return fmt.Errorf("invalid task status: %s", t.Status)
	}
	return nil
}

// SetDefaults applies defaults and clamps priority into [MinPriority, MaxPriority].
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority < MinPriority {
		t.Priority = MinPriority
	}
	if t.Priority > MaxPriority {
		t.Priority = MaxPriority
	}
	t.RepresentationPolicy = t.RepresentationPolicy.OrDefault()
}

// TaskFilter selects tasks for queue listings.
type TaskFilter struct {
	Teambook  string
	Status    TaskStatus
	ClaimedBy string
	Author    string
	Limit     int
}
