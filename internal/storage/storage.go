// Package storage provides shared types for teambook storage.
//
// The concrete storage implementations live in the sqlite, postgres, and
// redis sub-packages. This package holds the interface and value types
// that are referenced by both the implementations and their consumers
// (internal/kernel, cmd/tb, etc.).
//
// A Store is bound to a single teambook. The factory sub-package selects
// a backend and opens stores per teambook; the Registry tracks which
// teambooks exist across the whole deployment.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned when attempting to claim a task that is
// already claimed or completed. The error message contains the current
// claimer when known.
var ErrAlreadyClaimed = errors.New("task already claimed")

// ErrLockHeld is returned when acquiring a lock whose current holder's
// lease has not expired.
var ErrLockHeld = errors.New("lock held")

// ErrNotOwner is returned when releasing or extending a lock held by
// someone else, or completing a task claimed by another AI.
var ErrNotOwner = errors.New("not the owner")

// ErrQueueFull is returned when the task queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// ErrEvolutionClosed is returned when contributing to or synthesizing an
// evolution that is no longer active.
var ErrEvolutionClosed = errors.New("evolution closed")

// ErrVoteLimit is returned when a voter has exhausted their allowed vote
// changes on a contribution.
var ErrVoteLimit = errors.New("vote change limit reached")

// ErrLimitExceeded is returned when a per-AI cap (contributions per
// evolution, locks held, watches registered) would be exceeded.
var ErrLimitExceeded = errors.New("limit exceeded")

// ErrTeambookExists is returned when creating a teambook whose name is taken.
var ErrTeambookExists = errors.New("teambook already exists")

// Store is the interface satisfied by the sqlite, postgres, and redis
// backends. Consumers depend on this interface rather than on a concrete
// type so that backends can be selected at runtime and substituted in
// tests.
//
// Every store is scoped to one teambook; none of the methods take a
// teambook argument. Single methods are atomic: concurrent claims on the
// same task yield exactly one winner, lock acquisition either installs
// the caller as holder or reports the current one, and vote upserts never
// lose a change count.
type Store interface {
	// Notes
	WriteNote(ctx context.Context, note *types.Note) (int64, error)
	GetNote(ctx context.Context, id int64) (*types.Note, error)
	GetNotes(ctx context.Context, ids []int64) ([]*types.Note, error)
	ReadNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error)
	UpdateNote(ctx context.Context, id int64, updates map[string]interface{}) (*types.Note, error)
	DeleteNote(ctx context.Context, id int64) error
	LastNoteID(ctx context.Context) (int64, error)

	// Graph edges and entities
	AddEdges(ctx context.Context, edges []*types.Edge) error
	GetEdges(ctx context.Context, noteID int64, reverse bool) ([]*types.Edge, error)
	AllEdges(ctx context.Context) ([]*types.Edge, error)
	NoteIDs(ctx context.Context) ([]int64, error)
	SetPageRanks(ctx context.Context, ranks map[int64]float64) error
	UpsertEntity(ctx context.Context, entity *types.Entity) (int64, error)
	EntityNotes(ctx context.Context, name string) ([]int64, error)
	LinkEntity(ctx context.Context, entityID, noteID int64) error
	UpsertFact(ctx context.Context, fact *types.EntityFact, invalidate bool) error
	GetFacts(ctx context.Context, subject string, activeOnly bool) ([]*types.EntityFact, error)
	SearchFacts(ctx context.Context, term string, limit int) ([]*types.EntityFact, error)

	// Sessions
	LatestSession(ctx context.Context) (*types.Session, error)
	CreateSession(ctx context.Context, startedAt time.Time) (int64, error)
	TouchSession(ctx context.Context, id int64, at time.Time) error
	SessionNotes(ctx context.Context, id int64) ([]int64, error)

	// Messaging
	SendMessage(ctx context.Context, msg *types.Message) (int64, error)
	GetMessages(ctx context.Context, filter types.MessageFilter) ([]*types.Message, error)
	MarkMessagesRead(ctx context.Context, recipient string, ids []int64) (int, error)
	Subscribe(ctx context.Context, aiID, channel string) error
	Unsubscribe(ctx context.Context, aiID, channel string) error
	Subscriptions(ctx context.Context, aiID string) ([]*types.Subscription, error)
	ChannelMembers(ctx context.Context, channel string) ([]string, error)
	ListChannels(ctx context.Context) ([]string, error)

	// Locks
	AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error)
	ReleaseLock(ctx context.Context, resource, holder string) error
	ExtendLock(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error)
	GetLock(ctx context.Context, resource string) (*types.Lock, error)
	ListLocks(ctx context.Context) ([]*types.Lock, error)
	CountLocks(ctx context.Context, holder string) (int, error)

	// Task queue
	QueueTask(ctx context.Context, task *types.Task) (int64, error)
	ClaimTask(ctx context.Context, id int64, claimer string) (*types.Task, error)
	ClaimNextTask(ctx context.Context, claimer string) (*types.Task, error)
	CompleteTask(ctx context.Context, id int64, claimer, result string) (*types.Task, error)
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error)

	// Watches and events
	CreateWatch(ctx context.Context, w *types.Watch) (int64, error)
	DeleteWatch(ctx context.Context, aiID string, id int64) error
	ListWatches(ctx context.Context, aiID string) ([]*types.Watch, error)
	AllWatches(ctx context.Context) ([]*types.Watch, error)
	RecordEvent(ctx context.Context, e *types.Event, recipients []string) (int64, error)
	PendingEvents(ctx context.Context, aiID string, since time.Time, limit int) ([]*types.Event, error)
	MarkEventsSeen(ctx context.Context, aiID string, eventIDs []int64) error
	QueryEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error)
	TouchWatches(ctx context.Context, aiID string, at time.Time) error

	// Presence
	RecordPresence(ctx context.Context, aiID, operation string, statusMessage *string) error
	ListPresence(ctx context.Context) ([]*types.Presence, error)

	// Vault
	VaultSet(ctx context.Context, item *types.VaultItem) error
	VaultGet(ctx context.Context, key string) (*types.VaultItem, error)
	VaultList(ctx context.Context) ([]*types.VaultItem, error)
	VaultDelete(ctx context.Context, key string) error

	// Evolution
	CreateEvolution(ctx context.Context, evo *types.Evolution) (int64, error)
	GetEvolution(ctx context.Context, id int64) (*types.Evolution, error)
	ListEvolutions(ctx context.Context, status types.EvolutionStatus) ([]*types.Evolution, error)
	AddContribution(ctx context.Context, c *types.Contribution) (int64, error)
	ListContributions(ctx context.Context, evolutionID int64) ([]*types.Contribution, error)
	CastVote(ctx context.Context, vote *types.Vote) (*types.Vote, error)
	FinishEvolution(ctx context.Context, id, outputNoteID int64) error

	// Coordination audit log
	LogCoordination(ctx context.Context, ev *types.CoordinationEvent) error
	RecentCoordination(ctx context.Context, limit int) ([]*types.CoordinationEvent, error)

	// Operations log and statistics
	LogOperation(ctx context.Context, op *types.OperationRecord) error
	RecentOperations(ctx context.Context, author string, limit int) ([]*types.OperationRecord, error)
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Metadata (internal state like pagerank timestamps)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Maintenance
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)

	// Lifecycle
	Teambook() string
	Backend() string
	Close() error
}

// Registry tracks which teambooks exist. On shared backends (postgres,
// redis) the registry is global to the deployment; on the embedded
// backend it reflects the local data root.
type Registry interface {
	CreateTeambook(ctx context.Context, tb *types.Teambook) error
	GetTeambook(ctx context.Context, name string) (*types.Teambook, error)
	ListTeambooks(ctx context.Context) ([]*types.Teambook, error)
	TouchTeambook(ctx context.Context, name string, at time.Time) error
}

// SweepResult reports how many rows an expiry sweep removed.
type SweepResult struct {
	Messages int `json:"messages"`
	Locks    int `json:"locks"`
	Events   int `json:"events"`
	Presence int `json:"presence"`
	Watches  int `json:"watches"`
}

// Total returns the combined number of rows removed.
func (r SweepResult) Total() int {
	return r.Messages + r.Locks + r.Events + r.Presence + r.Watches
}

// Metadata keys used by the graph layer.
const (
	MetaPageRankComputed = "pagerank_computed_at"
	MetaPageRankDirty    = "pagerank_dirty"
)
