package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) lockKey(resource string) string { return s.key("lock", resource) }
func (s *Store) lockExpKey() string             { return s.key("lockexp") }
func (s *Store) taskKey(id int64) string        { return s.key("task", strconv.FormatInt(id, 10)) }
func (s *Store) taskKeyPrefix() string          { return s.key("task") + ":" }
func (s *Store) tasksKey() string               { return s.key("tasks") }
func (s *Store) taskPendingKey() string         { return s.key("taskpending") }

// Lock state lives in a hash per resource plus an expiry-scored zset.
// The compare-and-set transitions run as Lua scripts so the holder check
// and the write are one server-side step; expiry comparisons use
// millisecond timestamps, which Lua numbers represent exactly.
var acquireLockScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if holder and holder ~= ARGV[1] then
  local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms'))
  if expires and expires > tonumber(ARGV[2]) then
    return {holder, redis.call('HGET', KEYS[1], 'expires_at')}
  end
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', ARGV[3], 'expires_at', ARGV[4], 'expires_ms', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
return 1
`)

var releaseLockScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if holder == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
if not holder then return -1 end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms'))
if not expires or expires <= tonumber(ARGV[3]) then return -1 end
return {holder}
`)

var extendLockScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms'))
if holder == ARGV[1] and expires and expires > tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[3], 'expires_ms', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
  return 1
end
if not holder then return -1 end
if not expires or expires <= tonumber(ARGV[2]) then return -1 end
return {holder}
`)

// sweepLockScript deletes a lock only if it is still expired at sweep
// time, so a reclaim racing the sweep never loses a live lease. It also
// prunes index entries whose hash has vanished.
var sweepLockScript = redis.NewScript(`
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms'))
if expires and expires <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
if not expires then redis.call('ZREM', KEYS[2], ARGV[2]) end
return 0
`)

// AcquireLock installs the caller as holder of a resource, reclaiming the
// row in place when the previous lease has expired. Re-acquiring a lock
// you already hold refreshes the lease. Returns storage.ErrLockHeld with
// the current holder when the resource is taken.
func (s *Store) AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error) {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := acquireLockScript.Run(ctx, s.client,
		[]string{s.lockKey(resource), s.lockExpKey()},
		holder, msec(now), rfc(utc(now)), rfc(utc(expires)), msec(expires), resource,
	).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "acquire lock %q", resource)
	}

	if cur, ok := heldReply(res); ok {
		return nil, fmt.Errorf("resource %q held by %s for %s: %w",
			resource, cur.Holder, cur.Remaining(now).Round(time.Second), storage.ErrLockHeld)
	}
	return &types.Lock{
		Resource:   resource,
		Holder:     holder,
		Teambook:   s.teambook,
		AcquiredAt: now,
		ExpiresAt:  expires,
	}, nil
}

// heldReply decodes the {holder, expires_at} array the lock scripts
// return when another AI holds the resource.
func heldReply(res interface{}) (*types.Lock, bool) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, false
	}
	lock := &types.Lock{}
	if h, ok := arr[0].(string); ok {
		lock.Holder = h
	}
	if len(arr) > 1 {
		if raw, ok := arr[1].(string); ok {
			lock.ExpiresAt, _ = parseRFC(raw)
		}
	}
	return lock, true
}

// ReleaseLock removes the caller's lock. Releasing an already-expired lock
// you held is a no-op success.
func (s *Store) ReleaseLock(ctx context.Context, resource, holder string) error {
	res, err := releaseLockScript.Run(ctx, s.client,
		[]string{s.lockKey(resource), s.lockExpKey()},
		holder, resource, msec(time.Now()),
	).Result()
	if err != nil {
		return wrapDBErrorf(err, "release lock %q", resource)
	}

	if n, ok := res.(int64); ok {
		if n == 1 {
			return nil
		}
		return fmt.Errorf("release lock %q: %w", resource, storage.ErrNotFound)
	}
	cur, _ := heldReply(res)
	return fmt.Errorf("resource %q held by %s: %w", resource, cur.Holder, storage.ErrNotOwner)
}

// ExtendLock pushes out the expiry of a lock the caller still holds.
func (s *Store) ExtendLock(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error) {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := extendLockScript.Run(ctx, s.client,
		[]string{s.lockKey(resource), s.lockExpKey()},
		holder, msec(now), rfc(utc(expires)), msec(expires), resource,
	).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "extend lock %q", resource)
	}

	if n, ok := res.(int64); ok {
		if n == 1 {
			return s.lockRow(ctx, resource)
		}
		return nil, fmt.Errorf("extend lock %q: %w", resource, storage.ErrNotFound)
	}
	cur, _ := heldReply(res)
	return nil, fmt.Errorf("resource %q held by %s: %w", resource, cur.Holder, storage.ErrNotOwner)
}

// GetLock returns the active lock on a resource, or storage.ErrNotFound
// when the resource is free or the lease has expired.
func (s *Store) GetLock(ctx context.Context, resource string) (*types.Lock, error) {
	lock, err := s.lockRow(ctx, resource)
	if err != nil {
		return nil, err
	}
	if lock.Expired(time.Now()) {
		return nil, fmt.Errorf("lock %q: %w", resource, storage.ErrNotFound)
	}
	return lock, nil
}

func (s *Store) lockRow(ctx context.Context, resource string) (*types.Lock, error) {
	vals, err := s.client.HGetAll(ctx, s.lockKey(resource)).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "lock %q", resource)
	}
	if len(vals) == 0 {
		return nil, wrapDBErrorf(redis.Nil, "lock %q", resource)
	}
	lock := &types.Lock{Resource: resource, Holder: vals["holder"], Teambook: s.teambook}
	if lock.AcquiredAt, err = parseRFC(vals["acquired_at"]); err != nil {
		return nil, err
	}
	if lock.ExpiresAt, err = parseRFC(vals["expires_at"]); err != nil {
		return nil, err
	}
	return lock, nil
}

// ListLocks returns all active locks ordered by resource.
func (s *Store) ListLocks(ctx context.Context) ([]*types.Lock, error) {
	resources, err := s.client.ZRangeByScore(ctx, s.lockExpKey(), &redis.ZRangeBy{
		Min: scoreAfter(msec(time.Now())),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, wrapDBError("list locks", err)
	}
	if len(resources) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(resources))
	for i, resource := range resources {
		cmds[i] = pipe.HGetAll(ctx, s.lockKey(resource))
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return nil, wrapDBError("list locks", err)
	}

	locks := make([]*types.Lock, 0, len(resources))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		lock := &types.Lock{Resource: resources[i], Holder: vals["holder"], Teambook: s.teambook}
		if lock.AcquiredAt, err = parseRFC(vals["acquired_at"]); err != nil {
			return nil, wrapDBError("list locks", err)
		}
		if lock.ExpiresAt, err = parseRFC(vals["expires_at"]); err != nil {
			return nil, wrapDBError("list locks", err)
		}
		locks = append(locks, lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Resource < locks[j].Resource })
	return locks, nil
}

// CountLocks returns how many active locks an AI holds.
func (s *Store) CountLocks(ctx context.Context, holder string) (int, error) {
	locks, err := s.ListLocks(ctx)
	if err != nil {
		return 0, wrapDBError("count locks", err)
	}
	count := 0
	for _, lock := range locks {
		if lock.Holder == holder {
			count++
		}
	}
	return count, nil
}

// priorityBand separates pending-queue priorities by more than any
// plausible millisecond timestamp, so priority dominates the composite
// score and creation time breaks ties within one priority.
const priorityBand = 1e13

// pendingScore orders the pending zset for ZPOPMIN: higher priorities
// score lower, FIFO within a priority. Equal scores fall back to the
// zero-padded member, which sorts by id.
func pendingScore(priority int, created time.Time) float64 {
	return float64(types.MaxPriority-priority)*priorityBand + float64(msec(created))
}

var claimTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'claimed', 'claimed_by', ARGV[1], 'claimed_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

var claimNextTaskScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local key = ARGV[1] .. tostring(tonumber(popped[1]))
redis.call('HSET', key, 'status', 'claimed', 'claimed_by', ARGV[2], 'claimed_at', ARGV[3])
return popped[1]
`)

var completeTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'claimed' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', 'completed', 'completed_at', ARGV[2], 'result', ARGV[3])
return 1
`)

// QueueTask appends a task, enforcing the pending-queue cap atomically.
func (s *Store) QueueTask(ctx context.Context, task *types.Task) (int64, error) {
	created := task.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		pending, err := tx.ZCard(ctx, s.taskPendingKey()).Result()
		if err != nil {
			return err
		}
		if pending >= int64(types.MaxQueueSize) {
			return fmt.Errorf("queue at capacity (%d pending): %w",
				types.MaxQueueSize, storage.ErrQueueFull)
		}
		if id, err = s.nextID(ctx, "tasks"); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.taskKey(id),
				"content", task.Content,
				"priority", task.Priority,
				"status", string(types.TaskPending),
				"author", task.Author,
				"claimed_by", "",
				"result", "",
				"representation_policy", string(task.RepresentationPolicy.OrDefault()),
				"tamper_hash", task.TamperHash,
				"created_at", rfc(utc(created)),
			)
			pipe.ZAdd(ctx, s.taskPendingKey(), redis.Z{Score: pendingScore(task.Priority, created), Member: padID(id)})
			pipe.ZAdd(ctx, s.tasksKey(), redis.Z{Score: float64(id), Member: padID(id)})
			return nil
		})
		return err
	}, s.taskPendingKey())
	if err != nil {
		if errors.Is(err, storage.ErrQueueFull) {
			return 0, err
		}
		return 0, wrapDBError("queue task", err)
	}

	task.ID = id
	task.Status = types.TaskPending
	task.CreatedAt = created
	return id, nil
}

// ClaimTask claims a specific pending task. Exactly one concurrent caller
// wins; losers get storage.ErrAlreadyClaimed naming the winner.
func (s *Store) ClaimTask(ctx context.Context, id int64, claimer string) (*types.Task, error) {
	won, err := claimTaskScript.Run(ctx, s.client,
		[]string{s.taskKey(id), s.taskPendingKey()},
		claimer, rfc(utc(time.Now())), padID(id),
	).Int()
	if err != nil {
		return nil, wrapDBErrorf(err, "claim task %d", id)
	}
	if won == 0 {
		return nil, s.diagnoseClaimFailure(ctx, id)
	}
	return s.refreshTaskHash(ctx, id)
}

// ClaimNextTask claims the highest-priority pending task, FIFO within a
// priority. Returns storage.ErrNotFound when the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context, claimer string) (*types.Task, error) {
	member, err := claimNextTaskScript.Run(ctx, s.client,
		[]string{s.taskPendingKey()},
		s.taskKeyPrefix(), claimer, rfc(utc(time.Now())),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("no pending tasks: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("claim next task", err)
	}
	id, err := parseID(member)
	if err != nil {
		return nil, wrapDBError("claim next task", err)
	}
	return s.refreshTaskHash(ctx, id)
}

// CompleteTask finishes a task the caller claimed, recording the result.
func (s *Store) CompleteTask(ctx context.Context, id int64, claimer, result string) (*types.Task, error) {
	done, err := completeTaskScript.Run(ctx, s.client,
		[]string{s.taskKey(id)},
		claimer, rfc(utc(time.Now())), result,
	).Int()
	if err != nil {
		return nil, wrapDBErrorf(err, "complete task %d", id)
	}
	if done == 0 {
		return nil, s.diagnoseCompleteFailure(ctx, id, claimer)
	}
	return s.refreshTaskHash(ctx, id)
}

// diagnoseClaimFailure explains why a conditional claim did not fire.
func (s *Store) diagnoseClaimFailure(ctx context.Context, id int64) error {
	task, err := s.taskByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect task", err)
	}
	if task.ClaimedBy != "" {
		return fmt.Errorf("task %d already claimed by %s: %w", id, task.ClaimedBy, storage.ErrAlreadyClaimed)
	}
	return fmt.Errorf("task %d is %s: %w", id, task.Status, storage.ErrAlreadyClaimed)
}

// diagnoseCompleteFailure explains why a conditional completion did not
// fire.
func (s *Store) diagnoseCompleteFailure(ctx context.Context, id int64, claimer string) error {
	task, err := s.taskByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect task", err)
	}
	switch task.Status {
	case types.TaskPending:
		return fmt.Errorf("task %d is not claimed", id)
	case types.TaskCompleted:
		return fmt.Errorf("task %d is already completed", id)
	default:
		return fmt.Errorf("task %d claimed by %s: %w", id, task.ClaimedBy, storage.ErrNotOwner)
	}
}

// refreshTaskHash recomputes the tamper hash from the task's post-update
// state and returns the reloaded task.
func (s *Store) refreshTaskHash(ctx context.Context, id int64) (*types.Task, error) {
	task, err := s.taskByID(ctx, id)
	if err != nil {
		return nil, wrapDBErrorf(err, "reload task %d", id)
	}
	task.Teambook = s.teambook
	task.TamperHash = task.ComputeTamperHash()

	if err := s.client.HSet(ctx, s.taskKey(id), "tamper_hash", task.TamperHash).Err(); err != nil {
		return nil, wrapDBError("refresh task hash", err)
	}
	return task, nil
}

// taskByID loads one task hash. Teambook is not stamped here; callers
// that return the task do that themselves.
func (s *Store) taskByID(ctx context.Context, id int64) (*types.Task, error) {
	vals, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, storage.ErrNotFound
	}
	return taskFromHash(id, vals)
}

func taskFromHash(id int64, vals map[string]string) (*types.Task, error) {
	task := &types.Task{
		ID:                   id,
		Content:              vals["content"],
		Status:               types.TaskStatus(vals["status"]),
		Author:               vals["author"],
		ClaimedBy:            vals["claimed_by"],
		Result:               vals["result"],
		RepresentationPolicy: types.Policy(vals["representation_policy"]),
		TamperHash:           vals["tamper_hash"],
	}
	task.Priority, _ = strconv.Atoi(vals["priority"])

	var err error
	if task.CreatedAt, err = parseRFC(vals["created_at"]); err != nil {
		return nil, err
	}
	claimedAt, err := parseRFC(vals["claimed_at"])
	if err != nil {
		return nil, err
	}
	if !claimedAt.IsZero() {
		task.ClaimedAt = &claimedAt
	}
	completedAt, err := parseRFC(vals["completed_at"])
	if err != nil {
		return nil, err
	}
	if !completedAt.IsZero() {
		task.CompletedAt = &completedAt
	}
	return task, nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	task, err := s.taskByID(ctx, id)
	if err != nil {
		return nil, wrapDBErrorf(err, "get task %d", id)
	}
	task.Teambook = s.teambook
	return task, nil
}

// ListTasks returns tasks matching the filter in claim order: priority
// descending, oldest first within a priority.
func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	members, err := s.client.ZRange(ctx, s.tasksKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(members))
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, wrapDBError("list tasks", err)
		}
		ids[i] = id
		cmds[i] = pipe.HGetAll(ctx, s.taskKey(id))
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return nil, wrapDBError("list tasks", err)
	}

	var tasks []*types.Task
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		task, err := taskFromHash(ids[i], vals)
		if err != nil {
			return nil, wrapDBError("list tasks", err)
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.ClaimedBy != "" && task.ClaimedBy != filter.ClaimedBy {
			continue
		}
		if filter.Author != "" && task.Author != filter.Author {
			continue
		}
		task.Teambook = s.teambook
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}
