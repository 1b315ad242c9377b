package kernel

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/textutil"
	"github.com/steveyegge/teambook/internal/types"
)

func lockView(l *types.Lock, now time.Time, self string) map[string]interface{} {
	return map[string]interface{}{
		"resource":   l.Resource,
		"holder":     l.Holder,
		"expires_in": int(l.Remaining(now).Seconds()),
		"mine":       l.Holder == self,
	}
}

func taskView(t *types.Task, full bool) map[string]interface{} {
	v := map[string]interface{}{
		"id":       t.ID,
		"priority": t.Priority,
		"status":   string(t.Status),
		"author":   t.Author,
		"created":  stamp(t.CreatedAt),
	}
	if t.ClaimedBy != "" {
		v["claimed_by"] = t.ClaimedBy
	}
	if full {
		v["content"] = t.Content
		if t.Result != "" {
			v["result"] = t.Result
		}
		v["claimed_at"] = stampPtr(t.ClaimedAt)
		v["completed_at"] = stampPtr(t.CompletedAt)
	} else {
		v["summary"] = textutil.Summarize(t.Content, types.MaxSummaryLength)
	}
	return v
}

// acquireLock takes an advisory lease on a named resource. A contended
// acquire fails with locked_by:<holder> so the caller knows who to
// wait on.
func (k *Kernel) acquireLock(ctx context.Context, p Params) *Response {
	resource := p.Str("resource")
	if resource == "" {
		return fail(CodeInvalidItem, "resource is required")
	}
	if !types.ValidResourceName(resource) {
		return fail(CodeInvalidItem, "invalid resource name: %s", resource).
			Detail(map[string]interface{}{"allowed": "letters, digits, underscore, colon, dot, slash, dash"})
	}
	ai := k.aiID()

	st := k.db()
	held, err := st.CountLocks(ctx, ai)
	if err != nil {
		return failErr(err)
	}
	if held >= types.MaxLocksPerAI {
		return fail(CodeLockLimit, "at most %d concurrent locks", types.MaxLocksPerAI).
			Detail(map[string]interface{}{"max": types.MaxLocksPerAI, "held": held}).
			Suggest("release a lock before acquiring another")
	}

	ttl := types.ClampLockDuration(time.Duration(p.IntOr("timeout", 0)) * time.Second)
	lock, err := st.AcquireLock(ctx, resource, ai, ttl)
	if errors.Is(err, storage.ErrLockHeld) {
		code := CodeLockedBy
		details := map[string]interface{}{"acquired": false, "resource": resource}
		if cur, lerr := st.GetLock(ctx, resource); lerr == nil {
			code = CodeLockedBy + ":" + cur.Holder
			details["holder"] = cur.Holder
			details["expires_in"] = int(cur.Remaining(k.now()).Seconds())
		}
		return (&Response{Error: code}).Detail(details)
	}
	if err != nil {
		return failErr(err)
	}

	k.events().Notify(ctx, types.ItemLock, resource, types.EventLocked, ai, resource)
	return success("locked %s for %ds", resource, int(ttl.Seconds())).With(map[string]interface{}{
		"acquired":   true,
		"resource":   resource,
		"expires_at": stamp(lock.ExpiresAt),
		"ttl":        int(ttl.Seconds()),
	})
}

func (k *Kernel) releaseLock(ctx context.Context, p Params) *Response {
	resource := p.Str("resource")
	if resource == "" {
		return fail(CodeInvalidItem, "resource is required")
	}
	ai := k.aiID()

	st := k.db()
	err := st.ReleaseLock(ctx, resource, ai)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeNotLocked, "%s is not locked", resource)
	}
	if errors.Is(err, storage.ErrNotOwner) {
		r := fail(CodeNotYourLock, "%s is not your lock", resource)
		if cur, lerr := st.GetLock(ctx, resource); lerr == nil {
			r.Detail(map[string]interface{}{"holder": cur.Holder})
		}
		return r
	}
	if err != nil {
		return failErr(err)
	}

	k.events().Notify(ctx, types.ItemLock, resource, types.EventUnlocked, ai, resource)
	return success("released %s", resource).With(map[string]interface{}{
		"resource": resource,
	})
}

// extendLock pushes a held lease further out, capped at the maximum
// lock duration from now.
func (k *Kernel) extendLock(ctx context.Context, p Params) *Response {
	resource := p.Str("resource")
	if resource == "" {
		return fail(CodeInvalidItem, "resource is required")
	}
	ai := k.aiID()
	additional := time.Duration(p.IntOr("additional", 60)) * time.Second
	if additional <= 0 {
		return fail(CodeInvalidItem, "additional seconds must be positive")
	}

	st := k.db()
	cur, err := st.GetLock(ctx, resource)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeNotLocked, "%s is not locked", resource)
	}
	if err != nil {
		return failErr(err)
	}
	if cur.Holder != ai {
		return fail(CodeNotYourLock, "%s is held by %s", resource, cur.Holder).
			Detail(map[string]interface{}{"holder": cur.Holder})
	}

	now := k.now()
	ttl := cur.Remaining(now) + additional
	if ttl > types.MaxLockDuration {
		ttl = types.MaxLockDuration
	}
	lock, err := st.ExtendLock(ctx, resource, ai, ttl)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeNotLocked, "%s is not locked", resource)
	}
	if errors.Is(err, storage.ErrNotOwner) {
		return fail(CodeNotYourLock, "%s is not your lock", resource)
	}
	if err != nil {
		return failErr(err)
	}

	return success("extended %s", resource).With(map[string]interface{}{
		"resource":   resource,
		"expires_at": stamp(lock.ExpiresAt),
		"expires_in": int(lock.Remaining(now).Seconds()),
	})
}

func (k *Kernel) listLocks(ctx context.Context, p Params) *Response {
	locks, err := k.db().ListLocks(ctx)
	if err != nil {
		return failErr(err)
	}
	now := k.now()
	ai := k.aiID()
	views := make([]map[string]interface{}, 0, len(locks))
	for _, l := range locks {
		views = append(views, lockView(l, now, ai))
	}
	return success("%d locks", len(locks)).With(map[string]interface{}{
		"locks": views,
		"count": len(locks),
	})
}

// queueTask adds work to the shared queue. Over-long tasks truncate
// with a warning.
func (k *Kernel) queueTask(ctx context.Context, p Params) *Response {
	content := textutil.Clean(p.StrOr("task", p.Str("content")))
	if content == "" {
		return fail(CodeEmptyMessage, "task content is required")
	}
	var warnings []string
	if len(content) > types.MaxTaskLength {
		content = textutil.Truncate(content, types.MaxTaskLength)
		warnings = append(warnings, "task_truncated")
	}

	task := &types.Task{
		Content:   content,
		Priority:  p.IntOr("priority", types.DefaultPriority),
		Author:    k.aiID(),
		Teambook:  k.teambook(),
		CreatedAt: k.now(),
	}
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return fail(CodeInvalidItem, "%v", err)
	}
	task.TamperHash = task.ComputeTamperHash()

	id, err := k.db().QueueTask(ctx, task)
	if errors.Is(err, storage.ErrQueueFull) {
		return fail(CodeQueueFull, "task queue is full").
			Detail(map[string]interface{}{"max": types.MaxQueueSize}).
			Suggest("complete or wait for pending tasks to drain")
	}
	if err != nil {
		return failErr(err)
	}

	// Priority keywords in the summary reach any standby listeners.
	k.events().Notify(ctx, types.ItemTask, strconv.FormatInt(id, 10),
		types.EventCreated, task.Author, textutil.Summarize(content, types.MaxSummaryLength))

	data := map[string]interface{}{
		"task_id":  id,
		"priority": task.Priority,
		"status":   string(types.TaskPending),
	}
	if len(warnings) > 0 {
		data["warnings"] = warnings
	}
	return success("queued task %d at priority %d", id, task.Priority).With(data)
}

// claimTask takes the best pending task, or a specific one when task_id
// is given. An empty queue is a non-result, not an error. By default the
// highest priority wins; prefer_priority=false claims strictly oldest-first.
func (k *Kernel) claimTask(ctx context.Context, p Params) *Response {
	ai := k.aiID()
	st := k.db()

	var (
		task *types.Task
		err  error
	)
	switch {
	case p.Has("task_id"):
		id, resp := requireID(p, "task_id")
		if resp != nil {
			return resp
		}
		task, err = st.ClaimTask(ctx, id, ai)
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeTaskNotFound, "task %d not found", id)
		}
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			r := fail(CodeAlreadyClaimed, "task %d is not pending", id)
			if cur, gerr := st.GetTask(ctx, id); gerr == nil {
				if cur.Status == types.TaskCompleted {
					r = fail(CodeAlreadyCompleted, "task %d is already completed", id)
				} else if cur.ClaimedBy != "" {
					r.Detail(map[string]interface{}{"claimed_by": cur.ClaimedBy})
				}
			}
			return r
		}
	case !p.BoolOr("prefer_priority", true):
		task, err = k.claimOldest(ctx, st, ai)
	default:
		task, err = st.ClaimNextTask(ctx, ai)
	}
	if err != nil && errors.Is(err, storage.ErrNotFound) {
		return success("no pending tasks").With(map[string]interface{}{"claimed": false})
	}
	if err != nil {
		return failErr(err)
	}

	k.events().Notify(ctx, types.ItemTask, strconv.FormatInt(task.ID, 10),
		types.EventClaimed, ai, textutil.Summarize(task.Content, types.MaxSummaryLength))

	return success("claimed task %d", task.ID).With(map[string]interface{}{
		"claimed": true,
		"task":    taskView(task, true),
	})
}

// claimOldest claims the oldest pending task regardless of priority,
// retrying through races with other claimers.
func (k *Kernel) claimOldest(ctx context.Context, st storage.Store, ai string) (*types.Task, error) {
	for attempt := 0; attempt < 3; attempt++ {
		pending, err := st.ListTasks(ctx, types.TaskFilter{Status: types.TaskPending})
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return nil, storage.ErrNotFound
		}
		sort.Slice(pending, func(i, j int) bool {
			if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
				return pending[i].CreatedAt.Before(pending[j].CreatedAt)
			}
			return pending[i].ID < pending[j].ID
		})
		task, err := st.ClaimTask(ctx, pending[0].ID, ai)
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			continue // lost the race, try the next oldest
		}
		return task, err
	}
	return nil, storage.ErrNotFound
}

func (k *Kernel) completeTask(ctx context.Context, p Params) *Response {
	id, resp := requireID(p, "task_id")
	if resp != nil {
		return resp
	}
	ai := k.aiID()
	result := p.Str("result")

	st := k.db()
	task, err := st.CompleteTask(ctx, id, ai, result)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeTaskNotFound, "task %d not found", id)
	}
	if errors.Is(err, storage.ErrNotOwner) {
		r := fail(CodeNotYourTask, "task %d is not yours to complete", id)
		if cur, gerr := st.GetTask(ctx, id); gerr == nil && cur.ClaimedBy != "" {
			r.Detail(map[string]interface{}{"claimed_by": cur.ClaimedBy})
		}
		return r
	}
	if err != nil {
		// Distinguish the remaining state conflicts from backend faults.
		if cur, gerr := st.GetTask(ctx, id); gerr == nil {
			switch cur.Status {
			case types.TaskCompleted:
				return fail(CodeAlreadyCompleted, "task %d is already completed", id)
			case types.TaskPending:
				return fail(CodeInvalidItem, "task %d is not claimed", id).
					Suggest("claim the task first")
			}
		}
		return failErr(err)
	}

	summary := textutil.Summarize(task.Content, types.MaxSummaryLength)
	if result != "" {
		summary = textutil.Summarize(result, types.MaxSummaryLength)
	}
	k.events().Notify(ctx, types.ItemTask, strconv.FormatInt(id, 10),
		types.EventCompleted, ai, summary)

	return success("completed task %d", id).With(map[string]interface{}{
		"task_id": id,
		"status":  string(types.TaskCompleted),
	})
}

func (k *Kernel) queueStats(ctx context.Context, p Params) *Response {
	tasks, err := k.db().ListTasks(ctx, types.TaskFilter{})
	if err != nil {
		return failErr(err)
	}
	ai := k.aiID()
	var pending, claimed, completed, mine int
	for _, t := range tasks {
		switch t.Status {
		case types.TaskPending:
			pending++
		case types.TaskClaimed:
			claimed++
			if t.ClaimedBy == ai {
				mine++
			}
		case types.TaskCompleted:
			completed++
		}
	}
	return success("%d pending, %d claimed, %d completed", pending, claimed, completed).
		With(map[string]interface{}{
			"total":     len(tasks),
			"pending":   pending,
			"claimed":   claimed,
			"completed": completed,
			"mine":      mine,
		})
}
