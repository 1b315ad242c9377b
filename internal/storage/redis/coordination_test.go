package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestAcquireLockBasic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lock, err := store.AcquireLock(ctx, "deploy", "agent-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if lock.Holder != "agent-a" {
		t.Errorf("expected holder agent-a, got %s", lock.Holder)
	}
	if !lock.ExpiresAt.After(time.Now()) {
		t.Error("expected lock to expire in the future")
	}

	got, err := store.GetLock(ctx, "deploy")
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if got.Holder != "agent-a" {
		t.Errorf("expected holder agent-a, got %s", got.Holder)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.AcquireLock(ctx, "deploy", "agent-a", time.Minute); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	_, err := store.AcquireLock(ctx, "deploy", "agent-b", time.Minute)
	if !errors.Is(err, storage.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if !strings.Contains(err.Error(), "agent-a") {
		t.Errorf("expected error to name the holder, got %s", err)
	}
}

func TestAcquireLockSameHolderRefreshes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.AcquireLock(ctx, "deploy", "agent-a", time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	second, err := store.AcquireLock(ctx, "deploy", "agent-a", time.Hour)
	if err != nil {
		t.Fatalf("re-acquire by holder should succeed: %v", err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Error("re-acquire should push the expiry out")
	}
}

func TestAcquireLockReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Negative TTL writes an already-expired lease.
	if _, err := store.AcquireLock(ctx, "deploy", "agent-a", -time.Second); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	if _, err := store.GetLock(ctx, "deploy"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired lock should read as not found, got %v", err)
	}

	lock, err := store.AcquireLock(ctx, "deploy", "agent-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire over expired lease failed: %v", err)
	}
	if lock.Holder != "agent-b" {
		t.Errorf("expected new holder agent-b, got %s", lock.Holder)
	}
}

func TestReleaseLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.AcquireLock(ctx, "deploy", "agent-a", time.Minute); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := store.ReleaseLock(ctx, "deploy", "agent-b"); !errors.Is(err, storage.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for wrong holder, got %v", err)
	}
	if err := store.ReleaseLock(ctx, "deploy", "agent-a"); err != nil {
		t.Fatalf("release by holder failed: %v", err)
	}
	if err := store.ReleaseLock(ctx, "deploy", "agent-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
}

func TestExtendLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.AcquireLock(ctx, "deploy", "agent-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	extended, err := store.ExtendLock(ctx, "deploy", "agent-a", time.Hour)
	if err != nil {
		t.Fatalf("ExtendLock failed: %v", err)
	}
	if !extended.ExpiresAt.After(first.ExpiresAt) {
		t.Error("extend should push the expiry out")
	}

	if _, err := store.ExtendLock(ctx, "deploy", "agent-b", time.Hour); !errors.Is(err, storage.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for non-holder, got %v", err)
	}
	if _, err := store.ExtendLock(ctx, "missing", "agent-a", time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing lock, got %v", err)
	}
}

func TestListAndCountLocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, resource := range []string{"build", "deploy", "migrate"} {
		if _, err := store.AcquireLock(ctx, resource, "agent-a", time.Minute); err != nil {
			t.Fatalf("acquire %s failed: %v", resource, err)
		}
	}
	if _, err := store.AcquireLock(ctx, "stale", "agent-a", -time.Second); err != nil {
		t.Fatalf("acquire stale failed: %v", err)
	}

	locks, err := store.ListLocks(ctx)
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 3 {
		t.Errorf("expected 3 active locks, got %d", len(locks))
	}

	count, err := store.CountLocks(ctx, "agent-a")
	if err != nil {
		t.Fatalf("CountLocks failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestLockConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const numHolders = 10
	var wg sync.WaitGroup
	var successCount atomic.Int32

	for i := 0; i < numHolders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := string(rune('A'+n)) + "-agent"
			_, err := store.AcquireLock(ctx, "contested", holder, time.Minute)
			if err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, storage.ErrLockHeld) {
				t.Errorf("unexpected error for %s: %v", holder, err)
			}
		}(i)
	}
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 successful acquire, got %d", successCount.Load())
	}
}

func TestQueueAndClaimTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &types.Task{Content: "run the migration", Author: "agent-a", Priority: 7}
	task.SetDefaults()
	task.TamperHash = task.ComputeTamperHash()
	id, err := store.QueueTask(ctx, task)
	if err != nil {
		t.Fatalf("QueueTask failed: %v", err)
	}
	if task.Status != types.TaskPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}

	claimed, err := store.ClaimTask(ctx, id, "agent-b")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if claimed.Status != types.TaskClaimed {
		t.Errorf("expected claimed status, got %s", claimed.Status)
	}
	if claimed.ClaimedBy != "agent-b" {
		t.Errorf("expected claimer agent-b, got %s", claimed.ClaimedBy)
	}
	if claimed.ClaimedAt == nil {
		t.Error("expected ClaimedAt to be set")
	}
	if claimed.TamperHash != claimed.ComputeTamperHash() {
		t.Error("tamper hash should be refreshed on claim")
	}

	_, err = store.ClaimTask(ctx, id, "agent-c")
	if !errors.Is(err, storage.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if !strings.Contains(err.Error(), "agent-b") {
		t.Errorf("expected error to name the claimer, got %s", err)
	}
}

func TestClaimTaskNonexistent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.ClaimTask(ctx, 9999, "agent-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextTaskOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Two tasks at priority 5 (FIFO between them), one at priority 9.
	for _, spec := range []struct {
		content  string
		priority int
	}{
		{"first at five", 5},
		{"second at five", 5},
		{"urgent", 9},
	} {
		task := &types.Task{Content: spec.content, Author: "a", Priority: spec.priority}
		if _, err := store.QueueTask(ctx, task); err != nil {
			t.Fatalf("QueueTask failed: %v", err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		task, err := store.ClaimNextTask(ctx, "worker")
		if err != nil {
			t.Fatalf("ClaimNextTask %d failed: %v", i, err)
		}
		order = append(order, task.Content)
	}
	want := []string{"urgent", "first at five", "second at five"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order mismatch: got %v, want %v", order, want)
		}
	}

	if _, err := store.ClaimNextTask(ctx, "worker"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestClaimNextTaskConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &types.Task{Content: "single task", Author: "a", Priority: 5}
	if _, err := store.QueueTask(ctx, task); err != nil {
		t.Fatalf("QueueTask failed: %v", err)
	}

	const numWorkers = 8
	var wg sync.WaitGroup
	var successCount atomic.Int32
	var emptyCount atomic.Int32

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.ClaimNextTask(ctx, string(rune('A'+n))+"-worker")
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				emptyCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", successCount.Load())
	}
	if emptyCount.Load() != numWorkers-1 {
		t.Errorf("expected %d empty-queue results, got %d", numWorkers-1, emptyCount.Load())
	}
}

func TestCompleteTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &types.Task{Content: "ship it", Author: "a", Priority: 5}
	id, err := store.QueueTask(ctx, task)
	if err != nil {
		t.Fatalf("QueueTask failed: %v", err)
	}

	// Completing a pending task fails.
	if _, err := store.CompleteTask(ctx, id, "agent-b", "done"); err == nil {
		t.Error("expected error completing an unclaimed task")
	}

	if _, err := store.ClaimTask(ctx, id, "agent-b"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	// Only the claimer may complete.
	if _, err := store.CompleteTask(ctx, id, "agent-c", "done"); !errors.Is(err, storage.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	completed, err := store.CompleteTask(ctx, id, "agent-b", "merged in r42")
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if completed.Status != types.TaskCompleted {
		t.Errorf("expected completed status, got %s", completed.Status)
	}
	if completed.Result != "merged in r42" {
		t.Errorf("expected result to be stored, got %q", completed.Result)
	}
	if completed.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// Completing twice fails.
	if _, err := store.CompleteTask(ctx, id, "agent-b", "again"); err == nil {
		t.Error("expected error completing a completed task")
	}
}

func TestQueueTaskCapacity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < types.MaxQueueSize; i++ {
		task := &types.Task{Content: "filler", Author: "a", Priority: 1}
		if _, err := store.QueueTask(ctx, task); err != nil {
			t.Fatalf("QueueTask %d failed: %v", i, err)
		}
	}

	overflow := &types.Task{Content: "one too many", Author: "a", Priority: 1}
	if _, err := store.QueueTask(ctx, overflow); !errors.Is(err, storage.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Claiming one frees a slot.
	if _, err := store.ClaimNextTask(ctx, "worker"); err != nil {
		t.Fatalf("ClaimNextTask failed: %v", err)
	}
	if _, err := store.QueueTask(ctx, overflow); err != nil {
		t.Errorf("queue should accept after a claim, got %v", err)
	}
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	low := &types.Task{Content: "low", Author: "a", Priority: 2}
	high := &types.Task{Content: "high", Author: "b", Priority: 8}
	for _, task := range []*types.Task{low, high} {
		if _, err := store.QueueTask(ctx, task); err != nil {
			t.Fatalf("QueueTask failed: %v", err)
		}
	}
	if _, err := store.ClaimTask(ctx, low.ID, "agent-c"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	all, err := store.ListTasks(ctx, types.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}
	if all[0].Content != "high" {
		t.Errorf("expected priority order, got %s first", all[0].Content)
	}

	pending, err := store.ListTasks(ctx, types.TaskFilter{Status: types.TaskPending})
	if err != nil {
		t.Fatalf("ListTasks pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "high" {
		t.Errorf("expected only the pending task, got %d", len(pending))
	}

	mine, err := store.ListTasks(ctx, types.TaskFilter{ClaimedBy: "agent-c"})
	if err != nil {
		t.Fatalf("ListTasks claimed failed: %v", err)
	}
	if len(mine) != 1 || mine[0].Content != "low" {
		t.Errorf("expected the claimed task, got %d", len(mine))
	}
}
