package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	setupOnce.Do(setupPostgres)
	if skipPostgresTests {
		t.Skip("Docker not available, skipping PostgreSQL test")
	}
	reg, err := OpenRegistry(context.Background(), testPostgresURL)
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegistryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	name := testTeambook(t)

	tb := &types.Teambook{Name: name, Creator: "agent-a"}
	if err := reg.CreateTeambook(ctx, tb); err != nil {
		t.Fatalf("CreateTeambook failed: %v", err)
	}

	dup := &types.Teambook{Name: name, Creator: "agent-b"}
	if err := reg.CreateTeambook(ctx, dup); !errors.Is(err, storage.ErrTeambookExists) {
		t.Fatalf("expected ErrTeambookExists, got %v", err)
	}

	got, err := reg.GetTeambook(ctx, name)
	if err != nil {
		t.Fatalf("GetTeambook failed: %v", err)
	}
	if got.Creator != "agent-a" {
		t.Errorf("expected original creator preserved, got %q", got.Creator)
	}
	if got.LastActive.IsZero() {
		t.Error("expected LastActive set at creation")
	}

	if _, err := reg.GetTeambook(ctx, name+"-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryInvalidName(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	bad := &types.Teambook{Name: "no spaces allowed", Creator: "agent-a"}
	if err := reg.CreateTeambook(ctx, bad); err == nil {
		t.Error("expected error for invalid teambook name")
	}
}

func TestRegistryListSorted(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	prefix := testTeambook(t)

	for _, suffix := range []string{"-b", "-a", "-c"} {
		tb := &types.Teambook{Name: prefix + suffix, Creator: "agent-a"}
		if err := reg.CreateTeambook(ctx, tb); err != nil {
			t.Fatalf("CreateTeambook failed: %v", err)
		}
	}

	all, err := reg.ListTeambooks(ctx)
	if err != nil {
		t.Fatalf("ListTeambooks failed: %v", err)
	}
	var mine []string
	for _, tb := range all {
		if len(tb.Name) >= len(prefix) && tb.Name[:len(prefix)] == prefix {
			mine = append(mine, tb.Name)
		}
	}
	want := []string{prefix + "-a", prefix + "-b", prefix + "-c"}
	if len(mine) != 3 || mine[0] != want[0] || mine[1] != want[1] || mine[2] != want[2] {
		t.Errorf("expected %v, got %v", want, mine)
	}
}

func TestRegistryTouchNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	name := testTeambook(t)

	tb := &types.Teambook{Name: name, Creator: "agent-a"}
	if err := reg.CreateTeambook(ctx, tb); err != nil {
		t.Fatalf("CreateTeambook failed: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := reg.TouchTeambook(ctx, name, future); err != nil {
		t.Fatalf("TouchTeambook failed: %v", err)
	}
	got, err := reg.GetTeambook(ctx, name)
	if err != nil {
		t.Fatalf("GetTeambook failed: %v", err)
	}
	if got.LastActive.Before(future.Add(-time.Second)) {
		t.Errorf("expected LastActive advanced to %v, got %v", future, got.LastActive)
	}

	// An earlier touch must not roll the clock back.
	if err := reg.TouchTeambook(ctx, name, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("TouchTeambook failed: %v", err)
	}
	after, err := reg.GetTeambook(ctx, name)
	if err != nil {
		t.Fatalf("GetTeambook failed: %v", err)
	}
	if after.LastActive.Before(got.LastActive.Add(-time.Second)) {
		t.Errorf("LastActive moved backwards: %v -> %v", got.LastActive, after.LastActive)
	}

	// Touching an unregistered teambook is a quiet no-op.
	if err := reg.TouchTeambook(ctx, name+"-ghost", time.Now()); err != nil {
		t.Errorf("expected no-op touch, got %v", err)
	}
}
