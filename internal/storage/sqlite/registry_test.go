package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestRegistryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	reg, err := OpenRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}

	tb := &types.Teambook{Name: "alpha", Creator: "agent-a"}
	if err := reg.CreateTeambook(ctx, tb); err != nil {
		t.Fatalf("CreateTeambook failed: %v", err)
	}
	if tb.CreatedAt.IsZero() {
		t.Error("CreateTeambook should set CreatedAt")
	}

	got, err := reg.GetTeambook(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetTeambook failed: %v", err)
	}
	if got.Creator != "agent-a" {
		t.Errorf("expected creator agent-a, got %s", got.Creator)
	}
	if got.LastActive.IsZero() {
		t.Error("expected LastActive to default to creation time")
	}
}

func TestRegistryDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	reg, err := OpenRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}

	tb := &types.Teambook{Name: "alpha", Creator: "agent-a"}
	if err := reg.CreateTeambook(ctx, tb); err != nil {
		t.Fatalf("CreateTeambook failed: %v", err)
	}
	dup := &types.Teambook{Name: "alpha", Creator: "agent-b"}
	if err := reg.CreateTeambook(ctx, dup); !errors.Is(err, storage.ErrTeambookExists) {
		t.Fatalf("expected ErrTeambookExists, got %v", err)
	}
}

func TestRegistryInvalidName(t *testing.T) {
	ctx := context.Background()
	reg, err := OpenRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}

	bad := &types.Teambook{Name: "no/slashes", Creator: "agent-a"}
	if err := reg.CreateTeambook(ctx, bad); err == nil {
		t.Error("expected error for invalid name")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	ctx := context.Background()
	reg, err := OpenRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}

	if _, err := reg.GetTeambook(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryList(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	reg, err := OpenRegistry(root)
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}

	for _, name := range []string{"zeta", "alpha"} {
		tb := &types.Teambook{Name: name, Creator: "agent-a"}
		if err := reg.CreateTeambook(ctx, tb); err != nil {
			t.Fatalf("CreateTeambook %s failed: %v", name, err)
		}
	}

	// LastActive follows the database file once the teambook is opened.
	store, err := Open(ctx, DBPath(root, "alpha"), "alpha")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := store.WriteNote(ctx, &types.Note{Content: "hi", Author: "a"}); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	books, err := reg.ListTeambooks(ctx)
	if err != nil {
		t.Fatalf("ListTeambooks failed: %v", err)
	}
	if len(books) != 2 {
		t.Fatalf("expected 2 teambooks, got %d", len(books))
	}
	if books[0].Name != "alpha" || books[1].Name != "zeta" {
		t.Errorf("expected name order [alpha zeta], got [%s %s]", books[0].Name, books[1].Name)
	}
	if books[0].LastActive.Before(books[0].CreatedAt) {
		t.Error("expected database activity to advance LastActive")
	}
}
