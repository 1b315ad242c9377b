package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestEvolutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "distill the deploy runbook", Author: "agent-a"}
	evoID, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}
	if evo.Status != types.EvolutionActive || evo.Generation != 1 {
		t.Errorf("unexpected initial state: %+v", evo)
	}

	first := &types.Contribution{EvolutionID: evoID, Author: "agent-b", Content: "step 1: freeze deploys"}
	if _, err := store.AddContribution(ctx, first); err != nil {
		t.Fatalf("AddContribution failed: %v", err)
	}
	second := &types.Contribution{EvolutionID: evoID, Author: "agent-c", Content: "step 1: page the oncall"}
	if _, err := store.AddContribution(ctx, second); err != nil {
		t.Fatalf("AddContribution failed: %v", err)
	}

	vote := &types.Vote{ContributionID: second.ID, Voter: "agent-b", Score: 9}
	if _, err := store.CastVote(ctx, vote); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	ranked, err := store.ListContributions(ctx, evoID)
	if err != nil {
		t.Fatalf("ListContributions failed: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(ranked))
	}
	if ranked[0].ID != second.ID || ranked[0].Score != 9 || ranked[0].VoteCount != 1 {
		t.Errorf("expected voted contribution first, got %+v", ranked[0])
	}
	if ranked[1].Score != 0 || ranked[1].VoteCount != 0 {
		t.Errorf("expected unvoted aggregate zeros, got %+v", ranked[1])
	}

	note := &types.Note{Content: "synthesized runbook", Author: "agent-a"}
	noteID, err := store.WriteNote(ctx, note)
	if err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if err := store.FinishEvolution(ctx, evoID, noteID); err != nil {
		t.Fatalf("FinishEvolution failed: %v", err)
	}

	got, err := store.GetEvolution(ctx, evoID)
	if err != nil {
		t.Fatalf("GetEvolution failed: %v", err)
	}
	if got.Status != types.EvolutionSynthesized || got.OutputNoteID == nil || *got.OutputNoteID != noteID {
		t.Errorf("unexpected final state: %+v", got)
	}
	if got.SynthesizedAt == nil {
		t.Error("expected SynthesizedAt to be set")
	}

	// Closed evolutions reject everything.
	late := &types.Contribution{EvolutionID: evoID, Author: "agent-d", Content: "too late"}
	if _, err := store.AddContribution(ctx, late); !errors.Is(err, storage.ErrEvolutionClosed) {
		t.Errorf("expected ErrEvolutionClosed for contribution, got %v", err)
	}
	lateVote := &types.Vote{ContributionID: first.ID, Voter: "agent-d", Score: 5}
	if _, err := store.CastVote(ctx, lateVote); !errors.Is(err, storage.ErrEvolutionClosed) {
		t.Errorf("expected ErrEvolutionClosed for vote, got %v", err)
	}
	if err := store.FinishEvolution(ctx, evoID, noteID); !errors.Is(err, storage.ErrEvolutionClosed) {
		t.Errorf("expected ErrEvolutionClosed for repeat finish, got %v", err)
	}
}

func TestCastVoteChangeLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "tighten the incident template", Author: "agent-a"}
	evoID, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}
	c := &types.Contribution{EvolutionID: evoID, Author: "agent-b", Content: "candidate"}
	if _, err := store.AddContribution(ctx, c); err != nil {
		t.Fatalf("AddContribution failed: %v", err)
	}

	// First vote is free.
	v, err := store.CastVote(ctx, &types.Vote{ContributionID: c.ID, Voter: "agent-c", Score: 3})
	if err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if v.Changes != 0 {
		t.Errorf("expected 0 changes on first vote, got %d", v.Changes)
	}

	for i := 1; i <= types.MaxVoteChanges; i++ {
		v, err = store.CastVote(ctx, &types.Vote{ContributionID: c.ID, Voter: "agent-c", Score: float64(i)})
		if err != nil {
			t.Fatalf("vote change %d failed: %v", i, err)
		}
		if v.Changes != i {
			t.Errorf("expected %d changes, got %d", i, v.Changes)
		}
	}

	_, err = store.CastVote(ctx, &types.Vote{ContributionID: c.ID, Voter: "agent-c", Score: 10})
	if !errors.Is(err, storage.ErrVoteLimit) {
		t.Fatalf("expected ErrVoteLimit, got %v", err)
	}
}

func TestContributionCapPerAuthor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "collect naming ideas", Author: "agent-a"}
	evoID, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}

	for i := 0; i < types.MaxContributionsPerAI; i++ {
		c := &types.Contribution{EvolutionID: evoID, Author: "agent-b", Content: "idea"}
		if _, err := store.AddContribution(ctx, c); err != nil {
			t.Fatalf("AddContribution %d failed: %v", i, err)
		}
	}
	over := &types.Contribution{EvolutionID: evoID, Author: "agent-b", Content: "one more"}
	if _, err := store.AddContribution(ctx, over); !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// Another author still has room.
	other := &types.Contribution{EvolutionID: evoID, Author: "agent-c", Content: "fresh voice"}
	if _, err := store.AddContribution(ctx, other); err != nil {
		t.Errorf("expected other author unblocked, got %v", err)
	}
}
