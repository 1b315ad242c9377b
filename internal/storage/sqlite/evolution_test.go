package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestEvolutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "write the best retry helper", Author: "agent-a"}
	id, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}
	if evo.Status != types.EvolutionActive {
		t.Errorf("expected active status, got %s", evo.Status)
	}

	c := &types.Contribution{EvolutionID: id, Author: "agent-b", Content: "use exponential backoff with jitter"}
	contribID, err := store.AddContribution(ctx, c)
	if err != nil {
		t.Fatalf("AddContribution failed: %v", err)
	}

	vote := &types.Vote{ContributionID: contribID, Voter: "agent-c", Score: 8.5}
	cast, err := store.CastVote(ctx, vote)
	if err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if cast.Changes != 0 {
		t.Errorf("first vote should have 0 changes, got %d", cast.Changes)
	}

	// Synthesize into a note and close out.
	note := &types.Note{Content: "final retry helper design", Author: "agent-a", Type: types.NoteEvolution}
	noteID, err := store.WriteNote(ctx, note)
	if err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if err := store.FinishEvolution(ctx, id, noteID); err != nil {
		t.Fatalf("FinishEvolution failed: %v", err)
	}

	got, err := store.GetEvolution(ctx, id)
	if err != nil {
		t.Fatalf("GetEvolution failed: %v", err)
	}
	if got.Status != types.EvolutionSynthesized {
		t.Errorf("expected synthesized status, got %s", got.Status)
	}
	if got.OutputNoteID == nil || *got.OutputNoteID != noteID {
		t.Errorf("expected output note %d, got %v", noteID, got.OutputNoteID)
	}
	if got.SynthesizedAt == nil {
		t.Error("expected SynthesizedAt to be set")
	}

	// A synthesized evolution accepts nothing further.
	late := &types.Contribution{EvolutionID: id, Author: "agent-d", Content: "too late"}
	if _, err := store.AddContribution(ctx, late); !errors.Is(err, storage.ErrEvolutionClosed) {
		t.Errorf("expected ErrEvolutionClosed, got %v", err)
	}
	lateVote := &types.Vote{ContributionID: contribID, Voter: "agent-d", Score: 2}
	if _, err := store.CastVote(ctx, lateVote); !errors.Is(err, storage.ErrEvolutionClosed) {
		t.Errorf("expected ErrEvolutionClosed for late vote, got %v", err)
	}
	if err := store.FinishEvolution(ctx, id, noteID); !errors.Is(err, storage.ErrEvolutionClosed) {
		t.Errorf("expected ErrEvolutionClosed on double finish, got %v", err)
	}
}

func TestCreateEvolutionCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < types.MaxActiveEvolutions; i++ {
		evo := &types.Evolution{Goal: fmt.Sprintf("goal %d", i), Author: "agent-a"}
		if _, err := store.CreateEvolution(ctx, evo); err != nil {
			t.Fatalf("CreateEvolution %d failed: %v", i, err)
		}
	}

	over := &types.Evolution{Goal: "one too many", Author: "agent-a"}
	if _, err := store.CreateEvolution(ctx, over); !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// Synthesizing one frees a slot.
	evos, err := store.ListEvolutions(ctx, types.EvolutionActive)
	if err != nil {
		t.Fatalf("ListEvolutions failed: %v", err)
	}
	note := &types.Note{Content: "output", Author: "agent-a"}
	noteID, err := store.WriteNote(ctx, note)
	if err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if err := store.FinishEvolution(ctx, evos[0].ID, noteID); err != nil {
		t.Fatalf("FinishEvolution failed: %v", err)
	}
	if _, err := store.CreateEvolution(ctx, over); err != nil {
		t.Errorf("create should succeed after a synthesis, got %v", err)
	}
}

func TestContributionLimitPerAuthor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "maximize throughput", Author: "agent-a"}
	id, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}

	for i := 0; i < types.MaxContributionsPerAI; i++ {
		c := &types.Contribution{EvolutionID: id, Author: "agent-b", Content: fmt.Sprintf("idea %d", i)}
		if _, err := store.AddContribution(ctx, c); err != nil {
			t.Fatalf("AddContribution %d failed: %v", i, err)
		}
	}

	over := &types.Contribution{EvolutionID: id, Author: "agent-b", Content: "spillover"}
	if _, err := store.AddContribution(ctx, over); !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// Another author still has room.
	other := &types.Contribution{EvolutionID: id, Author: "agent-c", Content: "fresh angle"}
	if _, err := store.AddContribution(ctx, other); err != nil {
		t.Errorf("other author should not be capped, got %v", err)
	}
}

func TestCastVoteChangeLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "pick a serialization format", Author: "agent-a"}
	evoID, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}
	c := &types.Contribution{EvolutionID: evoID, Author: "agent-b", Content: "protobuf everywhere"}
	contribID, err := store.AddContribution(ctx, c)
	if err != nil {
		t.Fatalf("AddContribution failed: %v", err)
	}

	// First vote plus MaxVoteChanges revisions.
	for i := 0; i <= types.MaxVoteChanges; i++ {
		vote := &types.Vote{ContributionID: contribID, Voter: "agent-c", Score: float64(i)}
		cast, err := store.CastVote(ctx, vote)
		if err != nil {
			t.Fatalf("CastVote %d failed: %v", i, err)
		}
		if cast.Changes != i {
			t.Errorf("vote %d: expected %d changes, got %d", i, i, cast.Changes)
		}
	}

	blocked := &types.Vote{ContributionID: contribID, Voter: "agent-c", Score: 10}
	if _, err := store.CastVote(ctx, blocked); !errors.Is(err, storage.ErrVoteLimit) {
		t.Fatalf("expected ErrVoteLimit, got %v", err)
	}

	// A different voter starts fresh.
	fresh := &types.Vote{ContributionID: contribID, Voter: "agent-d", Score: 6}
	if _, err := store.CastVote(ctx, fresh); err != nil {
		t.Errorf("new voter should succeed, got %v", err)
	}
}

func TestCastVoteMissingContribution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	vote := &types.Vote{ContributionID: 9999, Voter: "agent-a", Score: 5}
	if _, err := store.CastVote(ctx, vote); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListContributionsScoring(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evo := &types.Evolution{Goal: "name the project", Author: "agent-a"}
	evoID, err := store.CreateEvolution(ctx, evo)
	if err != nil {
		t.Fatalf("CreateEvolution failed: %v", err)
	}

	mediocre := &types.Contribution{EvolutionID: evoID, Author: "agent-b", Content: "call it thing"}
	strong := &types.Contribution{EvolutionID: evoID, Author: "agent-c", Content: "call it teambook"}
	unvoted := &types.Contribution{EvolutionID: evoID, Author: "agent-d", Content: "call it stuff"}
	for _, c := range []*types.Contribution{mediocre, strong, unvoted} {
		if _, err := store.AddContribution(ctx, c); err != nil {
			t.Fatalf("AddContribution failed: %v", err)
		}
	}

	votes := []*types.Vote{
		{ContributionID: mediocre.ID, Voter: "agent-x", Score: 4},
		{ContributionID: mediocre.ID, Voter: "agent-y", Score: 6},
		{ContributionID: strong.ID, Voter: "agent-x", Score: 9},
		{ContributionID: strong.ID, Voter: "agent-y", Score: 10},
	}
	for _, v := range votes {
		if _, err := store.CastVote(ctx, v); err != nil {
			t.Fatalf("CastVote failed: %v", err)
		}
	}

	list, err := store.ListContributions(ctx, evoID)
	if err != nil {
		t.Fatalf("ListContributions failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 contributions, got %d", len(list))
	}
	if list[0].ID != strong.ID {
		t.Errorf("expected highest score first, got contribution %d", list[0].ID)
	}
	if list[0].Score != 9.5 {
		t.Errorf("expected mean score 9.5, got %f", list[0].Score)
	}
	if list[0].VoteCount != 2 {
		t.Errorf("expected 2 votes, got %d", list[0].VoteCount)
	}
	if list[2].ID != unvoted.ID || list[2].Score != 0 {
		t.Errorf("expected unvoted contribution last at score 0, got %d at %f", list[2].ID, list[2].Score)
	}
}
