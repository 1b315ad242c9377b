package types

import (
	"fmt"
	"time"
)

// Evolution limits.
const (
	MaxActiveEvolutions    = 20
	MaxContributionsPerAI  = 10
	MaxContributionLength  = 10 * 1024
	SynthesisPerHour       = 10
	MaxVoteChanges         = 5
	MinScore               = 0.0
	MaxScore               = 10.0
	TopStrategyMinScore    = 7.0
	TopStrategyLimit       = 5
	ConsensusStrategyScore = 9.0
)

// EvolutionStatus tracks an evolution through its lifecycle.
type EvolutionStatus string

// Evolution statuses
const (
	EvolutionActive      EvolutionStatus = "active"
	EvolutionSynthesized EvolutionStatus = "synthesized"
	EvolutionAbandoned   EvolutionStatus = "abandoned"
)

// IsValid checks the evolution status value.
func (s EvolutionStatus) IsValid() bool {
	switch s {
	case EvolutionActive, EvolutionSynthesized, EvolutionAbandoned:
		return true
	}
	return false
}

// Evolution is a collaborative refinement goal: AIs contribute candidate
// outputs, score each other's work, and a synthesis combines the best into
// a final note.
type Evolution struct {
	ID            int64           `json:"id"`
	Goal          string          `json:"goal"`
	Status        EvolutionStatus `json:"status"`
	Author        string          `json:"author"`
	Teambook      string          `json:"teambook,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SynthesizedAt *time.Time      `json:"synthesized_at,omitempty"`
	OutputNoteID  *int64          `json:"output_note_id,omitempty"`
	Generation    int             `json:"generation,omitempty"`
}

// Validate checks the evolution's field values before creation.
func (e *Evolution) Validate() error {
	if len(e.Goal) == 0 {
		return fmt.Errorf("evolution goal is required")
	}
	if len(e.Goal) > MaxContentLength {
		return fmt.Errorf("evolution goal must be %d characters or less (got %d)", MaxContentLength, len(e.Goal))
	}
	if e.Status != "" && !e.Status.IsValid() {
		return fmt.Errorf("invalid evolution status: %s", e.Status)
	}
	return nil
}

// Contribution is one AI's candidate output toward an evolution goal.
type Contribution struct {
	ID          int64     `json:"id"`
	EvolutionID int64     `json:"evolution_id"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	Score       float64   `json:"score"` // mean of votes, 0 when unvoted
	VoteCount   int       `json:"vote_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the contribution's field values before recording.
func (c *Contribution) Validate() error {
	if len(c.Content) == 0 {
		return fmt.Errorf("contribution content is required")
	}
	if len(c.Content) > MaxContributionLength {
		return fmt.Errorf("contribution must be %d bytes or less (got %d)", MaxContributionLength, len(c.Content))
	}
	return nil
}

// Vote is one AI's score for a contribution. Re-voting replaces the prior
// score; each voter may change a given vote at most MaxVoteChanges times.
type Vote struct {
	ContributionID int64     `json:"contribution_id"`
	Voter          string    `json:"voter"`
	Score          float64   `json:"score"`
	Changes        int       `json:"changes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the vote's score range.
func (v *Vote) Validate() error {
	if v.Score < MinScore || v.Score > MaxScore {
		return fmt.Errorf("score must be between %.0f and %.0f (got %.1f)", MinScore, MaxScore, v.Score)
	}
	return nil
}

// SynthesisStrategy selects which contributions a synthesis combines.
type SynthesisStrategy string

// Synthesis strategies
const (
	// StrategyTop takes up to TopStrategyLimit contributions scoring at
	// least TopStrategyMinScore.
	StrategyTop SynthesisStrategy = "top"
	// StrategyConsensus takes contributions scoring at least
	// ConsensusStrategyScore.
	StrategyConsensus SynthesisStrategy = "consensus"
	// StrategyAll takes every contribution.
	StrategyAll SynthesisStrategy = "all"
)

// IsValid checks the strategy value, treating empty as top.
func (s SynthesisStrategy) IsValid() bool {
	switch s {
	case StrategyTop, StrategyConsensus, StrategyAll, "":
		return true
	}
	return false
}

// OrDefault resolves the empty strategy to StrategyTop.
func (s SynthesisStrategy) OrDefault() SynthesisStrategy {
	if s == "" {
		return StrategyTop
	}
	return s
}

// ConflictPairs are contradictory approach keywords flagged during
// synthesis when they appear across selected contributions.
var ConflictPairs = [][2]string{
	{"async", "sync"},
	{"jwt", "oauth"},
	{"sql", "nosql"},
	{"rest", "graphql"},
	{"class", "functional"},
}
