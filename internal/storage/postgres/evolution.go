package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// CreateEvolution starts a refinement goal. The active-evolution cap is
// checked under an advisory lock.
func (s *Store) CreateEvolution(ctx context.Context, evo *types.Evolution) (int64, error) {
	if err := evo.Validate(); err != nil {
		return 0, err
	}
	created := evo.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	generation := evo.Generation
	if generation < 1 {
		generation = 1
	}

	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockConcern(ctx, tx, lockNSEvolutions); err != nil {
			return wrapDBError("create evolution", err)
		}

		var active int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM evolutions WHERE teambook = $1 AND status = 'active'`,
			s.teambook).Scan(&active)
		if err != nil {
			return wrapDBError("create evolution", err)
		}
		if active >= types.MaxActiveEvolutions {
			return fmt.Errorf("too many active evolutions (%d): %w",
				types.MaxActiveEvolutions, storage.ErrLimitExceeded)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO evolutions (teambook, goal, status, author, generation, created_at)
			VALUES ($1, $2, 'active', $3, $4, $5)
			RETURNING id`,
			s.teambook, evo.Goal, evo.Author, generation, utc(created)).Scan(&id)
		return wrapDBError("create evolution", err)
	})
	if err != nil {
		return 0, err
	}
	evo.ID = id
	evo.Status = types.EvolutionActive
	evo.CreatedAt = created
	evo.Generation = generation
	return id, nil
}

// GetEvolution fetches a single evolution by id.
func (s *Store) GetEvolution(ctx context.Context, id int64) (*types.Evolution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, goal, status, author, generation, output_note_id, created_at, synthesized_at
		FROM evolutions WHERE teambook = $1 AND id = $2`, s.teambook, id)
	evo, err := scanEvolution(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get evolution %d", id)
	}
	evo.Teambook = s.teambook
	return evo, nil
}

// ListEvolutions returns evolutions, newest first, optionally filtered by
// status.
func (s *Store) ListEvolutions(ctx context.Context, status types.EvolutionStatus) ([]*types.Evolution, error) {
	query := `
		SELECT id, goal, status, author, generation, output_note_id, created_at, synthesized_at
		FROM evolutions WHERE teambook = $1`
	args := []interface{}{s.teambook}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list evolutions", err)
	}
	defer rows.Close()

	var evolutions []*types.Evolution
	for rows.Next() {
		evo, err := scanEvolution(rows)
		if err != nil {
			return nil, wrapDBError("scan evolution", err)
		}
		evo.Teambook = s.teambook
		evolutions = append(evolutions, evo)
	}
	return evolutions, rows.Err()
}

func scanEvolution(scanner interface{ Scan(...interface{}) error }) (*types.Evolution, error) {
	var evo types.Evolution
	err := scanner.Scan(&evo.ID, &evo.Goal, &evo.Status, &evo.Author,
		&evo.Generation, &evo.OutputNoteID, &evo.CreatedAt, &evo.SynthesizedAt)
	if err != nil {
		return nil, err
	}
	return &evo, nil
}

// AddContribution records a candidate output toward an active evolution.
// Each author may hold at most types.MaxContributionsPerAI contributions
// per evolution; the cap is checked under an advisory lock.
func (s *Store) AddContribution(ctx context.Context, c *types.Contribution) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockConcern(ctx, tx, lockNSContributions); err != nil {
			return wrapDBError("add contribution", err)
		}
		if err := s.requireActiveEvolution(ctx, tx, c.EvolutionID); err != nil {
			return err
		}

		var count int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM contributions WHERE evolution_id = $1 AND author = $2`,
			c.EvolutionID, c.Author).Scan(&count)
		if err != nil {
			return wrapDBError("count contributions", err)
		}
		if count >= types.MaxContributionsPerAI {
			return fmt.Errorf("contribution limit reached (%d per evolution): %w",
				types.MaxContributionsPerAI, storage.ErrLimitExceeded)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO contributions (evolution_id, author, content, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			c.EvolutionID, c.Author, c.Content, utc(created)).Scan(&id)
		return wrapDBError("add contribution", err)
	})
	if err != nil {
		return 0, err
	}
	c.ID = id
	c.CreatedAt = created
	return id, nil
}

// ListContributions returns an evolution's contributions with vote
// aggregates folded in, best-scored first, oldest first among ties and
// unvoted entries.
func (s *Store) ListContributions(ctx context.Context, evolutionID int64) ([]*types.Contribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.evolution_id, c.author, c.content,
			COALESCE(AVG(v.score), 0) AS score,
			COUNT(v.voter) AS vote_count,
			c.created_at
		FROM contributions c
		JOIN evolutions e ON e.id = c.evolution_id
		LEFT JOIN votes v ON v.contribution_id = c.id
		WHERE e.teambook = $1 AND c.evolution_id = $2
		GROUP BY c.id
		ORDER BY score DESC, c.created_at ASC, c.id ASC`, s.teambook, evolutionID)
	if err != nil {
		return nil, wrapDBError("list contributions", err)
	}
	defer rows.Close()

	var contributions []*types.Contribution
	for rows.Next() {
		var c types.Contribution
		if err := rows.Scan(&c.ID, &c.EvolutionID, &c.Author, &c.Content,
			&c.Score, &c.VoteCount, &c.CreatedAt); err != nil {
			return nil, wrapDBError("scan contribution", err)
		}
		contributions = append(contributions, &c)
	}
	return contributions, rows.Err()
}

// CastVote records or replaces a voter's score for a contribution. The
// first vote is free; each replacement counts toward types.MaxVoteChanges.
// Votes are rejected once the evolution leaves the active state.
func (s *Store) CastVote(ctx context.Context, vote *types.Vote) (*types.Vote, error) {
	if err := vote.Validate(); err != nil {
		return nil, err
	}

	var result types.Vote
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var evolutionID int64
		err := tx.QueryRow(ctx, `
			SELECT c.evolution_id FROM contributions c
			JOIN evolutions e ON e.id = c.evolution_id
			WHERE c.id = $1 AND e.teambook = $2`,
			vote.ContributionID, s.teambook).Scan(&evolutionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("contribution %d: %w", vote.ContributionID, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBError("find contribution", err)
		}
		if err := s.requireActiveEvolution(ctx, tx, evolutionID); err != nil {
			return err
		}

		var changes int
		err = tx.QueryRow(ctx,
			`SELECT changes FROM votes WHERE contribution_id = $1 AND voter = $2`,
			vote.ContributionID, vote.Voter).Scan(&changes)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			changes = 0
		case err != nil:
			return wrapDBError("find vote", err)
		default:
			if changes >= types.MaxVoteChanges {
				return fmt.Errorf("vote changed %d times (max %d): %w",
					changes, types.MaxVoteChanges, storage.ErrVoteLimit)
			}
			changes++
		}

		updatedAt := time.Now()
		_, err = tx.Exec(ctx, `
			INSERT INTO votes (contribution_id, voter, score, changes, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (contribution_id, voter) DO UPDATE SET
				score = EXCLUDED.score,
				changes = EXCLUDED.changes,
				updated_at = EXCLUDED.updated_at`,
			vote.ContributionID, vote.Voter, vote.Score, changes, utc(updatedAt))
		if err != nil {
			return wrapDBError("cast vote", err)
		}

		result = types.Vote{
			ContributionID: vote.ContributionID,
			Voter:          vote.Voter,
			Score:          vote.Score,
			Changes:        changes,
			UpdatedAt:      updatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FinishEvolution moves an active evolution to synthesized, recording the
// output note.
func (s *Store) FinishEvolution(ctx context.Context, id, outputNoteID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE evolutions SET status = 'synthesized', synthesized_at = $1, output_note_id = $2
		WHERE teambook = $3 AND id = $4 AND status = 'active'`,
		utc(time.Now()), outputNoteID, s.teambook, id)
	if err != nil {
		return wrapDBErrorf(err, "finish evolution %d", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM evolutions WHERE teambook = $1 AND id = $2`,
		s.teambook, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("evolution %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect evolution", err)
	}
	return fmt.Errorf("evolution %d is %s: %w", id, status, storage.ErrEvolutionClosed)
}

// requireActiveEvolution checks that an evolution exists in this teambook
// and is still accepting contributions and votes.
func (s *Store) requireActiveEvolution(ctx context.Context, tx pgx.Tx, id int64) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM evolutions WHERE teambook = $1 AND id = $2`,
		s.teambook, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("evolution %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect evolution", err)
	}
	if types.EvolutionStatus(status) != types.EvolutionActive {
		return fmt.Errorf("evolution %d is %s: %w", id, status, storage.ErrEvolutionClosed)
	}
	return nil
}
