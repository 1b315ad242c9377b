package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// CreateEvolution starts a refinement goal, enforcing the active-evolution
// cap atomically.
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evolutions (goal, status, author, generation, created_at)
		SELECT ?, 'active', ?, ?, ?
		WHERE (SELECT COUNT(*) FROM evolutions WHERE status = 'active') < ?`,
		evo.Goal, evo.Author, generation, utc(created), types.MaxActiveEvolutions)
	if err != nil {
		return 0, wrapDBError("create evolution", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("create evolution", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("too many active evolutions (%d): %w",
			types.MaxActiveEvolutions, storage.ErrLimitExceeded)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("create evolution id", err)
	}
	evo.ID = id
	evo.Status = types.EvolutionActive
	evo.CreatedAt = created
	evo.Generation = generation
	return id, nil
}

// GetEvolution fetches a single evolution by id.
func (s *Store) GetEvolution(ctx context.Context, id int64) (*types.Evolution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, author, generation, output_note_id, created_at, synthesized_at
		FROM evolutions WHERE id = ?`, id)
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
		FROM evolutions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	var (
		evo           types.Evolution
		outputNoteID  sql.NullInt64
		synthesizedAt sql.NullTime
	)
	err := scanner.Scan(&evo.ID, &evo.Goal, &evo.Status, &evo.Author,
		&evo.Generation, &outputNoteID, &evo.CreatedAt, &synthesizedAt)
	if err != nil {
		return nil, err
	}
	evo.OutputNoteID = nullInt(outputNoteID)
	evo.SynthesizedAt = timePtr(synthesizedAt)
	return &evo, nil
}

// AddContribution records a candidate output toward an active evolution.
// Each author may hold at most types.MaxContributionsPerAI contributions
// per evolution.
func (s *Store) AddContribution(ctx context.Context, c *types.Contribution) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireActiveEvolution(ctx, tx, c.EvolutionID); err != nil {
			return err
		}

		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM contributions WHERE evolution_id = ? AND author = ?`,
			c.EvolutionID, c.Author).Scan(&count)
		if err != nil {
			return wrapDBError("count contributions", err)
		}
		if count >= types.MaxContributionsPerAI {
			return fmt.Errorf("contribution limit reached (%d per evolution): %w",
				types.MaxContributionsPerAI, storage.ErrLimitExceeded)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO contributions (evolution_id, author, content, created_at)
			VALUES (?, ?, ?, ?)`,
			c.EvolutionID, c.Author, c.Content, utc(created))
		if err != nil {
			return wrapDBError("add contribution", err)
		}
		id, err = res.LastInsertId()
		return err
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.evolution_id, c.author, c.content,
			COALESCE(AVG(v.score), 0) AS score,
			COUNT(v.voter) AS vote_count,
			c.created_at
		FROM contributions c
		LEFT JOIN votes v ON v.contribution_id = c.id
		WHERE c.evolution_id = ?
		GROUP BY c.id
		ORDER BY score DESC, c.created_at ASC, c.id ASC`, evolutionID)
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var evolutionID int64
		err := tx.QueryRowContext(ctx,
			`SELECT evolution_id FROM contributions WHERE id = ?`, vote.ContributionID).
			Scan(&evolutionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("contribution %d: %w", vote.ContributionID, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBError("find contribution", err)
		}
		if err := requireActiveEvolution(ctx, tx, evolutionID); err != nil {
			return err
		}

		var changes int
		err = tx.QueryRowContext(ctx,
			`SELECT changes FROM votes WHERE contribution_id = ? AND voter = ?`,
			vote.ContributionID, vote.Voter).Scan(&changes)
		switch {
		case errors.Is(err, sql.ErrNoRows):
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO votes (contribution_id, voter, score, changes, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(contribution_id, voter) DO UPDATE SET
				score = excluded.score,
				changes = excluded.changes,
				updated_at = excluded.updated_at`,
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE evolutions SET status = 'synthesized', synthesized_at = ?, output_note_id = ?
		WHERE id = ? AND status = 'active'`,
		utc(time.Now()), outputNoteID, id)
	if err != nil {
		return wrapDBErrorf(err, "finish evolution %d", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("finish evolution", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM evolutions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("evolution %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect evolution", err)
	}
	return fmt.Errorf("evolution %d is %s: %w", id, status, storage.ErrEvolutionClosed)
}

// requireActiveEvolution checks that an evolution exists and is still
// accepting contributions and votes.
func requireActiveEvolution(ctx context.Context, tx *sql.Tx, id int64) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM evolutions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
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
