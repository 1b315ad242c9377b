package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) evoKey(id int64) string { return s.key("evo", strconv.FormatInt(id, 10)) }
func (s *Store) evosKey() string        { return s.key("evos") }
func (s *Store) evoActiveKey() string   { return s.key("evoactive") }

func (s *Store) contribKey(id int64) string { return s.key("contrib", strconv.FormatInt(id, 10)) }

func (s *Store) contribsKey(evolutionID int64) string {
	return s.key("contribs", strconv.FormatInt(evolutionID, 10))
}

func (s *Store) contribAuthorsKey(evolutionID int64) string {
	return s.key("contribauthors", strconv.FormatInt(evolutionID, 10))
}

func (s *Store) votesKey(contributionID int64) string {
	return s.key("votes", strconv.FormatInt(contributionID, 10))
}

func marshalEvolution(evo *types.Evolution) ([]byte, error) {
	doc := *evo
	doc.Teambook = ""
	return json.Marshal(doc)
}

// marshalContribution zeroes the vote aggregates; they are derived from
// the votes hash at read time, never persisted.
func marshalContribution(c *types.Contribution) ([]byte, error) {
	doc := *c
	doc.Score = 0
	doc.VoteCount = 0
	return json.Marshal(doc)
}

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

	var id int64
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		active, err := tx.SCard(ctx, s.evoActiveKey()).Result()
		if err != nil {
			return wrapDBError("count active evolutions", err)
		}
		if active >= int64(types.MaxActiveEvolutions) {
			return fmt.Errorf("too many active evolutions (%d): %w",
				types.MaxActiveEvolutions, storage.ErrLimitExceeded)
		}
		if id, err = s.nextID(ctx, "evolutions"); err != nil {
			return err
		}

		doc := *evo
		doc.ID = id
		doc.Status = types.EvolutionActive
		doc.CreatedAt = created
		doc.Generation = generation
		data, err := marshalEvolution(&doc)
		if err != nil {
			return wrapDBError("encode evolution", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.evoKey(id), data, 0)
			pipe.ZAdd(ctx, s.evosKey(), redis.Z{Score: float64(msec(created)), Member: padID(id)})
			pipe.SAdd(ctx, s.evoActiveKey(), strconv.FormatInt(id, 10))
			return nil
		})
		if err != nil {
			return wrapDBError("create evolution", err)
		}
		return nil
	}, s.evoActiveKey())
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
	body, err := s.client.Get(ctx, s.evoKey(id)).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "get evolution %d", id)
	}
	var evo types.Evolution
	if err := json.Unmarshal([]byte(body), &evo); err != nil {
		return nil, wrapDBErrorf(err, "get evolution %d", id)
	}
	evo.Teambook = s.teambook
	return &evo, nil
}

// ListEvolutions returns evolutions, newest first, optionally filtered by
// status.
func (s *Store) ListEvolutions(ctx context.Context, status types.EvolutionStatus) ([]*types.Evolution, error) {
	members, err := s.client.ZRevRange(ctx, s.evosKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("list evolutions", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, wrapDBError("list evolutions", err)
		}
		keys[i] = s.evoKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapDBError("list evolutions", err)
	}

	var evolutions []*types.Evolution
	for _, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue
		}
		var evo types.Evolution
		if err := json.Unmarshal([]byte(body), &evo); err != nil {
			return nil, wrapDBError("decode evolution", err)
		}
		if status != "" && evo.Status != status {
			continue
		}
		evo.Teambook = s.teambook
		evolutions = append(evolutions, &evo)
	}
	sort.SliceStable(evolutions, func(i, j int) bool {
		if !evolutions[i].CreatedAt.Equal(evolutions[j].CreatedAt) {
			return evolutions[i].CreatedAt.After(evolutions[j].CreatedAt)
		}
		return evolutions[i].ID > evolutions[j].ID
	})
	return evolutions, nil
}

// evolutionByID loads an evolution doc through any client, including an
// open WATCH transaction.
func (s *Store) evolutionByID(ctx context.Context, c redis.Cmdable, id int64) (*types.Evolution, error) {
	body, err := c.Get(ctx, s.evoKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("evolution %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("inspect evolution", err)
	}
	var evo types.Evolution
	if err := json.Unmarshal([]byte(body), &evo); err != nil {
		return nil, wrapDBError("inspect evolution", err)
	}
	return &evo, nil
}

// requireActiveEvolution checks that an evolution exists and is still
// accepting contributions and votes.
func (s *Store) requireActiveEvolution(ctx context.Context, c redis.Cmdable, id int64) error {
	evo, err := s.evolutionByID(ctx, c, id)
	if err != nil {
		return err
	}
	if evo.Status != types.EvolutionActive {
		return fmt.Errorf("evolution %d is %s: %w", id, evo.Status, storage.ErrEvolutionClosed)
	}
	return nil
}

// AddContribution records a candidate output toward an active evolution.
// Each author may hold at most types.MaxContributionsPerAI contributions
// per evolution. Watching the evolution doc aborts the write if a
// synthesis closes the evolution mid-flight.
func (s *Store) AddContribution(ctx context.Context, c *types.Contribution) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		if err := s.requireActiveEvolution(ctx, tx, c.EvolutionID); err != nil {
			return err
		}

		count, err := tx.HGet(ctx, s.contribAuthorsKey(c.EvolutionID), c.Author).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return wrapDBError("count contributions", err)
		}
		if count >= types.MaxContributionsPerAI {
			return fmt.Errorf("contribution limit reached (%d per evolution): %w",
				types.MaxContributionsPerAI, storage.ErrLimitExceeded)
		}

		if id, err = s.nextID(ctx, "contributions"); err != nil {
			return err
		}
		doc := *c
		doc.ID = id
		doc.CreatedAt = created
		data, err := marshalContribution(&doc)
		if err != nil {
			return wrapDBError("encode contribution", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.contribKey(id), data, 0)
			pipe.ZAdd(ctx, s.contribsKey(c.EvolutionID), redis.Z{Score: float64(id), Member: padID(id)})
			pipe.HIncrBy(ctx, s.contribAuthorsKey(c.EvolutionID), c.Author, 1)
			return nil
		})
		if err != nil {
			return wrapDBError("add contribution", err)
		}
		return nil
	}, s.evoKey(c.EvolutionID), s.contribAuthorsKey(c.EvolutionID))
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
	members, err := s.client.ZRange(ctx, s.contribsKey(evolutionID), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("list contributions", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(members))
	keys := make([]string, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, wrapDBError("list contributions", err)
		}
		ids[i] = id
		keys[i] = s.contribKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapDBError("list contributions", err)
	}

	pipe := s.client.Pipeline()
	voteCmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		voteCmds[i] = pipe.HGetAll(ctx, s.votesKey(id))
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return nil, wrapDBError("list contribution votes", err)
	}

	var contributions []*types.Contribution
	for i, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue
		}
		var c types.Contribution
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, wrapDBError("decode contribution", err)
		}

		votes, err := voteCmds[i].Result()
		if err != nil {
			return nil, wrapDBError("list contribution votes", err)
		}
		var sum float64
		for _, rawVote := range votes {
			var v types.Vote
			if err := json.Unmarshal([]byte(rawVote), &v); err != nil {
				return nil, wrapDBError("decode vote", err)
			}
			sum += v.Score
		}
		c.VoteCount = len(votes)
		if c.VoteCount > 0 {
			c.Score = sum / float64(c.VoteCount)
		}
		contributions = append(contributions, &c)
	}
	sort.SliceStable(contributions, func(i, j int) bool {
		a, b := contributions[i], contributions[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return contributions, nil
}

// CastVote records or replaces a voter's score for a contribution. The
// first vote is free; each replacement counts toward types.MaxVoteChanges.
// Votes are rejected once the evolution leaves the active state.
func (s *Store) CastVote(ctx context.Context, vote *types.Vote) (*types.Vote, error) {
	if err := vote.Validate(); err != nil {
		return nil, err
	}

	body, err := s.client.Get(ctx, s.contribKey(vote.ContributionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("contribution %d: %w", vote.ContributionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("find contribution", err)
	}
	var contrib types.Contribution
	if err := json.Unmarshal([]byte(body), &contrib); err != nil {
		return nil, wrapDBError("find contribution", err)
	}

	var result types.Vote
	err = s.withTx(ctx, func(tx *redis.Tx) error {
		if err := s.requireActiveEvolution(ctx, tx, contrib.EvolutionID); err != nil {
			return err
		}

		changes := 0
		prior, err := tx.HGet(ctx, s.votesKey(vote.ContributionID), vote.Voter).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return wrapDBError("find vote", err)
		default:
			var existing types.Vote
			if err := json.Unmarshal([]byte(prior), &existing); err != nil {
				return wrapDBError("find vote", err)
			}
			if existing.Changes >= types.MaxVoteChanges {
				return fmt.Errorf("vote changed %d times (max %d): %w",
					existing.Changes, types.MaxVoteChanges, storage.ErrVoteLimit)
			}
			changes = existing.Changes + 1
		}

		result = types.Vote{
			ContributionID: vote.ContributionID,
			Voter:          vote.Voter,
			Score:          vote.Score,
			Changes:        changes,
			UpdatedAt:      time.Now(),
		}
		data, err := json.Marshal(result)
		if err != nil {
			return wrapDBError("encode vote", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.votesKey(vote.ContributionID), vote.Voter, data)
			return nil
		})
		if err != nil {
			return wrapDBError("cast vote", err)
		}
		return nil
	}, s.votesKey(vote.ContributionID), s.evoKey(contrib.EvolutionID))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FinishEvolution moves an active evolution to synthesized, recording the
// output note.
func (s *Store) FinishEvolution(ctx context.Context, id, outputNoteID int64) error {
	return s.withTx(ctx, func(tx *redis.Tx) error {
		evo, err := s.evolutionByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if evo.Status != types.EvolutionActive {
			return fmt.Errorf("evolution %d is %s: %w", id, evo.Status, storage.ErrEvolutionClosed)
		}

		now := time.Now()
		evo.Status = types.EvolutionSynthesized
		evo.SynthesizedAt = &now
		evo.OutputNoteID = &outputNoteID
		data, err := marshalEvolution(evo)
		if err != nil {
			return wrapDBError("encode evolution", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.evoKey(id), data, 0)
			pipe.SRem(ctx, s.evoActiveKey(), strconv.FormatInt(id, 10))
			return nil
		})
		if err != nil {
			return wrapDBErrorf(err, "finish evolution %d", id)
		}
		return nil
	}, s.evoKey(id))
}
