package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

const edgeColumns = `from_id, to_id, type, weight, created_at, valid_from, valid_to, source_note_id, metadata`

// AddEdges inserts graph edges, ignoring duplicates. Inserts are batched
// over a single round trip.
func (s *Store) AddEdges(ctx context.Context, edges []*types.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		now := time.Now()
		for _, e := range edges {
			created := e.Created
			if created.IsZero() {
				created = now
			}
			validFrom := e.ValidFrom
			if validFrom.IsZero() {
				validFrom = created
			}
			b.Queue(`
				INSERT INTO edges (teambook, `+edgeColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (from_id, to_id, type) DO NOTHING`,
				s.teambook, e.FromID, e.ToID, string(e.Type), e.Weight,
				utc(created), utc(validFrom), e.ValidTo, e.SourceNoteID,
				e.Metadata)
		}
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for range edges {
			if _, err := br.Exec(); err != nil {
				return wrapDBError("insert edge", err)
			}
		}
		return br.Close()
	})
}

// GetEdges returns edges leaving a note, or entering it when reverse is set.
func (s *Store) GetEdges(ctx context.Context, noteID int64, reverse bool) ([]*types.Edge, error) {
	column := "from_id"
	if reverse {
		column = "to_id"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+edgeColumns+`
		FROM edges WHERE `+column+` = $1 ORDER BY created_at DESC`, noteID)
	if err != nil {
		return nil, wrapDBError("get edges", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// AllEdges returns the whole adjacency set for rank computation.
func (s *Store) AllEdges(ctx context.Context) ([]*types.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE teambook = $1`, s.teambook)
	if err != nil {
		return nil, wrapDBError("all edges", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows pgx.Rows) ([]*types.Edge, error) {
	var edges []*types.Edge
	for rows.Next() {
		var e types.Edge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Type, &e.Weight,
			&e.Created, &e.ValidFrom, &e.ValidTo, &e.SourceNoteID,
			&e.Metadata); err != nil {
			return nil, wrapDBError("scan edge", err)
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// NoteIDs returns every note id in the store.
func (s *Store) NoteIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM notes WHERE teambook = $1 ORDER BY id`, s.teambook)
	if err != nil {
		return nil, wrapDBError("note ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan note id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetPageRanks stores computed rank scores in bulk.
func (s *Store) SetPageRanks(ctx context.Context, ranks map[int64]float64) error {
	if len(ranks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for id, rank := range ranks {
			b.Queue(`UPDATE notes SET pagerank = $1 WHERE id = $2`, rank, id)
		}
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for range ranks {
			if _, err := br.Exec(); err != nil {
				return wrapDBError("update rank", err)
			}
		}
		return br.Close()
	})
}

// UpsertEntity records an entity mention, bumping last_seen and the
// mention count on conflict. An explicit type (e.g. "tool") wins over the
// default "mention".
func (s *Store) UpsertEntity(ctx context.Context, entity *types.Entity) (int64, error) {
	now := time.Now()
	firstSeen := entity.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	lastSeen := entity.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (teambook, name, type, first_seen, last_seen, mention_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (teambook, name) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			mention_count = entities.mention_count + 1,
			type = CASE WHEN EXCLUDED.type != 'mention' THEN EXCLUDED.type ELSE entities.type END
		RETURNING id`,
		s.teambook, entity.Name, entity.Type, utc(firstSeen), utc(lastSeen)).Scan(&id)
	if err != nil {
		return 0, wrapDBErrorf(err, "upsert entity %q", entity.Name)
	}
	entity.ID = id
	return id, nil
}

// LinkEntity associates an entity with a note, idempotently.
func (s *Store) LinkEntity(ctx context.Context, entityID, noteID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_notes (entity_id, note_id) VALUES ($1, $2)
		ON CONFLICT (entity_id, note_id) DO NOTHING`,
		entityID, noteID)
	return wrapDBError("link entity", err)
}

// EntityNotes returns note ids mentioning the named entity, newest first.
func (s *Store) EntityNotes(ctx context.Context, name string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT en.note_id
		FROM entity_notes en
		JOIN entities e ON e.id = en.entity_id
		WHERE e.teambook = $1 AND e.name = $2
		ORDER BY en.note_id DESC`, s.teambook, name)
	if err != nil {
		return nil, wrapDBError("entity notes", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan entity note", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertFact records a temporal fact. With invalidate, all open facts for
// the same (subject, relation) are closed at the new fact's valid_from;
// otherwise only an identical open fact (same object) is superseded, so
// facts for different objects coexist.
func (s *Store) UpsertFact(ctx context.Context, fact *types.EntityFact, invalidate bool) error {
	validFrom := fact.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now()
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		closeStmt := `
			UPDATE entity_facts SET valid_to = $1
			WHERE teambook = $2 AND subject = $3 AND relation = $4 AND valid_to IS NULL`
		closeArgs := []interface{}{utc(validFrom), s.teambook, fact.Subject, fact.Relation}
		if !invalidate {
			closeStmt += ` AND object = $5`
			closeArgs = append(closeArgs, fact.Object)
		}
		if _, err := tx.Exec(ctx, closeStmt, closeArgs...); err != nil {
			return wrapDBError("close prior facts", err)
		}

		var source *int64
		if fact.SourceNoteID > 0 {
			source = &fact.SourceNoteID
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO entity_facts (teambook, subject, relation, object, confidence, valid_from, source_note_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			s.teambook, fact.Subject, fact.Relation, fact.Object,
			fact.Confidence, utc(validFrom), source).Scan(&fact.ID)
		if err != nil {
			return wrapDBError("insert fact", err)
		}
		fact.ValidFrom = validFrom
		return nil
	})
}

// GetFacts returns facts about a subject, newest first. With activeOnly,
// only open facts (valid_to IS NULL) are returned.
func (s *Store) GetFacts(ctx context.Context, subject string, activeOnly bool) ([]*types.EntityFact, error) {
	query := `
		SELECT id, subject, relation, object, confidence, valid_from, valid_to, source_note_id
		FROM entity_facts WHERE teambook = $1 AND subject = $2`
	if activeOnly {
		query += ` AND valid_to IS NULL`
	}
	query += ` ORDER BY valid_from DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, s.teambook, subject)
	if err != nil {
		return nil, wrapDBError("get facts", err)
	}
	defer rows.Close()

	var facts []*types.EntityFact
	for rows.Next() {
		var (
			f      types.EntityFact
			source *int64
		)
		if err := rows.Scan(&f.ID, &f.Subject, &f.Relation, &f.Object,
			&f.Confidence, &f.ValidFrom, &f.ValidTo, &source); err != nil {
			return nil, wrapDBError("scan fact", err)
		}
		if source != nil {
			f.SourceNoteID = *source
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// SearchFacts finds open facts whose object or relation contains term,
// most confident first. The recall path merges these with graph
// traversal candidates.
func (s *Store) SearchFacts(ctx context.Context, term string, limit int) ([]*types.EntityFact, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(term) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject, relation, object, confidence, valid_from, valid_to, source_note_id
		FROM entity_facts
		WHERE teambook = $1 AND valid_to IS NULL
		  AND (object ILIKE $2 OR relation ILIKE $2)
		ORDER BY confidence DESC, valid_from DESC, id DESC
		LIMIT $3`, s.teambook, pattern, limit)
	if err != nil {
		return nil, wrapDBError("search facts", err)
	}
	defer rows.Close()

	var facts []*types.EntityFact
	for rows.Next() {
		var (
			f      types.EntityFact
			source *int64
		)
		if err := rows.Scan(&f.ID, &f.Subject, &f.Relation, &f.Object,
			&f.Confidence, &f.ValidFrom, &f.ValidTo, &source); err != nil {
			return nil, wrapDBError("scan fact", err)
		}
		if source != nil {
			f.SourceNoteID = *source
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// LatestSession returns the most recent session, or storage.ErrNotFound
// when no session exists yet.
func (s *Store) LatestSession(ctx context.Context) (*types.Session, error) {
	var sess types.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, started, ended, note_count
		FROM sessions WHERE teambook = $1 ORDER BY id DESC LIMIT 1`, s.teambook).
		Scan(&sess.ID, &sess.Started, &sess.Ended, &sess.NoteCount)
	if err != nil {
		return nil, wrapDBError("latest session", err)
	}
	return &sess, nil
}

// CreateSession opens a new session window.
func (s *Store) CreateSession(ctx context.Context, startedAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (teambook, started, ended, note_count)
		VALUES ($1, $2, $3, 1) RETURNING id`,
		s.teambook, utc(startedAt), utc(startedAt)).Scan(&id)
	if err != nil {
		return 0, wrapDBError("create session", err)
	}
	return id, nil
}

// TouchSession extends a session window and bumps its note count.
func (s *Store) TouchSession(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET ended = $1, note_count = note_count + 1
		WHERE teambook = $2 AND id = $3`,
		utc(at), s.teambook, id)
	if err != nil {
		return wrapDBErrorf(err, "touch session %d", id)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SessionNotes returns the note ids written during a session.
func (s *Store) SessionNotes(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM notes WHERE teambook = $1 AND session_id = $2 ORDER BY id`,
		s.teambook, id)
	if err != nil {
		return nil, wrapDBError("session notes", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var noteID int64
		if err := rows.Scan(&noteID); err != nil {
			return nil, wrapDBError("scan session note", err)
		}
		ids = append(ids, noteID)
	}
	return ids, rows.Err()
}
