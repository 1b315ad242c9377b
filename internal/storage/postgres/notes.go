package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

const noteColumns = `id, content, summary, tags, pinned, author, owner, type,
	parent_id, session_id, linked_items, pagerank, representation_policy,
	metadata, has_vector, tamper_hash, created_at`

// scanNote reads one note row. The scanner must yield noteColumns order.
func scanNote(scanner interface{ Scan(...interface{}) error }) (*types.Note, error) {
	var (
		n      types.Note
		tags   string
		linked string
	)
	err := scanner.Scan(
		&n.ID, &n.Content, &n.Summary, &tags, &n.Pinned, &n.Author, &n.Owner,
		&n.Type, &n.ParentID, &n.SessionID, &linked, &n.PageRank,
		&n.RepresentationPolicy, &n.Metadata, &n.HasVector, &n.TamperHash,
		&n.Created,
	)
	if err != nil {
		return nil, err
	}
	n.Tags = unmarshalStringList(tags)
	n.LinkedItems = unmarshalStringList(linked)
	return &n, nil
}

// WriteNote inserts a note and returns its assigned id.
func (s *Store) WriteNote(ctx context.Context, note *types.Note) (int64, error) {
	created := note.Created
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notes (teambook, content, summary, tags, pinned, author, owner, type,
			parent_id, session_id, linked_items, pagerank, representation_policy,
			metadata, has_vector, tamper_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		s.teambook, note.Content, note.Summary, marshalStringList(note.Tags),
		note.Pinned, note.Author, note.Owner, string(note.Type),
		note.ParentID, note.SessionID, marshalStringList(note.LinkedItems),
		note.PageRank, string(note.RepresentationPolicy.OrDefault()),
		note.Metadata, note.HasVector, note.TamperHash, utc(created),
	).Scan(&id)
	if err != nil {
		return 0, wrapDBError("insert note", err)
	}
	note.ID = id
	note.Created = created
	return id, nil
}

// GetNote fetches a single note by id.
func (s *Store) GetNote(ctx context.Context, id int64) (*types.Note, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE teambook = $1 AND id = $2`,
		s.teambook, id)
	n, err := scanNote(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get note %d", id)
	}
	n.Teambook = s.teambook
	return n, nil
}

// GetNotes fetches multiple notes by id, skipping missing ones. Results
// follow input order.
func (s *Store) GetNotes(ctx context.Context, ids []int64) ([]*types.Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE teambook = $1 AND id = ANY($2)`,
		s.teambook, ids)
	if err != nil {
		return nil, wrapDBError("get notes", err)
	}
	defer rows.Close()

	byID := make(map[int64]*types.Note, len(ids))
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, wrapDBError("scan note", err)
		}
		n.Teambook = s.teambook
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("get notes", err)
	}

	out := make([]*types.Note, 0, len(byID))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// ReadNotes returns notes matching the filter. Default ordering is newest
// first; ReadImportant orders by pagerank. Hybrid blending is done by the
// caller from two reads.
func (s *Store) ReadNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error) {
	var a qargs
	where := []string{"teambook = " + a.add(s.teambook)}

	if filter.Query != "" {
		pattern := "%" + escapeLike(filter.Query) + "%"
		p1, p2, p3 := a.add(pattern), a.add(pattern), a.add(pattern)
		where = append(where,
			"(content ILIKE "+p1+" OR summary ILIKE "+p2+" OR tags ILIKE "+p3+")")
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array; quoted match avoids substring hits.
		where = append(where, "tags LIKE "+a.add(`%"`+filter.Tag+`"%`))
	}
	if filter.Owner != nil {
		where = append(where, "owner = "+a.add(*filter.Owner))
	}
	if filter.Type != "" {
		where = append(where, "type = "+a.add(string(filter.Type)))
	}
	if filter.PinnedOnly {
		where = append(where, "pinned")
	}
	if filter.After != nil {
		where = append(where, "created_at > "+a.add(utc(*filter.After)))
	}
	if filter.Before != nil {
		where = append(where, "created_at < "+a.add(utc(*filter.Before)))
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id = ANY("+a.add(filter.IDs)+")")
	}

	order := "created_at DESC, id DESC"
	if filter.Mode == types.ModeImportant {
		order = "pinned DESC, pagerank DESC, created_at DESC, id DESC"
	}

	query := `SELECT ` + noteColumns + ` FROM notes WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY ` + order
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, a...)
	if err != nil {
		return nil, wrapDBError("read notes", err)
	}
	defer rows.Close()

	var notes []*types.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, wrapDBError("scan note", err)
		}
		n.Teambook = s.teambook
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// UpdateNote applies a whitelist of field updates, recomputes the tamper
// hash over the merged state, and returns the updated note.
func (s *Store) UpdateNote(ctx context.Context, id int64, updates map[string]interface{}) (*types.Note, error) {
	if len(updates) == 0 {
		return s.GetNote(ctx, id)
	}

	var (
		sets []string
		a    qargs
	)
	for key, value := range updates {
		switch key {
		case "content", "summary", "owner", "author":
			sets = append(sets, key+" = "+a.add(value))
		case "type":
			sets = append(sets, "type = "+a.add(fmt.Sprintf("%v", value)))
		case "representation_policy":
			sets = append(sets, "representation_policy = "+a.add(fmt.Sprintf("%v", value)))
		case "pinned", "has_vector":
			sets = append(sets, key+" = "+a.add(value))
		case "tags", "linked_items":
			list, ok := value.([]string)
			if !ok {
				return nil, fmt.Errorf("field %s requires a string list", key)
			}
			sets = append(sets, key+" = "+a.add(marshalStringList(list)))
		case "metadata":
			normalized, err := storage.NormalizeMetadataValue(value)
			if err != nil {
				return nil, fmt.Errorf("invalid metadata: %w", err)
			}
			sets = append(sets, "metadata = "+a.add(normalized))
		case "parent_id", "session_id":
			sets = append(sets, key+" = "+a.add(value))
		case "pagerank":
			sets = append(sets, "pagerank = "+a.add(value))
		default:
			return nil, fmt.Errorf("unknown note field: %s", key)
		}
	}

	var updated *types.Note
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cond := " WHERE teambook = " + a.add(s.teambook) + " AND id = " + a.add(id)
		tag, err := tx.Exec(ctx,
			`UPDATE notes SET `+strings.Join(sets, ", ")+cond, a...)
		if err != nil {
			return wrapDBErrorf(err, "update note %d", id)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update note %d: %w", id, storage.ErrNotFound)
		}

		row := tx.QueryRow(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE teambook = $1 AND id = $2`,
			s.teambook, id)
		updated, err = scanNote(row)
		if err != nil {
			return wrapDBErrorf(err, "reload note %d", id)
		}
		updated.Teambook = s.teambook
		updated.TamperHash = updated.ComputeTamperHash()

		_, err = tx.Exec(ctx,
			`UPDATE notes SET tamper_hash = $1 WHERE id = $2`, updated.TamperHash, id)
		return wrapDBError("refresh tamper hash", err)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteNote removes a note along with its edges and entity links.
func (s *Store) DeleteNote(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM notes WHERE teambook = $1 AND id = $2`, s.teambook, id)
		if err != nil {
			return wrapDBErrorf(err, "delete note %d", id)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("delete note %d: %w", id, storage.ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM edges WHERE from_id = $1 OR to_id = $1`, id); err != nil {
			return wrapDBError("delete note edges", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM entity_notes WHERE note_id = $1`, id); err != nil {
			return wrapDBError("delete note entity links", err)
		}
		return nil
	})
}

// LastNoteID returns the highest note id assigned in this teambook.
func (s *Store) LastNoteID(ctx context.Context) (int64, error) {
	var id *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(id) FROM notes WHERE teambook = $1`, s.teambook).Scan(&id)
	if err != nil {
		return 0, wrapDBError("last note id", err)
	}
	if id == nil {
		return 0, storage.ErrNotFound
	}
	return *id, nil
}
