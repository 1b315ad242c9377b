package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

const noteColumns = `id, content, summary, tags, pinned, author, owner, type,
	parent_id, session_id, linked_items, pagerank, representation_policy,
	metadata, has_vector, tamper_hash, created_at`

// scanNote reads one note row. The scanner must yield noteColumns order.
func scanNote(scanner interface{ Scan(...interface{}) error }) (*types.Note, error) {
	var (
		n         types.Note
		tags      string
		linked    string
		parentID  sql.NullInt64
		sessionID sql.NullInt64
	)
	err := scanner.Scan(
		&n.ID, &n.Content, &n.Summary, &tags, &n.Pinned, &n.Author, &n.Owner,
		&n.Type, &parentID, &sessionID, &linked, &n.PageRank,
		&n.RepresentationPolicy, &n.Metadata, &n.HasVector, &n.TamperHash,
		&n.Created,
	)
	if err != nil {
		return nil, err
	}
	n.Tags = unmarshalStringList(tags)
	n.LinkedItems = unmarshalStringList(linked)
	n.ParentID = nullInt(parentID)
	n.SessionID = nullInt(sessionID)
	return &n, nil
}

// WriteNote inserts a note and returns its assigned id.
func (s *Store) WriteNote(ctx context.Context, note *types.Note) (int64, error) {
	created := note.Created
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (content, summary, tags, pinned, author, owner, type,
			parent_id, session_id, linked_items, pagerank, representation_policy,
			metadata, has_vector, tamper_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		note.Content, note.Summary, marshalStringList(note.Tags), note.Pinned,
		note.Author, note.Owner, string(note.Type),
		nullableID(note.ParentID), nullableID(note.SessionID),
		marshalStringList(note.LinkedItems), note.PageRank,
		string(note.RepresentationPolicy.OrDefault()), note.Metadata,
		note.HasVector, note.TamperHash, utc(created),
	)
	if err != nil {
		return 0, wrapDBError("insert note", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert note id", err)
	}
	note.ID = id
	note.Created = created
	return id, nil
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

// GetNote fetches a single note by id.
func (s *Store) GetNote(ctx context.Context, id int64) (*types.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
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
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id IN (`+placeholders+`)`, args...)
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
	var (
		where = []string{"1=1"}
		args  []interface{}
	)

	if filter.Query != "" {
		pattern := "%" + escapeLike(filter.Query) + "%"
		where = append(where, `(content LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array; quoted match avoids substring hits.
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if filter.Owner != nil {
		where = append(where, "owner = ?")
		args = append(args, *filter.Owner)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.PinnedOnly {
		where = append(where, "pinned = 1")
	}
	if filter.After != nil {
		where = append(where, "created_at > ?")
		args = append(args, utc(*filter.After))
	}
	if filter.Before != nil {
		where = append(where, "created_at < ?")
		args = append(args, utc(*filter.Before))
	}
	if len(filter.IDs) > 0 {
		placeholders := strings.Repeat("?,", len(filter.IDs))
		where = append(where, "id IN ("+placeholders[:len(placeholders)-1]+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
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

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		args []interface{}
	)
	for key, value := range updates {
		switch key {
		case "content", "summary", "owner", "author":
			sets = append(sets, key+" = ?")
			args = append(args, value)
		case "type":
			sets = append(sets, "type = ?")
			args = append(args, fmt.Sprintf("%v", value))
		case "representation_policy":
			sets = append(sets, "representation_policy = ?")
			args = append(args, fmt.Sprintf("%v", value))
		case "pinned", "has_vector":
			sets = append(sets, key+" = ?")
			args = append(args, value)
		case "tags", "linked_items":
			list, ok := value.([]string)
			if !ok {
				return nil, fmt.Errorf("field %s requires a string list", key)
			}
			sets = append(sets, key+" = ?")
			args = append(args, marshalStringList(list))
		case "metadata":
			normalized, err := storage.NormalizeMetadataValue(value)
			if err != nil {
				return nil, fmt.Errorf("invalid metadata: %w", err)
			}
			sets = append(sets, "metadata = ?")
			args = append(args, normalized)
		case "parent_id", "session_id":
			sets = append(sets, key+" = ?")
			args = append(args, value)
		case "pagerank":
			sets = append(sets, "pagerank = ?")
			args = append(args, value)
		default:
			return nil, fmt.Errorf("unknown note field: %s", key)
		}
	}

	var updated *types.Note
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args = append(args, id)
		res, err := tx.ExecContext(ctx,
			`UPDATE notes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return wrapDBErrorf(err, "update note %d", id)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("update note", err)
		}
		if affected == 0 {
			return fmt.Errorf("update note %d: %w", id, storage.ErrNotFound)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
		updated, err = scanNote(row)
		if err != nil {
			return wrapDBErrorf(err, "reload note %d", id)
		}
		updated.Teambook = s.teambook
		updated.TamperHash = updated.ComputeTamperHash()

		_, err = tx.ExecContext(ctx,
			`UPDATE notes SET tamper_hash = ? WHERE id = ?`, updated.TamperHash, id)
		return wrapDBError("refresh tamper hash", err)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteNote removes a note along with its edges and entity links.
func (s *Store) DeleteNote(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
		if err != nil {
			return wrapDBErrorf(err, "delete note %d", id)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("delete note", err)
		}
		if affected == 0 {
			return fmt.Errorf("delete note %d: %w", id, storage.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
			return wrapDBError("delete note edges", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_notes WHERE note_id = ?`, id); err != nil {
			return wrapDBError("delete note entity links", err)
		}
		return nil
	})
}

// LastNoteID returns the highest assigned note id.
func (s *Store) LastNoteID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM notes`).Scan(&id)
	if err != nil {
		return 0, wrapDBError("last note id", err)
	}
	if !id.Valid {
		return 0, storage.ErrNotFound
	}
	return id.Int64, nil
}
