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

const messageColumns = `id, sender, channel, recipient, content, summary,
	reply_to, signature, envelope, created_at, expires_at, read_at`

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*types.Message, error) {
	var (
		m       types.Message
		replyTo sql.NullInt64
		readAt  sql.NullTime
	)
	err := scanner.Scan(
		&m.ID, &m.Sender, &m.Channel, &m.Recipient, &m.Content, &m.Summary,
		&replyTo, &m.Signature, &m.Envelope, &m.CreatedAt, &m.ExpiresAt, &readAt,
	)
	if err != nil {
		return nil, err
	}
	m.ReplyTo = nullInt(replyTo)
	m.ReadAt = timePtr(readAt)
	return &m, nil
}

// SendMessage stores a message and returns its id. The message must
// already be normalized (SetDefaults) and validated.
func (s *Store) SendMessage(ctx context.Context, msg *types.Message) (int64, error) {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	expires := msg.ExpiresAt
	if expires.IsZero() {
		expires = created.Add(types.DefaultMessageTTL)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender, channel, recipient, content, summary,
			reply_to, signature, envelope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Sender, msg.Channel, msg.Recipient, msg.Content, msg.Summary,
		nullableID(msg.ReplyTo), msg.Signature, msg.Envelope,
		utc(created), utc(expires))
	if err != nil {
		return 0, wrapDBError("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert message id", err)
	}
	msg.ID = id
	msg.CreatedAt = created
	msg.ExpiresAt = expires
	return id, nil
}

// GetMessages returns unexpired messages matching the filter, newest first.
func (s *Store) GetMessages(ctx context.Context, filter types.MessageFilter) ([]*types.Message, error) {
	where := []string{"expires_at > ?"}
	args := []interface{}{utc(time.Now())}

	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Recipient != "" {
		where = append(where, "recipient = ?")
		args = append(args, filter.Recipient)
	}
	if filter.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, filter.Sender)
	}
	if filter.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}
	if filter.After != nil {
		where = append(where, "created_at > ?")
		args = append(args, utc(*filter.After))
	}
	if filter.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, filter.SinceID)
	}
	if filter.Thread != nil {
		where = append(where, "(id = ? OR reply_to = ?)")
		args = append(args, *filter.Thread, *filter.Thread)
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("get messages", err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapDBError("scan message", err)
		}
		m.Teambook = s.teambook
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead marks direct messages as read and returns how many
// changed. An empty ids slice marks every unread DM for the recipient.
func (s *Store) MarkMessagesRead(ctx context.Context, recipient string, ids []int64) (int, error) {
	query := `UPDATE messages SET read_at = ? WHERE recipient = ? AND read_at IS NULL`
	args := []interface{}{utc(time.Now()), recipient}
	if len(ids) > 0 {
		placeholders := strings.Repeat("?,", len(ids))
		query += ` AND id IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapDBError("mark messages read", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("mark messages read", err)
	}
	return int(affected), nil
}

// Subscribe adds a channel subscription, idempotently. The per-AI
// subscription cap is enforced atomically.
func (s *Store) Subscribe(ctx context.Context, aiID, channel string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (ai_id, channel, created_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM subscriptions WHERE ai_id = ? AND channel = ?)
		  AND (SELECT COUNT(*) FROM subscriptions WHERE ai_id = ?) < ?`,
		aiID, channel, utc(time.Now()), aiID, channel, aiID, types.MaxSubscriptions)
	if err != nil {
		return wrapDBError("subscribe", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("subscribe", err)
	}
	if affected == 0 {
		// Either already subscribed (fine) or at the cap.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM subscriptions WHERE ai_id = ? AND channel = ?`,
			aiID, channel).Scan(&exists)
		if err != nil {
			return wrapDBError("subscribe", err)
		}
		if exists == 0 {
			return fmt.Errorf("subscribe %s: max %d channels: %w",
				channel, types.MaxSubscriptions, storage.ErrLimitExceeded)
		}
	}
	return nil
}

// Unsubscribe removes a channel subscription, idempotently.
func (s *Store) Unsubscribe(ctx context.Context, aiID, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE ai_id = ? AND channel = ?`, aiID, channel)
	return wrapDBError("unsubscribe", err)
}

// Subscriptions lists an AI's channel subscriptions.
func (s *Store) Subscriptions(ctx context.Context, aiID string) ([]*types.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ai_id, channel, created_at FROM subscriptions
		WHERE ai_id = ? ORDER BY channel`, aiID)
	if err != nil {
		return nil, wrapDBError("subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		var sub types.Subscription
		if err := rows.Scan(&sub.AIID, &sub.Channel, &sub.CreatedAt); err != nil {
			return nil, wrapDBError("scan subscription", err)
		}
		sub.Teambook = s.teambook
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// ChannelMembers lists the AIs subscribed to a channel.
func (s *Store) ChannelMembers(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ai_id FROM subscriptions WHERE channel = ? ORDER BY ai_id`, channel)
	if err != nil {
		return nil, wrapDBError("channel members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan member", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ListChannels returns every channel with a subscription or an unexpired
// message, excluding the DM sentinel.
func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel FROM subscriptions WHERE channel != ?
		UNION
		SELECT channel FROM messages WHERE channel != ? AND expires_at > ?
		ORDER BY channel`,
		types.DMChannel, types.DMChannel, utc(time.Now()))
	if err != nil {
		return nil, wrapDBError("list channels", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, wrapDBError("scan channel", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
