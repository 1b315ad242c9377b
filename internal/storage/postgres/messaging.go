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

const messageColumns = `id, sender, channel, recipient, content, summary,
	reply_to, signature, envelope, created_at, expires_at, read_at`

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*types.Message, error) {
	var m types.Message
	err := scanner.Scan(
		&m.ID, &m.Sender, &m.Channel, &m.Recipient, &m.Content, &m.Summary,
		&m.ReplyTo, &m.Signature, &m.Envelope, &m.CreatedAt, &m.ExpiresAt, &m.ReadAt,
	)
	if err != nil {
		return nil, err
	}
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

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (teambook, sender, channel, recipient, content, summary,
			reply_to, signature, envelope, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		s.teambook, msg.Sender, msg.Channel, msg.Recipient, msg.Content,
		msg.Summary, msg.ReplyTo, msg.Signature, msg.Envelope,
		utc(created), utc(expires)).Scan(&id)
	if err != nil {
		return 0, wrapDBError("insert message", err)
	}
	msg.ID = id
	msg.CreatedAt = created
	msg.ExpiresAt = expires
	return id, nil
}

// GetMessages returns unexpired messages matching the filter, newest first.
func (s *Store) GetMessages(ctx context.Context, filter types.MessageFilter) ([]*types.Message, error) {
	var a qargs
	where := []string{
		"teambook = " + a.add(s.teambook),
		"expires_at > " + a.add(utc(time.Now())),
	}

	if filter.Channel != "" {
		where = append(where, "channel = "+a.add(filter.Channel))
	}
	if filter.Recipient != "" {
		where = append(where, "recipient = "+a.add(filter.Recipient))
	}
	if filter.Sender != "" {
		where = append(where, "sender = "+a.add(filter.Sender))
	}
	if filter.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}
	if filter.After != nil {
		where = append(where, "created_at > "+a.add(utc(*filter.After)))
	}
	if filter.SinceID > 0 {
		where = append(where, "id > "+a.add(filter.SinceID))
	}
	if filter.Thread != nil {
		root := a.add(*filter.Thread)
		where = append(where, "(id = "+root+" OR reply_to = "+root+")")
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, a...)
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
	var a qargs
	query := `UPDATE messages SET read_at = ` + a.add(utc(time.Now())) +
		` WHERE teambook = ` + a.add(s.teambook) +
		` AND recipient = ` + a.add(recipient) + ` AND read_at IS NULL`
	if len(ids) > 0 {
		query += ` AND id = ANY(` + a.add(ids) + `)`
	}

	tag, err := s.pool.Exec(ctx, query, a...)
	if err != nil {
		return 0, wrapDBError("mark messages read", err)
	}
	return int(tag.RowsAffected()), nil
}

// Subscribe adds a channel subscription, idempotently. The per-AI
// subscription cap is checked under an advisory lock; READ COMMITTED makes
// a single-statement count guard racy here.
func (s *Store) Subscribe(ctx context.Context, aiID, channel string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockConcern(ctx, tx, lockNSSubscriptions); err != nil {
			return wrapDBError("subscribe", err)
		}

		var exists int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM subscriptions
			WHERE teambook = $1 AND ai_id = $2 AND channel = $3`,
			s.teambook, aiID, channel).Scan(&exists)
		if err != nil {
			return wrapDBError("subscribe", err)
		}
		if exists > 0 {
			return nil
		}

		var count int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM subscriptions WHERE teambook = $1 AND ai_id = $2`,
			s.teambook, aiID).Scan(&count)
		if err != nil {
			return wrapDBError("subscribe", err)
		}
		if count >= types.MaxSubscriptions {
			return fmt.Errorf("subscribe %s: max %d channels: %w",
				channel, types.MaxSubscriptions, storage.ErrLimitExceeded)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (teambook, ai_id, channel, created_at)
			VALUES ($1, $2, $3, $4)`,
			s.teambook, aiID, channel, utc(time.Now()))
		return wrapDBError("subscribe", err)
	})
}

// Unsubscribe removes a channel subscription, idempotently.
func (s *Store) Unsubscribe(ctx context.Context, aiID, channel string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE teambook = $1 AND ai_id = $2 AND channel = $3`,
		s.teambook, aiID, channel)
	return wrapDBError("unsubscribe", err)
}

// Subscriptions lists an AI's channel subscriptions.
func (s *Store) Subscriptions(ctx context.Context, aiID string) ([]*types.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ai_id, channel, created_at FROM subscriptions
		WHERE teambook = $1 AND ai_id = $2 ORDER BY channel`, s.teambook, aiID)
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
	rows, err := s.pool.Query(ctx, `
		SELECT ai_id FROM subscriptions
		WHERE teambook = $1 AND channel = $2 ORDER BY ai_id`, s.teambook, channel)
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
	rows, err := s.pool.Query(ctx, `
		SELECT channel FROM subscriptions WHERE teambook = $1 AND channel != $2
		UNION
		SELECT channel FROM messages WHERE teambook = $1 AND channel != $2 AND expires_at > $3
		ORDER BY channel`,
		s.teambook, types.DMChannel, utc(time.Now()))
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
