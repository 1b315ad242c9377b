package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) msgKey(id int64) string { return s.key("msg", strconv.FormatInt(id, 10)) }
func (s *Store) msgsKey() string        { return s.key("msgs") }
func (s *Store) msgExpKey() string      { return s.key("msgexp") }
func (s *Store) subsKey(aiID string) string {
	return s.key("subs", aiID)
}
func (s *Store) chanMembersKey(channel string) string {
	return s.key("chanmembers", channel)
}

func marshalMessage(m *types.Message) (string, error) {
	doc := *m
	doc.Teambook = ""
	b, err := json.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(b), nil
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

	id, err := s.nextID(ctx, "messages")
	if err != nil {
		return 0, wrapDBError("insert message", err)
	}

	stored := *msg
	stored.ID = id
	stored.CreatedAt = utc(created)
	stored.ExpiresAt = utc(expires)
	raw, err := marshalMessage(&stored)
	if err != nil {
		return 0, err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.msgKey(id), raw, 0)
	pipe.ZAdd(ctx, s.msgsKey(), redis.Z{Score: float64(msec(created)), Member: padID(id)})
	pipe.ZAdd(ctx, s.msgExpKey(), redis.Z{Score: float64(msec(expires)), Member: padID(id)})
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, wrapDBError("insert message", err)
	}

	msg.ID = id
	msg.CreatedAt = created
	msg.ExpiresAt = expires
	return id, nil
}

// allMessages loads every stored message, newest first, pruning index
// entries whose documents have vanished.
func (s *Store) allMessages(ctx context.Context) ([]*types.Message, error) {
	members, err := s.client.ZRevRange(ctx, s.msgsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	ids := make([]int64, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		keys[i] = s.msgKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var msgs []*types.Message
	var stale []int64
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var m types.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.Teambook = s.teambook
		msgs = append(msgs, &m)
	}
	if len(stale) > 0 {
		pipe := s.client.Pipeline()
		for _, id := range stale {
			pipe.ZRem(ctx, s.msgsKey(), padID(id))
			pipe.ZRem(ctx, s.msgExpKey(), padID(id))
		}
		pipe.Exec(ctx)
	}
	return msgs, nil
}

// GetMessages returns unexpired messages matching the filter, newest first.
func (s *Store) GetMessages(ctx context.Context, filter types.MessageFilter) ([]*types.Message, error) {
	all, err := s.allMessages(ctx)
	if err != nil {
		return nil, wrapDBError("get messages", err)
	}

	now := time.Now()
	var msgs []*types.Message
	for _, m := range all {
		if m.Expired(now) {
			continue
		}
		if filter.Channel != "" && m.Channel != filter.Channel {
			continue
		}
		if filter.Recipient != "" && m.Recipient != filter.Recipient {
			continue
		}
		if filter.Sender != "" && m.Sender != filter.Sender {
			continue
		}
		if filter.UnreadOnly && m.ReadAt != nil {
			continue
		}
		if filter.After != nil && !m.CreatedAt.After(*filter.After) {
			continue
		}
		if filter.SinceID > 0 && m.ID <= filter.SinceID {
			continue
		}
		if filter.Thread != nil && m.ID != *filter.Thread &&
			(m.ReplyTo == nil || *m.ReplyTo != *filter.Thread) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[:filter.Limit]
	}
	return msgs, nil
}

// MarkMessagesRead marks direct messages as read and returns how many
// changed. An empty ids slice marks every unread DM for the recipient.
func (s *Store) MarkMessagesRead(ctx context.Context, recipient string, ids []int64) (int, error) {
	all, err := s.allMessages(ctx)
	if err != nil {
		return 0, wrapDBError("mark messages read", err)
	}

	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	now := utc(time.Now())
	pipe := s.client.Pipeline()
	var writes []*redis.BoolCmd
	for _, m := range all {
		if m.Recipient != recipient || m.ReadAt != nil {
			continue
		}
		if len(ids) > 0 && !wanted[m.ID] {
			continue
		}
		readAt := now
		m.ReadAt = &readAt
		raw, err := marshalMessage(m)
		if err != nil {
			return 0, err
		}
		// XX keeps a concurrent sweep from resurrecting a deleted doc.
		writes = append(writes, pipe.SetXX(ctx, s.msgKey(m.ID), raw, 0))
	}
	if len(writes) == 0 {
		return 0, nil
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, wrapDBError("mark messages read", err)
	}
	count := 0
	for _, cmd := range writes {
		if ok, _ := cmd.Result(); ok {
			count++
		}
	}
	return count, nil
}

// Subscribe adds a channel subscription, idempotently. The per-AI
// subscription cap is enforced atomically.
func (s *Store) Subscribe(ctx context.Context, aiID, channel string) error {
	key := s.subsKey(aiID)
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, channel).Result()
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		count, err := tx.HLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if count >= int64(types.MaxSubscriptions) {
			return fmt.Errorf("subscribe %s: max %d channels: %w",
				channel, types.MaxSubscriptions, storage.ErrLimitExceeded)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, channel, rfc(utc(time.Now())))
			pipe.SAdd(ctx, s.chanMembersKey(channel), aiID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, storage.ErrLimitExceeded) {
			return err
		}
		return wrapDBError("subscribe", err)
	}
	return nil
}

// Unsubscribe removes a channel subscription, idempotently.
func (s *Store) Unsubscribe(ctx context.Context, aiID, channel string) error {
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, s.subsKey(aiID), channel)
	pipe.SRem(ctx, s.chanMembersKey(channel), aiID)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("unsubscribe", err)
	}
	return nil
}

// Subscriptions lists an AI's channel subscriptions.
func (s *Store) Subscriptions(ctx context.Context, aiID string) ([]*types.Subscription, error) {
	vals, err := s.client.HGetAll(ctx, s.subsKey(aiID)).Result()
	if err != nil {
		return nil, wrapDBError("subscriptions", err)
	}
	subs := make([]*types.Subscription, 0, len(vals))
	for channel, createdRaw := range vals {
		created, err := parseRFC(createdRaw)
		if err != nil {
			return nil, wrapDBError("subscriptions", err)
		}
		subs = append(subs, &types.Subscription{
			AIID:      aiID,
			Channel:   channel,
			Teambook:  s.teambook,
			CreatedAt: created,
		})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Channel < subs[j].Channel })
	return subs, nil
}

// ChannelMembers lists the AIs subscribed to a channel.
func (s *Store) ChannelMembers(ctx context.Context, channel string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.chanMembersKey(channel)).Result()
	if err != nil {
		return nil, wrapDBError("channel members", err)
	}
	sort.Strings(members)
	return members, nil
}

// ListChannels returns every channel with a subscription or an unexpired
// message, excluding the DM sentinel.
func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)

	prefix := s.key("chanmembers") + ":"
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		channel := strings.TrimPrefix(iter.Val(), prefix)
		if channel != types.DMChannel {
			seen[channel] = true
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapDBError("list channels", err)
	}

	msgs, err := s.allMessages(ctx)
	if err != nil {
		return nil, wrapDBError("list channels", err)
	}
	now := time.Now()
	for _, m := range msgs {
		if m.Channel != types.DMChannel && !m.Expired(now) {
			seen[m.Channel] = true
		}
	}

	channels := make([]string, 0, len(seen))
	for ch := range seen {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels, nil
}
