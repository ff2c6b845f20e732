package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrouter/internal/models"
	"chatrouter/internal/redis"
)

const (
	redisSessionKeyPrefix = "chat:session:"
	redisHistoryKeyPrefix = "chat:history:"
)

// RedisMirror keeps session metadata as JSON and the transcript as a list,
// so appends never rewrite earlier messages.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

type redisSessionRecord struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func (m *RedisMirror) Kind() string { return "redis" }

func sessionKey(id string) string { return redisSessionKeyPrefix + id }
func historyKey(id string) string { return redisHistoryKeyPrefix + id }

func (m *RedisMirror) Put(ctx context.Context, session *models.Session) error {
	return m.putRecord(ctx, redisSessionRecord{
		ID:           session.ID,
		CreatedAt:    session.CreatedAt,
		LastActivity: session.LastActivity,
	})
}

func (m *RedisMirror) putRecord(ctx context.Context, rec redisSessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, sessionKey(rec.ID), payload, m.ttl)
}

func (m *RedisMirror) Append(ctx context.Context, id string, msgs []*models.Message, at time.Time) error {
	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		values = append(values, payload)
	}
	if err := m.client.AppendList(ctx, historyKey(id), m.ttl, values...); err != nil {
		return err
	}

	rec := redisSessionRecord{ID: id, CreatedAt: at, LastActivity: at}
	if raw, err := m.client.Get(ctx, sessionKey(id)); err == nil {
		var existing redisSessionRecord
		if json.Unmarshal([]byte(raw), &existing) == nil && !existing.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	}
	return m.putRecord(ctx, rec)
}

func (m *RedisMirror) Load(ctx context.Context, id string) (*models.Session, error) {
	raw, err := m.client.Get(ctx, sessionKey(id))
	if errors.Is(err, redis.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec redisSessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}

	items, err := m.client.List(ctx, historyKey(id))
	if err != nil {
		return nil, err
	}
	session := &models.Session{
		ID:           id,
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
		Messages:     make([]*models.Message, 0, len(items)),
	}
	for _, item := range items {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", id, err)
		}
		session.Messages = append(session.Messages, &msg)
	}
	return session, nil
}

func (m *RedisMirror) Delete(ctx context.Context, id string) error {
	return m.client.Del(ctx, sessionKey(id), historyKey(id))
}
