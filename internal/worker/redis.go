package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"chatrouter/internal/redis"
)

const redisInvalidateChannel = "chat:invalidate"

const (
	scopeSession = "session"
	scopeDelete  = "delete"
)

// invalidateMessage tells other replicas sharing the session mirror that
// their in-memory copy of a session is stale.
type invalidateMessage struct {
	Origin    string `json:"origin"`
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
}

type stateRedis struct {
	client *redis.Client
	origin string
	logger *slog.Logger
	cancel context.CancelFunc
}

func newStateCache(client *redis.Client, logger *slog.Logger) *stateRedis {
	if logger == nil {
		logger = slog.Default()
	}
	return &stateRedis{client: client, origin: uuid.NewString(), logger: logger}
}

// startListener redis listener using sub chan; messages from this replica are skipped
func (r *stateRedis) startListener(handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	pubsub := raw.Subscribe(ctx, redisInvalidateChannel)
	// wait for the subscription so nothing published after start is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Warn("session invalidation subscribe failed", "error", err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					r.logger.Warn("session invalidation decode failed", "error", err)
					continue
				}
				if inv.Origin == r.origin {
					continue
				}
				handler(inv)
			}
		}
	}()
}

// publishInvalidation broadcast invalidate msg
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	msg.Origin = r.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("session invalidation marshal failed", "error", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		r.logger.Warn("session invalidation publish failed", "error", err)
	}
}

func (r *stateRedis) stop() {
	if r != nil && r.cancel != nil {
		r.cancel()
	}
}
