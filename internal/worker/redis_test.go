package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"chatrouter/internal/config"
	"chatrouter/internal/redis"
)

func TestStateCachePubSub(t *testing.T) {
	client := newTestRedisClient(t)
	sender := newStateCache(client, nil)
	receiver := newStateCache(client, nil)

	ch := make(chan invalidateMessage, 2)
	receiver.startListener(func(msg invalidateMessage) {
		ch <- msg
	})
	defer receiver.stop()

	// a replica ignores its own broadcasts
	receiver.publishInvalidation(invalidateMessage{SessionID: "self", Scope: scopeSession})
	sender.publishInvalidation(invalidateMessage{SessionID: "s-6", Scope: scopeDelete})

	select {
	case got := <-ch:
		if got.SessionID != "s-6" || got.Scope != scopeDelete || got.Origin != sender.origin {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
}

func TestManagerForgetsSessionsChangedByPeers(t *testing.T) {
	client := newTestRedisClient(t)

	asst := newMockAssistant()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10})
	manager.EnableInvalidation(client)
	defer manager.Stop()

	peer := newStateCache(client, nil)
	peer.publishInvalidation(invalidateMessage{SessionID: "shared", Scope: scopeSession})

	deadline := time.Now().Add(2 * time.Second)
	for {
		asst.mu.Lock()
		n := len(asst.forgotten)
		asst.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer invalidation not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	t.Cleanup(func() { client.Close() })
	return client
}
