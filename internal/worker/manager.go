package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"chatrouter/internal/redis"
	"chatrouter/internal/router"
	"chatrouter/internal/service/assistant"
	"chatrouter/internal/store"
)

// ChatService is the part of the assistant service the manager schedules.
type ChatService interface {
	ResolveSession(ctx context.Context, id string) (string, error)
	Chat(ctx context.Context, req assistant.ChatRequest) (*assistant.ChatResult, error)
	DeleteSession(ctx context.Context, id string) error
	Forget(id string) bool
}

var errTurnPanicked = errors.New("chat turn panicked")

// turn hand-off states between a waiting caller and its running job
const (
	turnOpen int32 = iota
	turnCommitting
	turnAbandoned
)

type workerReturn struct {
	result *assistant.ChatResult
	err    error
}

// Manager runs chat turns through the dispatcher so that turns of one
// session are serialized and the number of concurrent turns is bounded.
type Manager struct {
	assistant  ChatService
	dispatcher *Dispatcher
	state      *stateRedis
	logger     *slog.Logger
}

func NewManager(asst ChatService, cfg DispatcherConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		assistant:  asst,
		dispatcher: NewDispatcher(cfg),
		logger:     logger,
	}
}

// EnableInvalidation shares session changes with other replicas over redis
// pub/sub. Each replica drops its in-memory copy and reloads from the mirror.
func (m *Manager) EnableInvalidation(client *redis.Client) {
	if client == nil {
		return
	}
	m.state = newStateCache(client, m.logger)
	m.state.startListener(func(msg invalidateMessage) {
		if msg.Scope == scopeDelete {
			m.dispatcher.CancelSession(msg.SessionID)
		}
		if m.assistant.Forget(msg.SessionID) {
			debugLog(m.logger, "session invalidated by peer", "session_id", msg.SessionID, "scope", msg.Scope)
		}
	})
}

// Chat resolves the session, then queues the turn behind earlier turns of
// the same session. It returns ErrDispatcherBusy when the queue is full.
func (m *Manager) Chat(ctx context.Context, req assistant.ChatRequest) (*assistant.ChatResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, assistant.ErrEmptyMessage
	}
	id, err := m.assistant.ResolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	req.SessionID = id

	// exactly one of the job (commit) and the caller (give up) wins
	var handoff atomic.Int32
	req.BeforeCommit = func() bool {
		return handoff.CompareAndSwap(turnOpen, turnCommitting)
	}

	resultCh := make(chan workerReturn, 1)
	job := Job{
		Type:      Run,
		SessionID: id,
		Task: func() {
			ret := workerReturn{err: errTurnPanicked}
			defer func() { resultCh <- ret }()
			ret.result, ret.err = m.assistant.Chat(ctx, req)
		},
		Drop: func() {
			resultCh <- workerReturn{err: store.ErrNotFound}
		},
	}
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}

	select {
	case ret := <-resultCh:
		return m.turnDone(id, ret)
	case <-ctx.Done():
		if !handoff.CompareAndSwap(turnOpen, turnAbandoned) {
			// already committing; report what was stored
			return m.turnDone(id, <-resultCh)
		}
		return nil, fmt.Errorf("%w: %w", router.ErrTurnTimeout, ctx.Err())
	}
}

func (m *Manager) turnDone(id string, ret workerReturn) (*assistant.ChatResult, error) {
	if ret.err == nil {
		m.state.publishInvalidation(invalidateMessage{SessionID: id, Scope: scopeSession})
	}
	return ret.result, ret.err
}

// DeleteSession drops queued turns of the session and removes it.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.dispatcher.CancelSession(id)
	if err := m.assistant.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.state.publishInvalidation(invalidateMessage{SessionID: id, Scope: scopeDelete})
	return nil
}

// Pending reports queued or running turns.
func (m *Manager) Pending() int {
	return m.dispatcher.Pending()
}

func (m *Manager) Stop() {
	m.state.stop()
	m.dispatcher.Stop()
}
