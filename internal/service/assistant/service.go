package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chatrouter/internal/models"
	"chatrouter/internal/router"
	"chatrouter/internal/service/ai"
	"chatrouter/internal/store"
	"chatrouter/internal/trace"
)

// ErrEmptyMessage rejects a chat request with no content.
var ErrEmptyMessage = errors.New("message cannot be empty")

// Service is the transport-facing conversation core: it maps
// (session id, user message) to (session id, assistant reply).
type Service struct {
	store       *store.Store
	router      *router.Router
	turnTimeout time.Duration
	tracing     bool
	needTools   bool
	logger      *slog.Logger
	startedAt   time.Time
}

type Options struct {
	Store       *store.Store
	Router      *router.Router
	TurnTimeout time.Duration
	Tracing     bool
	// RequireTools marks the service unhealthy when no tool is registered.
	RequireTools bool
	Logger       *slog.Logger
}

// NewService builds a new assistant service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Router == nil {
		return nil, errors.New("assistant requires a store and a router")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:       opts.Store,
		router:      opts.Router,
		turnTimeout: opts.TurnTimeout,
		tracing:     opts.Tracing,
		needTools:   opts.RequireTools,
		logger:      logger,
		startedAt:   time.Now(),
	}, nil
}

type ChatRequest struct {
	SessionID string
	Content   string
	// Observer receives this turn's trace events, e.g. for streaming.
	Observer trace.Sink
	// BeforeCommit, when set, is called once the reply is ready. Returning
	// false abandons the turn without committing it.
	BeforeCommit func() bool
}

type ChatResult struct {
	SessionID   string
	Reply       *models.Message
	Messages    []*models.Message
	Transitions []router.State
	Cycles      int
	Elapsed     time.Duration
}

// ResolveSession returns id when it names a live session and a new session otherwise.
func (s *Service) ResolveSession(ctx context.Context, id string) (string, error) {
	return s.store.ResolveOrCreate(ctx, strings.TrimSpace(id))
}

// Chat runs one turn. The session lock is held only to snapshot history and
// to commit; the router runs without it. A timed out turn commits nothing.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	started := time.Now()
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	id, err := s.ResolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	snapshot, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	turnCtx := ai.WithToolSession(ctx, id)
	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(turnCtx, s.turnTimeout)
		defer cancel()
	}

	res, err := s.router.Run(turnCtx, router.TurnInput{
		SessionID: id,
		History:   snapshot.Messages,
		Message:   models.NewUserMessage(content),
		Observer:  req.Observer,
	})
	if err != nil {
		s.logger.Warn("turn aborted", "session_id", id, "error", err)
		return nil, err
	}

	if req.BeforeCommit != nil && !req.BeforeCommit() {
		s.logger.Warn("turn abandoned by caller", "session_id", id)
		return nil, fmt.Errorf("%w: caller gave up before commit", router.ErrTurnTimeout)
	}
	// the commit must land even if the caller's deadline is close
	if err := s.store.Append(context.WithoutCancel(ctx), id, res.Messages...); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	elapsed := time.Since(started)
	s.logger.Info("turn completed", "session_id", id, "cycles", res.Cycles, "messages", len(res.Messages),
		"elapsed", elapsed)

	return &ChatResult{
		SessionID:   id,
		Reply:       res.Reply,
		Messages:    res.Messages,
		Transitions: res.Transitions,
		Cycles:      res.Cycles,
		Elapsed:     elapsed,
	}, nil
}

// NewSession allocates an empty session.
func (s *Service) NewSession(ctx context.Context) (string, error) {
	return s.store.Create(ctx)
}

// History returns the committed transcript of a session.
func (s *Service) History(ctx context.Context, id string) ([]*models.Message, error) {
	sess, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// DeleteSession removes a session; unknown ids are not an error.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.Delete(ctx, strings.TrimSpace(id))
}

// Forget drops a cached session so it is reloaded from the mirror.
func (s *Service) Forget(id string) bool {
	return s.store.Forget(id)
}

// Graph exposes the chat graph shape.
func (s *Service) Graph() router.Topology {
	return s.router.Topology()
}
