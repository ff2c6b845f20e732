package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatrouter/internal/models"
)

// ErrNotFound is returned when an operation names a session the store does not hold.
var ErrNotFound = errors.New("session not found")

// Options tune a Store. The zero value keeps sessions forever and mirrors nothing.
type Options struct {
	// IdleTTL evicts sessions whose last activity is older than this; zero disables eviction.
	IdleTTL time.Duration
	Mirror  Mirror
	Logger  *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is an in-memory session store. The map lock covers membership only;
// transcript and activity updates take the per-session lock, so unrelated
// sessions never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	seq     atomic.Uint64
	idleTTL time.Duration
	mirror  Mirror
	logger  *slog.Logger
	now     func() time.Time

	janitorMu sync.Mutex
	stopJan   func()
}

type entry struct {
	mu      sync.Mutex
	session models.Session
	deleted bool
	// detached entries were evicted or forgotten; callers holding one reload
	detached bool
}

// New constructs a Store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		sessions: make(map[string]*entry),
		idleTTL:  opts.IdleTTL,
		mirror:   opts.Mirror,
		logger:   logger,
		now:      now,
	}
}

// newID mixes a readable timestamp with a process-wide counter and a random
// suffix; the timestamp alone collides under concurrent creation.
func (s *Store) newID(now time.Time) string {
	n := s.seq.Add(1)
	return fmt.Sprintf("session_%s_%d_%s", now.Format("20060102_150405"), n, uuid.NewString()[:8])
}

// Create allocates a fresh session with an empty transcript.
func (s *Store) Create(ctx context.Context) (string, error) {
	now := s.now()
	e := &entry{session: models.Session{CreatedAt: now, LastActivity: now}}

	s.mu.Lock()
	id := s.newID(now)
	for _, taken := s.sessions[id]; taken; _, taken = s.sessions[id] {
		id = s.newID(now)
	}
	e.session.ID = id
	s.sessions[id] = e
	// hold the entry lock before publishing it so the mirror sees Put before any Append
	e.mu.Lock()
	s.mu.Unlock()
	defer e.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, &e.session); err != nil {
			s.logger.Warn("session mirror put failed", "session_id", id, "error", err)
		}
	}
	s.logger.Debug("session created", "session_id", id)
	return id, nil
}

// Get returns a deep copy of the session. It never creates one.
func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	e, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Append adds messages to the end of the transcript in one critical section
// and refreshes last activity.
func (s *Store) Append(ctx context.Context, id string, msgs ...*models.Message) error {
	cloned := models.CloneMessages(msgs)
	e, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	now := s.now()
	e.session.Messages = append(e.session.Messages, cloned...)
	e.session.LastActivity = now
	if s.mirror != nil && len(cloned) > 0 {
		if err := s.mirror.Append(ctx, id, cloned, now); err != nil {
			s.logger.Warn("session mirror append failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// Delete removes a session. Deleting an unknown session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, id); err != nil {
			s.logger.Warn("session mirror delete failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// Forget drops the in-memory copy of a session and keeps the mirrored one,
// so the next access reloads it. It is used when another replica changed it.
func (s *Store) Forget(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.detached = true
	e.mu.Unlock()
	return true
}

// ResolveOrCreate returns id unchanged when the session exists (refreshing
// its activity), and a brand new session id when id is empty or unknown.
func (s *Store) ResolveOrCreate(ctx context.Context, id string) (string, error) {
	if id == "" {
		return s.Create(ctx)
	}
	e, err := s.acquire(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return s.Create(ctx)
	}
	if err != nil {
		return "", err
	}
	e.session.LastActivity = s.now()
	e.mu.Unlock()
	return id, nil
}

// Len reports the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// MirrorKind names the configured mirror, or "none".
func (s *Store) MirrorKind() string {
	if s.mirror == nil {
		return "none"
	}
	return s.mirror.Kind()
}

// EvictIdle drops sessions idle for longer than the configured TTL and
// returns their ids. Mirrored copies are kept so the session can be
// rehydrated later.
func (s *Store) EvictIdle(now time.Time) []string {
	if s.idleTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-s.idleTTL)

	s.mu.RLock()
	candidates := make(map[string]*entry)
	for id, e := range s.sessions {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var evicted []string
	for id, e := range candidates {
		s.mu.Lock()
		e.mu.Lock()
		if !e.deleted && e.session.LastActivity.Before(cutoff) && s.sessions[id] == e {
			delete(s.sessions, id)
			e.detached = true
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
		s.mu.Unlock()
	}
	if len(evicted) > 0 {
		s.logger.Info("evicted idle sessions", "count", len(evicted), "idle_ttl", s.idleTTL)
	}
	return evicted
}

// acquire returns the live entry for id with its lock held.
func (s *Store) acquire(ctx context.Context, id string) (*entry, error) {
	for {
		e, err := s.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			return nil, ErrNotFound
		}
		if !e.detached {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// lookup finds a live entry, rehydrating it from the mirror when it is not in memory.
func (s *Store) lookup(ctx context.Context, id string) (*entry, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	if s.mirror == nil {
		return nil, ErrNotFound
	}

	restored, err := s.mirror.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("session mirror load failed", "session_id", id, "error", err)
		}
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// another caller may have restored it meanwhile
	if e, ok := s.sessions[id]; ok {
		return e, nil
	}
	e = &entry{session: *restored}
	e.session.ID = id
	s.sessions[id] = e
	s.logger.Debug("session restored from mirror", "session_id", id, "messages", len(restored.Messages))
	return e, nil
}
