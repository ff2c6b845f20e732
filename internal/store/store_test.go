package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCreateProducesDistinctIDs(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Create(ctx)
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.True(t, strings.HasPrefix(id, "session_"), id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, s.Len())
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, id, models.NewUserMessage("hi")))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"
	got.Messages = append(got.Messages, models.NewUserMessage("extra"))

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, "hi", again.Messages[0].Content)
}

func TestGetUnknownSession(t *testing.T) {
	s := New(Options{})
	_, err := s.Get(context.Background(), "session_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentAppendsAreAllKept(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)

	const writers, perWriter = 16, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// each append is a pair that must stay adjacent
				call := models.ToolCall{ID: fmt.Sprintf("call_%d_%d", w, i), Name: "web_search"}
				assistant := &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}}
				assert.NoError(t, s.Append(ctx, id, assistant, models.NewToolResult(call, "ok")))
			}
		}(w)
	}
	wg.Wait()

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, writers*perWriter*2)
	for i := 0; i < len(got.Messages); i += 2 {
		require.True(t, got.Messages[i].HasToolCalls())
		assert.Equal(t, got.Messages[i].ToolCalls[0].ID, got.Messages[i+1].ToolCallID)
	}
	assert.NoError(t, models.ValidateTranscript(got.Messages))
}

func TestResolveOrCreate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(Options{Now: clock.Now})
	ctx := context.Background()

	fresh, err := s.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh)

	clock.Advance(time.Minute)
	same, err := s.ResolveOrCreate(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh, same)
	got, err := s.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.LastActivity)

	other, err := s.ResolveOrCreate(ctx, "session_from_elsewhere")
	require.NoError(t, err)
	assert.NotEqual(t, "session_from_elsewhere", other)
	assert.NotEqual(t, fresh, other)
	assert.Equal(t, 2, s.Len())
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, "session_never_existed"))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Append(ctx, id, models.NewUserMessage("late")), ErrNotFound)
}

func TestAppendToDeletedSessionWhileHeld(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)

	e, err := s.lookup(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	// a writer that found the entry before deletion must not resurrect it
	e.mu.Lock()
	deleted := e.deleted
	e.mu.Unlock()
	assert.True(t, deleted)
	assert.True(t, errors.Is(s.Append(ctx, id, models.NewUserMessage("x")), ErrNotFound))
}

func TestEvictIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(Options{IdleTTL: 10 * time.Minute, Now: clock.Now})
	ctx := context.Background()

	stale, err := s.Create(ctx)
	require.NoError(t, err)
	clock.Advance(8 * time.Minute)
	active, err := s.Create(ctx)
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)

	evicted := s.EvictIdle(clock.Now())
	assert.Equal(t, []string{stale}, evicted)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(ctx, stale)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, active)
	assert.NoError(t, err)
}

func TestEvictIdleDisabled(t *testing.T) {
	s := New(Options{})
	_, err := s.Create(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s.EvictIdle(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, s.Len())
}

func TestJanitorEvicts(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	s := New(Options{IdleTTL: time.Minute, Now: clock.Now})
	defer s.Stop()
	_, err := s.Create(context.Background())
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	require.NoError(t, s.StartJanitor(time.Second))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, 5*time.Second, 50*time.Millisecond)
}

type recordingMirror struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	calls    []string
	failPut  bool
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{sessions: make(map[string]*models.Session)}
}

func (m *recordingMirror) Kind() string { return "memory" }

func (m *recordingMirror) Put(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "put")
	if m.failPut {
		return errors.New("mirror down")
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *recordingMirror) Append(_ context.Context, id string, msgs []*models.Message, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "append")
	sess, ok := m.sessions[id]
	if !ok {
		sess = &models.Session{ID: id, CreatedAt: at}
		m.sessions[id] = sess
	}
	sess.Messages = append(sess.Messages, models.CloneMessages(msgs)...)
	sess.LastActivity = at
	return nil
}

func (m *recordingMirror) Load(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *recordingMirror) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "delete")
	delete(m.sessions, id)
	return nil
}

func TestMirrorWriteThroughAndRehydrate(t *testing.T) {
	mirror := newRecordingMirror()
	ctx := context.Background()
	first := New(Options{Mirror: mirror})
	assert.Equal(t, "memory", first.MirrorKind())

	id, err := first.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, id, models.NewUserMessage("hello"), models.NewAssistantMessage("hi there")))

	// a second process sharing the mirror sees the session
	second := New(Options{Mirror: mirror})
	resolved, err := second.ResolveOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, resolved)
	got, err := second.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi there", got.Messages[1].Content)

	require.NoError(t, second.Delete(ctx, id))
	_, err = New(Options{Mirror: mirror}).Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"put", "append", "delete"}, mirror.calls)
}

func TestMirrorFailureDoesNotFailStore(t *testing.T) {
	mirror := newRecordingMirror()
	mirror.failPut = true
	s := New(Options{Mirror: mirror})
	ctx := context.Background()

	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, id, models.NewUserMessage("still works")))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
}

func TestEvictedSessionComesBackFromMirror(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	mirror := newRecordingMirror()
	s := New(Options{IdleTTL: time.Minute, Mirror: mirror, Now: clock.Now})
	ctx := context.Background()

	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, id, models.NewUserMessage("remember me")))
	clock.Advance(time.Hour)
	require.Equal(t, []string{id}, s.EvictIdle(clock.Now()))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "remember me", got.Messages[0].Content)
}

func TestForgetReloadsFromMirror(t *testing.T) {
	mirror := newRecordingMirror()
	ctx := context.Background()
	s := New(Options{Mirror: mirror})
	id, err := s.Create(ctx)
	require.NoError(t, err)

	// another replica appends through the shared mirror
	require.NoError(t, New(Options{Mirror: mirror}).Append(ctx, id, models.NewUserMessage("from elsewhere")))
	stale, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stale.Messages)

	assert.True(t, s.Forget(id))
	assert.False(t, s.Forget(id))
	fresh, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, fresh.Messages, 1)
	assert.Equal(t, "from elsewhere", fresh.Messages[0].Content)
}

func TestForgetWithoutMirrorLosesSession(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.True(t, s.Forget(id))
	assert.ErrorIs(t, s.Append(ctx, id, models.NewUserMessage("x")), ErrNotFound)
}
