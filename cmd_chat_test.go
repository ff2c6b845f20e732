package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/models"
	"chatrouter/internal/service/assistant"
	"chatrouter/internal/trace"
)

type scriptedRunner struct {
	requests []assistant.ChatRequest
	failOn   string
}

func (s *scriptedRunner) Chat(_ context.Context, req assistant.ChatRequest) (*assistant.ChatResult, error) {
	s.requests = append(s.requests, req)
	if req.Content == s.failOn {
		return nil, errors.New("model exploded")
	}
	if req.Observer != nil && strings.HasPrefix(req.Content, "search") {
		req.Observer.Record(trace.Event{Kind: trace.KindToolInvoked, Tool: "web_search", Detail: `{"query":"go"}`})
	}
	id := req.SessionID
	if id == "" {
		id = "session_1"
	}
	return &assistant.ChatResult{SessionID: id, Reply: models.NewAssistantMessage("re: " + req.Content)}, nil
}

func runREPL(t *testing.T, runner *scriptedRunner, input string, maxTurns int) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{chat: runner, in: strings.NewReader(input), out: &out, maxTurns: maxTurns}
	require.NoError(t, r.run(context.Background()))
	return out.String()
}

func TestREPLKeepsSessionAndExits(t *testing.T) {
	runner := &scriptedRunner{}
	out := runREPL(t, runner, "hello\n\nsearch go\nQUIT\nnever sent\n", 10)

	require.Len(t, runner.requests, 2)
	assert.Equal(t, "", runner.requests[0].SessionID)
	assert.Equal(t, "session_1", runner.requests[1].SessionID)
	assert.Contains(t, out, "Assistant: re: hello")
	assert.Contains(t, out, `[web_search] {"query":"go"}`)
	assert.Contains(t, out, "Goodbye! Thanks for chatting!")
}

func TestREPLStopsAtMaxTurns(t *testing.T) {
	runner := &scriptedRunner{}
	out := runREPL(t, runner, "one\ntwo\nthree\n", 2)

	assert.Len(t, runner.requests, 2)
	assert.Contains(t, out, "Reached maximum conversation turns (2)")
}

func TestREPLEndOfInput(t *testing.T) {
	runner := &scriptedRunner{}
	out := runREPL(t, runner, "only\n", 5)

	assert.Len(t, runner.requests, 1)
	assert.Contains(t, out, "End of input. Goodbye!")
}

func TestREPLSurvivesTurnErrors(t *testing.T) {
	runner := &scriptedRunner{failOn: "boom"}
	out := runREPL(t, runner, "boom\nafter\n", 5)

	require.Len(t, runner.requests, 2)
	assert.Contains(t, out, "Error processing response: model exploded")
	assert.Contains(t, out, "Assistant: re: after")
}

func TestREPLInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	// a reader that never yields keeps the loop waiting on input
	pr := blockingReader{}
	r := &repl{chat: &scriptedRunner{}, in: pr, out: &out, maxTurns: 5}
	require.NoError(t, r.run(ctx))
	assert.Contains(t, out.String(), "Session interrupted")
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

func TestIsExit(t *testing.T) {
	for _, in := range []string{"quit", "EXIT", "q"} {
		assert.True(t, isExit(in), in)
	}
	assert.False(t, isExit("quitting"))
}
