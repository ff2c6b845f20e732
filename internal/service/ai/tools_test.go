package ai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/config"
)

type stubProvider struct {
	name   string
	result string
	err    error
	calls  int
}

func (s *stubProvider) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: s.name}, nil
}

func (s *stubProvider) InvokableRun(_ context.Context, _ string, _ ...tool.Option) (string, error) {
	s.calls++
	return s.result, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebSearchFallsBackToNextProvider(t *testing.T) {
	google := &stubProvider{name: "web_search_google", err: errors.New("quota exceeded")}
	duck := &stubProvider{name: "web_search_ddg", result: "ddg: latest AI news"}
	ws := newWebSearchTool(config.SearchConfig{}, quietLogger(), google, duck)

	info, err := ws.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, WebSearchToolName, info.Name)

	out, err := ws.InvokableRun(context.Background(), `{"query":"latest AI news"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "ddg: latest AI news")
	assert.Equal(t, 1, google.calls)
	assert.Equal(t, 1, duck.calls)
}

func TestWebSearchAllProvidersFail(t *testing.T) {
	duck := &stubProvider{name: "web_search_ddg", err: errors.New("blocked")}
	ws := newWebSearchTool(config.SearchConfig{}, quietLogger(), duck)

	_, err := ws.InvokableRun(context.Background(), `{"query":"anything"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	_, err = ws.InvokableRun(context.Background(), `{"query":"  "}`)
	assert.Error(t, err)
}

func TestWebSearchFetchesURLAsMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><script>var x = 1;</script></head>
			<body><h1>Release notes</h1><p>Version <strong>2.0</strong> is out.</p></body></html>`)
	}))
	defer srv.Close()

	provider := &stubProvider{name: "web_search_ddg", result: "unused"}
	ws := newWebSearchTool(config.SearchConfig{}, quietLogger(), provider)
	out, err := ws.InvokableRun(context.Background(), `{"query":"`+srv.URL+`"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Release notes")
	assert.Contains(t, out, "**2.0**")
	assert.NotContains(t, out, "var x")
	assert.Equal(t, 0, provider.calls)
}

func TestWebSearchRateLimitPerSession(t *testing.T) {
	provider := &stubProvider{name: "web_search_ddg", result: "ok"}
	ws := newWebSearchTool(config.SearchConfig{RateLimit: 2}, quietLogger(), provider)

	ctxA := WithToolSession(context.Background(), "session_a")
	ctxB := WithToolSession(context.Background(), "session_b")
	for i := 0; i < 2; i++ {
		_, err := ws.InvokableRun(ctxA, `{"query":"q"}`)
		require.NoError(t, err)
	}
	_, err := ws.InvokableRun(ctxA, `{"query":"q"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")

	_, err = ws.InvokableRun(ctxB, `{"query":"q"}`)
	assert.NoError(t, err)
}

func TestToolRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newToolRateLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("k"))
}

func TestExtractTextFromHTML(t *testing.T) {
	text, err := extractTextFromHTML(`<body><style>p{}</style><p> one </p>
		<p>two</p></body>`)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", text)
}

func TestToolSessionContext(t *testing.T) {
	_, ok := ToolSessionFromContext(context.Background())
	assert.False(t, ok)
	id, ok := ToolSessionFromContext(WithToolSession(context.Background(), "s1"))
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.Equal(t, context.Background(), WithToolSession(context.Background(), ""))
}

func TestInitToolsChainDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Search.Enabled = false
	assert.Empty(t, InitToolsChain(context.Background(), cfg, quietLogger()))
}
