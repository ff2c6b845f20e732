package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"chatrouter/internal/config"
)

const WebSearchToolName = "web_search"

// InitToolsChain builds every tool enabled by cfg.
func InitToolsChain(ctx context.Context, cfg *config.Config, logger *slog.Logger) []tool.InvokableTool {
	if logger == nil {
		logger = slog.Default()
	}
	var tools []tool.InvokableTool
	if cfg != nil && cfg.SearchAvailable() {
		if ws := InitWebSearch(ctx, cfg.Search, logger); ws != nil {
			tools = append(tools, ws)
		}
	} else {
		logger.Info("web search tool disabled")
	}
	return tools
}

// InitWebSearch wires the search providers behind one web_search tool.
func InitWebSearch(ctx context.Context, cfg config.SearchConfig, logger *slog.Logger) tool.InvokableTool {
	googleTool := InitGooglesearch(ctx, cfg, logger)
	var duckTool tool.InvokableTool
	if !cfg.DisableDuckDuckGo {
		duckTool = InitDDGsearch(ctx, cfg, logger)
	}
	if googleTool == nil && duckTool == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}
	return newWebSearchTool(cfg, logger, googleTool, duckTool)
}

func newWebSearchTool(cfg config.SearchConfig, logger *slog.Logger, providers ...tool.InvokableTool) tool.InvokableTool {
	ws := &webSearchTool{
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		logger:     logger,
	}
	for _, p := range providers {
		if p != nil {
			ws.providers = append(ws.providers, p)
		}
	}
	if cfg.RateLimit > 0 {
		ws.limiter = newToolRateLimiter(cfg.RateLimit, WebSearchRateWindow)
	}

	info := &schema.ToolInfo{
		Name: WebSearchToolName,
		Desc: "Search the web for current information; " +
			"automatically falls back to another provider if needed; " +
			"fetches the page instead when the query is a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	providers  []tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if w.limiter != nil {
		key := "global"
		if sessionID, ok := ToolSessionFromContext(ctx); ok {
			key = "session:" + sessionID
		}
		if !w.limiter.Allow(key) {
			return "", errors.New("web search rate limit exceeded, please retry in a minute")
		}
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.Warn("web url fetch failed", "url", query, "error", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	var lastErr error
	for _, provider := range w.providers {
		result, err := provider.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		w.logger.Warn("search provider failed", "provider", providerName(ctx, provider), "error", err)
	}
	if lastErr != nil {
		return "", fmt.Errorf("no search provider succeeded: %w", lastErr)
	}
	return "", errors.New("no search provider succeeded")
}

func providerName(ctx context.Context, t tool.InvokableTool) string {
	info, err := t.Info(ctx)
	if err != nil || info == nil {
		return "unknown"
	}
	return info.Name
}

// InitDDGsearch builds the DuckDuckGo provider; it needs no credentials.
func InitDDGsearch(ctx context.Context, cfg config.SearchConfig, logger *slog.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: maxResults(cfg),
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		logger.Warn("duckduckgo search tool disabled", "error", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch builds the Google Custom Search provider when credentials exist.
func InitGooglesearch(ctx context.Context, cfg config.SearchConfig, logger *slog.Logger) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleSearchEngineID == "" {
		logger.Info("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleSearchEngineID,
		Lang:           "en",
		Num:            maxResults(cfg),
	})
	if err != nil {
		logger.Warn("google search tool disabled", "error", err)
		return nil
	}
	return googleTool
}

func maxResults(cfg config.SearchConfig) int {
	if cfg.MaxResults <= 0 {
		return config.DefaultSearchResults
	}
	return cfg.MaxResults
}
