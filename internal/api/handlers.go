package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatrouter/internal/auth"
	"chatrouter/internal/models"
	"chatrouter/internal/router"
	"chatrouter/internal/service/assistant"
	"chatrouter/internal/store"
	"chatrouter/internal/trace"
	"chatrouter/internal/worker"
)

const sessionHeader = "X-Session-ID"

// WorkerManager schedules turns; see worker.Manager.
type WorkerManager interface {
	Chat(ctx context.Context, req assistant.ChatRequest) (*assistant.ChatResult, error)
	DeleteSession(ctx context.Context, id string) error
}

// Backend serves the read-only and session bookkeeping routes.
type Backend interface {
	ResolveSession(ctx context.Context, id string) (string, error)
	NewSession(ctx context.Context) (string, error)
	History(ctx context.Context, id string) ([]*models.Message, error)
	Health(ctx context.Context) assistant.HealthReport
	Graph() router.Topology
}

// Handler wires HTTP routes to the assistant service and the turn workers.
type Handler struct {
	assistant   Backend
	auth        *auth.Service
	workers     WorkerManager
	turnTimeout time.Duration
	logger      *slog.Logger
}

type Options struct {
	Assistant Backend
	Auth      *auth.Service
	Workers   WorkerManager
	// TurnTimeout bounds queueing plus running a turn; zero means no bound
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	authService := opts.Auth
	if authService == nil {
		authService = auth.NewService(nil)
	}
	return &Handler{
		assistant:   opts.Assistant,
		auth:        authService,
		workers:     opts.Workers,
		turnTimeout: opts.TurnTimeout,
		logger:      logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	api := engine.Group("/api")
	api.GET("/health", h.health)

	protected := api.Group("")
	protected.Use(h.auth.Middleware())
	protected.POST("/chat", h.chat)
	protected.POST("/chat/stream", h.chatStream)
	protected.GET("/chat_history", h.chatHistory)
	protected.POST("/new_session", h.newSession)
	protected.DELETE("/sessions/:session_id", h.deleteSession)
	protected.GET("/graph", h.graph)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		return http.StatusBadRequest, "Message cannot be empty"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, router.ErrTurnTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the request timed out"
	default:
		return http.StatusInternalServerError, fmt.Sprintf("Error processing message: %v", err)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

// sessionFrom picks the session id from the body, then the header, then the query.
func sessionFrom(c *gin.Context, body string) string {
	if id := strings.TrimSpace(body); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader(sessionHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(c.Query("session_id"))
}

func (h *Handler) turnContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.turnTimeout > 0 {
		return context.WithTimeout(parent, h.turnTimeout)
	}
	return context.WithCancel(parent)
}

func responseSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.fail(c, assistant.ErrEmptyMessage)
		return
	}

	started := time.Now()
	ctx, cancel := h.turnContext(c.Request.Context())
	defer cancel()
	res, err := h.workers.Chat(ctx, assistant.ChatRequest{
		SessionID: sessionFrom(c, req.SessionID),
		Content:   req.Message,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(sessionHeader, res.SessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id":    res.SessionID,
		"response":      res.Reply.Content,
		"timestamp":     time.Now().Format(time.RFC3339Nano),
		"response_time": responseSeconds(time.Since(started)),
	})
}

func (h *Handler) chatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.fail(c, assistant.ErrEmptyMessage)
		return
	}
	sessionID, err := h.assistant.ResolveSession(c.Request.Context(), sessionFrom(c, req.SessionID))
	if err != nil {
		h.fail(c, err)
		return
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Header().Set(sessionHeader, sessionID)
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := sendEvent("ack", gin.H{"session_id": sessionID, "message": strings.TrimSpace(req.Message)}); err != nil {
		return
	}

	started := time.Now()
	ctx, cancel := h.turnContext(c.Request.Context())
	defer cancel()

	// events are produced on a worker goroutine; only this goroutine writes the response
	events := make(chan trace.Event, 32)
	observer := trace.SinkFunc(func(e trace.Event) {
		if e.Kind != trace.KindToolInvoked {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	type outcome struct {
		res *assistant.ChatResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.workers.Chat(ctx, assistant.ChatRequest{SessionID: sessionID, Content: req.Message, Observer: observer})
		done <- outcome{res, err}
	}()

	sendTool := func(e trace.Event) error {
		payload := gin.H{"tool": e.Tool, "detail": e.Detail}
		if e.Error != "" {
			payload["error"] = e.Error
		}
		return sendEvent("tool", payload)
	}
	for {
		select {
		case e := <-events:
			if err := sendTool(e); err != nil {
				return
			}
		case out := <-done:
			for drained := false; !drained; {
				select {
				case e := <-events:
					if err := sendTool(e); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			if out.err != nil {
				_, msg := errorStatus(out.err)
				_ = sendEvent("error", gin.H{"message": msg})
				return
			}
			_ = sendEvent("done", gin.H{
				"session_id":    out.res.SessionID,
				"response":      out.res.Reply.Content,
				"cycles":        out.res.Cycles,
				"timestamp":     time.Now().Format(time.RFC3339Nano),
				"response_time": responseSeconds(time.Since(started)),
			})
			return
		}
	}
}

func (h *Handler) chatHistory(c *gin.Context) {
	sessionID := sessionFrom(c, "")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	messages, err := h.assistant.History(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

func (h *Handler) newSession(c *gin.Context) {
	sessionID, err := h.assistant.NewSession(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(sessionHeader, sessionID)
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if err := h.workers.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type healthResponse struct {
	assistant.HealthReport
	Timestamp string `json:"timestamp"`
}

func (h *Handler) health(c *gin.Context) {
	report := h.assistant.Health(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, healthResponse{
		HealthReport: report,
		Timestamp:    time.Now().Format(time.RFC3339Nano),
	})
}

func (h *Handler) graph(c *gin.Context) {
	topo := h.assistant.Graph()
	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, topo)
		return
	}
	c.String(http.StatusOK, topo.Mermaid())
}
