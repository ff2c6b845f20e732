package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"chatrouter/internal/models"
	"chatrouter/internal/trace"
)

const (
	// FallbackReply is the assistant reply when the model call fails.
	FallbackReply = "I encountered an error. Please try again."

	DefaultMaxCycles = 8
)

var (
	// ErrTurnTimeout aborts a turn whose context expired or was cancelled.
	// Nothing from the turn is committed.
	ErrTurnTimeout = errors.New("turn timed out")
	ErrModel       = errors.New("model call failed")
	ErrTool        = errors.New("tool failed")
	ErrCycleLimit  = errors.New("tool cycle limit reached")
	ErrUnknownTool = errors.New("unknown tool")
)

// ChatModel produces the next assistant message for a transcript, with the
// given tool specs bound.
type ChatModel interface {
	Invoke(ctx context.Context, msgs []*models.Message, tools []*schema.ToolInfo) (*models.Message, error)
}

type Config struct {
	Model        ChatModel
	Tools        *Registry
	SystemPrompt string
	MaxCycles    int
	Sink         trace.Sink
	Logger       *slog.Logger
}

// Router runs one conversational turn through the compiled chat graph.
// It is stateless between turns and safe for concurrent use.
type Router struct {
	model        ChatModel
	tools        *Registry
	systemPrompt string
	maxCycles    int
	sink         trace.Sink
	logger       *slog.Logger

	runnable compose.Runnable[*turnState, *turnState]
	topology Topology
}

// TurnInput is everything a turn needs. History is the committed transcript
// and is never mutated.
type TurnInput struct {
	SessionID string
	History   []*models.Message
	Message   *models.Message
	// Observer receives the same events as the configured sink.
	Observer trace.Sink
}

// TurnResult carries the messages the caller should commit, in order,
// starting with the user message.
type TurnResult struct {
	Reply       *models.Message
	Messages    []*models.Message
	Transitions []State
	Cycles      int
}

func New(ctx context.Context, cfg Config) (*Router, error) {
	if cfg.Model == nil {
		return nil, errors.New("router requires a chat model")
	}
	r := &Router{
		model:        cfg.Model,
		tools:        cfg.Tools,
		systemPrompt: cfg.SystemPrompt,
		maxCycles:    cfg.MaxCycles,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
	}
	if r.tools == nil {
		r.tools = NewRegistry()
	}
	if r.maxCycles <= 0 {
		r.maxCycles = DefaultMaxCycles
	}
	if r.sink == nil {
		r.sink = trace.Nop
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	g, topo, err := buildGraph(r)
	if err != nil {
		return nil, err
	}
	// each cycle is one chatbot step plus one tools step
	runnable, err := g.Compile(ctx,
		compose.WithGraphName(graphName),
		compose.WithMaxRunSteps(2*r.maxCycles+4),
	)
	if err != nil {
		return nil, fmt.Errorf("compile chat graph: %w", err)
	}
	r.runnable = runnable
	r.topology = topo
	return r, nil
}

// Tools exposes the registry bound to the model.
func (r *Router) Tools() *Registry { return r.tools }

// Built reports whether the chat graph compiled.
func (r *Router) Built() bool { return r != nil && r.runnable != nil }

type turnState struct {
	sessionID string
	turn      int
	history   []*models.Message
	// produced holds this turn's messages, user message first
	produced    []*models.Message
	cycles      int
	transitions []State
	reply       *models.Message
	done        bool
	err         error
	observer    trace.Sink
}

func (st *turnState) enter(s State) {
	st.transitions = append(st.transitions, s)
}

func (st *turnState) finish(reply *models.Message) {
	reply.Role = models.RoleAssistant
	reply.ToolCalls = nil
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}
	st.produced = append(st.produced, reply)
	st.reply = reply
	st.done = true
}

func (st *turnState) abort(ctx context.Context) {
	cause := ctx.Err()
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	st.err = fmt.Errorf("%w: %w", ErrTurnTimeout, cause)
	st.done = true
}

// Run executes one turn. Model and tool failures are recovered into the
// transcript; only an expired or cancelled context returns an error.
func (r *Router) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	if in.Message == nil {
		return nil, errors.New("turn requires a user message")
	}
	user := in.Message.Clone()
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	st := &turnState{
		sessionID: in.SessionID,
		turn:      countTurns(in.History) + 1,
		history:   in.History,
		produced:  []*models.Message{user},
		observer:  in.Observer,
	}
	r.emit(st, trace.Event{Kind: trace.KindTurnStart})

	if ctx.Err() != nil {
		st.abort(ctx)
		return nil, r.end(st)
	}

	out, err := r.runnable.Invoke(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			st.abort(ctx)
			return nil, r.end(st)
		}
		st.err = fmt.Errorf("run chat graph: %w", err)
		return nil, r.end(st)
	}
	if out.err != nil {
		return nil, r.end(out)
	}
	if !out.done || out.reply == nil {
		out.err = errors.New("chat graph ended without a reply")
		return nil, r.end(out)
	}
	out.enter(StateDone)
	_ = r.end(out)

	return &TurnResult{
		Reply:       out.reply,
		Messages:    out.produced,
		Transitions: out.transitions,
		Cycles:      out.cycles,
	}, nil
}

func (r *Router) end(st *turnState) error {
	ev := trace.Event{Kind: trace.KindTurnEnd, Detail: fmt.Sprintf("cycles=%d", st.cycles)}
	if st.err != nil {
		ev.Error = st.err.Error()
	}
	r.emit(st, ev)
	return st.err
}

func (r *Router) emit(st *turnState, ev trace.Event) {
	ev.SessionID = st.sessionID
	ev.Turn = st.turn
	ev.At = time.Now().UTC()
	r.sink.Record(ev)
	if st.observer != nil {
		st.observer.Record(ev)
	}
}

// chat is the AWAITING_MODEL step.
func (r *Router) chat(ctx context.Context, st *turnState) (*turnState, error) {
	st.enter(StateAwaitingModel)
	if ctx.Err() != nil {
		st.abort(ctx)
		return st, nil
	}
	if st.cycles >= r.maxCycles {
		r.logger.Warn("tool cycle limit reached", "session_id", st.sessionID, "cycles", st.cycles)
		st.finish(models.NewAssistantMessage(fmt.Sprintf(
			"I stopped after %d model calls without reaching an answer. Please try rephrasing your request.", st.cycles)))
		return st, nil
	}
	st.cycles++

	reply, err := r.model.Invoke(ctx, r.modelInput(st), r.tools.Infos())
	if err != nil {
		if ctx.Err() != nil {
			st.abort(ctx)
			return st, nil
		}
		r.logger.Error("model invocation failed", "session_id", st.sessionID, "cycle", st.cycles,
			"error", fmt.Errorf("%w: %w", ErrModel, err))
		st.finish(models.NewAssistantMessage(FallbackReply))
		return st, nil
	}
	if reply == nil {
		reply = models.NewAssistantMessage("")
	}
	reply = reply.Clone()
	reply.Role = models.RoleAssistant
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}

	if !reply.HasToolCalls() {
		st.finish(reply)
		return st, nil
	}
	for i := range reply.ToolCalls {
		if reply.ToolCalls[i].ID == "" {
			reply.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", st.cycles, i)
		}
	}
	st.produced = append(st.produced, reply)
	return st, nil
}

// modelInput is replay history, this turn's messages, and the system
// instruction when nothing in the list already is one.
func (r *Router) modelInput(st *turnState) []*models.Message {
	msgs := make([]*models.Message, 0, len(st.history)+len(st.produced)+1)
	if r.systemPrompt != "" && !hasSystem(st.history) && !hasSystem(st.produced) {
		msgs = append(msgs, models.NewSystemMessage(r.systemPrompt))
	}
	msgs = append(msgs, st.history...)
	msgs = append(msgs, st.produced...)
	return msgs
}

// invoke is the AWAITING_TOOL step.
func (r *Router) invoke(ctx context.Context, st *turnState) (*turnState, error) {
	st.enter(StateAwaitingTool)
	pending := st.produced[len(st.produced)-1]

	var unknown []string
	for _, call := range pending.ToolCalls {
		if _, ok := r.tools.Lookup(call.Name); !ok {
			unknown = append(unknown, call.Name)
		}
	}
	if len(unknown) > 0 {
		r.logger.Warn("model requested unregistered tools", "session_id", st.sessionID, "tools", unknown,
			"error", ErrUnknownTool)
		// the tool-call message would dangle without results
		st.produced = st.produced[:len(st.produced)-1]
		st.finish(models.NewAssistantMessage(fmt.Sprintf(
			"I tried to use a tool that is not available (%s). Please try again.", strings.Join(unknown, ", "))))
		return st, nil
	}

	for _, call := range pending.ToolCalls {
		if ctx.Err() != nil {
			st.abort(ctx)
			return st, nil
		}
		t, _ := r.tools.Lookup(call.Name)
		out, err := r.runTool(ctx, t, call)
		ev := trace.Event{Kind: trace.KindToolInvoked, Tool: call.Name, Detail: call.Arguments}
		if err != nil {
			if ctx.Err() != nil {
				st.abort(ctx)
				return st, nil
			}
			r.logger.Warn("tool invocation failed", "session_id", st.sessionID, "tool", call.Name, "error", err)
			out = "Error: " + err.Error()
			ev.Error = err.Error()
		}
		r.emit(st, ev)
		st.produced = append(st.produced, models.NewToolResult(call, out))
	}
	return st, nil
}

func (r *Router) runTool(ctx context.Context, t tool.InvokableTool, call models.ToolCall) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrTool, call.Name, p)
		}
	}()
	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	out, err = t.InvokableRun(ctx, args)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrTool, call.Name, err)
	}
	return out, nil
}

func hasSystem(msgs []*models.Message) bool {
	for _, m := range msgs {
		if m != nil && m.Role == models.RoleSystem {
			return true
		}
	}
	return false
}

func countTurns(history []*models.Message) int {
	n := 0
	for _, m := range history {
		if m != nil && m.Role == models.RoleUser {
			n++
		}
	}
	return n
}
