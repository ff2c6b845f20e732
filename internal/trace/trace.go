package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindTurnStart   Kind = "turn_start"
	KindToolInvoked Kind = "tool_invoked"
	KindTurnEnd     Kind = "turn_end"
)

// Event is one observation of a turn in flight.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	Tool      string    `json:"tool,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives turn events. Record must not block the caller for long and
// never reports failure; tracing is best-effort.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) {
	if f != nil {
		f(e)
	}
}

type nop struct{}

func (nop) Record(Event) {}

// Nop discards every event.
var Nop Sink = nop{}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(e Event) {
	if s == nil || s.logger == nil {
		return
	}
	attrs := []any{"kind", string(e.Kind), "session_id", e.SessionID, "turn", e.Turn}
	if e.Tool != "" {
		attrs = append(attrs, "tool", e.Tool)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
		s.logger.Warn("turn event", attrs...)
		return
	}
	s.logger.Info("turn event", attrs...)
}

// Publisher is the part of the redis client RedisSink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	pub     Publisher
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisSink(pub Publisher, channel string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{pub: pub, channel: channel, timeout: 2 * time.Second, logger: logger}
}

func (s *RedisSink) Record(e Event) {
	if s == nil || s.pub == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("trace event marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.pub.Publish(ctx, s.channel, payload); err != nil {
		s.logger.Warn("trace event publish failed", "channel", s.channel, "error", err)
	}
}

// Async hands events to a background goroutine through a bounded buffer.
// When the buffer is full the event is dropped and counted.
type Async struct {
	next    Sink
	events  chan Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewAsync(next Sink, size int) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{next: next, events: make(chan Event, size), done: make(chan struct{})}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.events {
		a.next.Record(e)
	}
}

func (a *Async) Record(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close flushes buffered events and stops the goroutine.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	<-a.done
}

type multi []Sink

func (m multi) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}
