package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"

	"chatrouter/internal/config"
	"chatrouter/internal/redis"
	"chatrouter/internal/router"
	"chatrouter/internal/service/ai"
	"chatrouter/internal/service/assistant"
	"chatrouter/internal/storage"
	"chatrouter/internal/store"
	"chatrouter/internal/trace"
	"chatrouter/internal/worker"
)

// app holds the wired components shared by the serve and chat commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	assistant *assistant.Service
	workers   *worker.Manager
	rdb       *redis.Client
	db        *sql.DB
	tracer    *trace.Async
}

// loadApp reads config and builds the logger; used by every command.
func loadApp(cli *CLI) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.BasicConfig.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.BasicConfig.LogFormat
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat = level, format
	return cfg, createLogger(os.Stderr, level, format), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.connectRedis(); err != nil {
		return nil, err
	}
	mirror, err := a.openMirror()
	if err != nil {
		return nil, err
	}
	a.store = store.New(store.Options{
		IdleTTL: time.Duration(cfg.Sessions.IdleTTL) * time.Second,
		Mirror:  mirror,
		Logger:  logger.With("component", "store"),
	})
	if err := a.store.StartJanitor(time.Duration(cfg.Sessions.SweepInterval) * time.Second); err != nil {
		return nil, err
	}

	spec, err := ai.SpecFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	chatModel, err := ai.NewChatModel(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	registry := router.NewRegistry()
	for _, t := range ai.InitToolsChain(ctx, cfg, logger.With("component", "tools")) {
		if err := registry.Register(ctx, t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	r, err := router.New(ctx, router.Config{
		Model:        chatModel,
		Tools:        registry,
		SystemPrompt: cfg.Chat.SystemPrompt,
		MaxCycles:    cfg.Chat.MaxCycles,
		Sink:         a.traceSink(),
		Logger:       logger.With("component", "router"),
	})
	if err != nil {
		return nil, err
	}

	a.assistant, err = assistant.NewService(assistant.Options{
		Store:        a.store,
		Router:       r,
		TurnTimeout:  cfg.TurnTimeout(),
		Tracing:      cfg.Trace.Enabled,
		RequireTools: cfg.SearchAvailable(),
		Logger:       logger.With("component", "assistant"),
	})
	if err != nil {
		return nil, err
	}
	if dir := cfg.Chat.SaveGraphDir; dir != "" {
		saveGraph(afero.NewOsFs(), dir, r.Topology(), logger)
	}
	if report := a.assistant.Health(ctx); !report.Healthy() {
		logger.Error("chat assistant health check failed", "errors", report.Errors)
	}
	logger.Info("chat assistant ready", "model", chatModel.Name(), "tools", registry.Names(),
		"mirror", a.store.MirrorKind(), "tracing", cfg.Trace.Enabled)
	return a, nil
}

// saveGraph exports the chat graph at startup; failures only warn.
func saveGraph(fs afero.Fs, dir string, topo router.Topology, logger *slog.Logger) {
	path, err := router.ExportGraph(fs, dir, topo)
	if err != nil {
		logger.Warn("chat graph not saved", "dir", dir, "error", err)
		return
	}
	logger.Info("chat graph saved", "path", path)
}

// startWorkers enables the turn dispatcher; only the HTTP server needs it.
func (a *app) startWorkers() {
	a.workers = worker.NewManager(a.assistant, worker.DispatcherConfig{
		MinWorkers:  a.cfg.BasicConfig.MinWorkers,
		MaxWorkers:  a.cfg.BasicConfig.MaxWorkers,
		QueueSize:   a.cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(a.cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		Logger:      a.logger.With("component", "worker"),
	})
	if a.store.MirrorKind() == "redis" {
		a.workers.EnableInvalidation(a.rdb)
	}
}

// connectRedis is required for the redis mirror and optional otherwise.
func (a *app) connectRedis() error {
	needed := a.cfg.Sessions.Mirror == "redis"
	if !needed && a.cfg.Redis.Host == "" {
		return nil
	}
	rdb, err := redis.NewRedisClient(a.cfg)
	if err != nil {
		if needed {
			return fmt.Errorf("create redis client: %w", err)
		}
		a.logger.Warn("redis unavailable, continuing without it", "error", err)
		return nil
	}
	a.rdb = rdb
	return nil
}

func (a *app) openMirror() (store.Mirror, error) {
	switch kind := a.cfg.Sessions.Mirror; kind {
	case "", "none":
		return nil, nil
	case "redis":
		return store.NewRedisMirror(a.rdb, time.Duration(a.cfg.Sessions.MirrorTTL)*time.Second), nil
	default:
		db, err := storage.Open(kind, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		if err := storage.Migrate(db, kind); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return store.NewSQLMirror(db, kind), nil
	}
}

func (a *app) traceSink() trace.Sink {
	tc := a.cfg.Trace
	if !tc.Enabled {
		return trace.Nop
	}
	var sinks []trace.Sink
	if tc.Log {
		sinks = append(sinks, trace.NewLogSink(a.logger.With("component", "trace")))
	}
	if a.rdb != nil && tc.RedisChannel != "" {
		sinks = append(sinks, trace.NewRedisSink(a.rdb, tc.RedisChannel, a.logger))
	}
	if len(sinks) == 0 {
		return trace.Nop
	}
	a.tracer = trace.NewAsync(trace.Multi(sinks...), tc.BufferSize)
	return a.tracer
}

// Close releases everything in reverse order of construction.
func (a *app) Close() {
	if a.workers != nil {
		a.workers.Stop()
	}
	if a.store != nil {
		a.store.Stop()
	}
	if a.tracer != nil {
		a.tracer.Close()
		if n := a.tracer.Dropped(); n > 0 {
			a.logger.Warn("trace events dropped", "count", n)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
}
