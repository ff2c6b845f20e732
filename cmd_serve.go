package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatrouter/internal/api"
	"chatrouter/internal/auth"
)

// ServeCmd runs the HTTP API.
type ServeCmd struct {
	Addr string `help:"Listen address, overrides basic_config.server_address"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, logger, err := loadApp(cli)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startWorkers()

	authService := auth.NewService(cfg.BasicConfig.APIKeys)
	handlers := api.NewHandler(api.Options{
		Assistant:   a.assistant,
		Auth:        authService,
		Workers:     a.workers,
		TurnTimeout: cfg.TurnTimeout(),
		Logger:      logger.With("component", "api"),
	})

	if parseLogLevel(cfg.BasicConfig.LogLevel) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger.With("component", "http")))
	handlers.RegisterRoutes(router)

	addr := s.Addr
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":5000"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr, "api_keys", authService.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TurnTimeout()+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
