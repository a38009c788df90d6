// Package server exposes the bot's HTTP health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/chatbot-api/internal/llm"
	"github.com/xaenox/chatbot-api/internal/storage"
	"go.uber.org/zap"
)

type Server struct {
	router  *gin.Engine
	store   storage.Storage
	gateway llm.Gateway
	logger  *zap.Logger
	timeout time.Duration
}

func New(store storage.Storage, gateway llm.Gateway, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		store:   store,
		gateway: gateway,
		logger:  logger.Named("server"),
		timeout: 5 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	s.router.GET("/health", s.health)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// health reports the database and LLM backend. The database is required;
// an unreachable backend only degrades the status.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok", "database": "ok", "llm": "ok"}

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Database health check failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["database"] = err.Error()
	}

	models, err := s.gateway.ListModels(ctx)
	switch {
	case err != nil:
		s.logger.Warn("LLM health check failed", zap.Error(err))
		if status == http.StatusOK {
			body["status"] = "degraded"
		}
		body["llm"] = err.Error()
	default:
		body["models"] = models
	}

	c.JSON(status, body)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Health server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown health server: %w", err)
		}
		s.logger.Info("Health server stopped")
		return nil
	}
}
