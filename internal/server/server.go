// Пакет server — HTTP-сервер Distribution Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/goartstore/distribution-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/distribution-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/distribution-module/internal/config"
)

// Handlers — обработчики, монтируемые сервером.
type Handlers struct {
	Health    *handlers.HealthHandler
	Artifacts *handlers.ArtifactsHandler
	Install   *handlers.InstallHandler
}

// Server — HTTP-сервер Distribution Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware для /api/v1 (может быть nil для тестирования без auth).
func New(cfg *config.Config, logger *slog.Logger, h Handlers, jwtAuth *middleware.JWTAuth) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(logger, h, jwtAuth),
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
			IdleTimeout:  cfg.HTTPIdleTimeout,
		},
		logger: logger,
		cfg:    cfg,
	}
}

// NewRouter собирает маршруты.
//
// Публичные (без JWT):
//   - /health/live, /health/ready, /metrics
//   - /install/{token}/... — доступ определяется самим download-токеном
//
// /api/v1 — только с JWT: запись требует роли admin/uploader
// или scope artifacts:write, чтение — также artifacts:read.
func NewRouter(logger *slog.Logger, h Handlers, jwtAuth *middleware.JWTAuth) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)

	router.Route("/install/{token}", func(r chi.Router) {
		r.Get("/manifest.plist", h.Install.Manifest)
		r.Get("/binary", h.Install.Binary)
		r.Get("/profile.mobileconfig", h.Install.Profile)
	})

	writers := middleware.RequireRoleOrScope(
		[]string{middleware.RoleAdmin, middleware.RoleUploader},
		[]string{middleware.ScopeArtifactsWrite},
	)
	readers := middleware.RequireRoleOrScope(
		[]string{middleware.RoleAdmin, middleware.RoleUploader},
		[]string{middleware.ScopeArtifactsRead, middleware.ScopeArtifactsWrite},
	)

	router.Route("/api/v1/artifacts", func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		}

		r.With(writers).Post("/", h.Artifacts.Upload)
		r.With(readers).Get("/", h.Artifacts.List)

		r.Route("/{artifact_id}", func(r chi.Router) {
			r.With(readers).Get("/", h.Artifacts.Get)
			r.With(writers).Post("/inspect", h.Artifacts.Inspect)
			r.With(readers).Post("/tokens", h.Artifacts.IssueToken)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
