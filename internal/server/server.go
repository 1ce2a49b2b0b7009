// Пакет server — HTTP-сервер DocVault с graceful shutdown.
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

	"github.com/bigkaa/docvault/internal/api/handlers"
	"github.com/bigkaa/docvault/internal/api/middleware"
	"github.com/bigkaa/docvault/internal/config"
	"github.com/bigkaa/docvault/internal/domain/rbac"
)

// Server — HTTP-сервер DocVault.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// auth — JWT middleware для защищённых маршрутов.
// middlewares — общие middleware (metrics, logging), добавляются в порядке переданного среза
// после RequestID, RealIP и Recoverer.
func New(cfg *config.Config, logger *slog.Logger, h *handlers.APIHandler, auth func(http.Handler) http.Handler, middlewares ...func(http.Handler) http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(h, auth, middlewares...),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты API.
//
//	/health/live, /health/ready, /metrics   — без аутентификации
//	GET /api/v1/access/{token}              — без аутентификации (токен и есть доступ)
//	/api/v1/employees/..., /api/v1/files/... — JWT
//	/api/v1/admin/..., backup, verify        — JWT + роль admin или hr
func NewRouter(h *handlers.APIHandler, auth func(http.Handler) http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	for _, mw := range middlewares {
		router.Use(mw)
	}

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/access/{token}", h.ResolveToken)

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Post("/employees/{employee_id}/files/{category}", h.UploadFile)
			r.Get("/employees/{employee_id}/files", h.ListFiles)

			r.Get("/files/{file_id}/download", h.DownloadFile)
			r.Delete("/files/{file_id}", h.DeleteFile)
			r.Post("/files/{file_id}/tokens", h.IssueToken)
			r.Delete("/access/{token}", h.RevokeToken)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(rbac.RoleAdmin, rbac.RoleHR))

				r.Post("/files/{file_id}/backup", h.BackupFile)
				r.Post("/files/{file_id}/verify", h.VerifyFile)

				r.Route("/admin", func(r chi.Router) {
					r.Post("/containers/{employee_id}/init", h.InitContainer)
					r.Post("/containers/{employee_id}/repair", h.RepairContainer)
					r.Get("/containers/{employee_id}/health", h.ContainerHealth)
					r.Post("/health", h.HealthCheck)
					r.Post("/bulk", h.Bulk)
				})
			})
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
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
