// Пакет server — HTTP-сервер Dealer Desk с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/dealerdesk/internal/api/handlers"
	"github.com/bigkaa/dealerdesk/internal/api/middleware"
	"github.com/bigkaa/dealerdesk/internal/api/openapi"
	"github.com/bigkaa/dealerdesk/internal/config"
	"github.com/bigkaa/dealerdesk/internal/domain/rbac"
	"github.com/bigkaa/dealerdesk/internal/public"
)

// Server — HTTP-сервер Dealer Desk.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Routes — обработчики, из которых собирается роутер.
type Routes struct {
	API    *handlers.APIHandler
	Health *handlers.HealthHandler
	Public *public.Handler
	// Auth — JWT middleware admin API. nil — admin API не регистрируется.
	Auth *middleware.JWTAuth
}

// NewRouter собирает chi-роутер: health, публичные страницы и admin API.
func NewRouter(version string, logger *slog.Logger, rt Routes) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.AppVersion(version))

	// Health и metrics проверяются Kubernetes напрямую.
	router.Get("/health/live", rt.Health.HealthLive)
	router.Get("/health/ready", rt.Health.HealthReady)
	router.Get("/metrics", rt.Health.GetMetrics)

	rt.Public.Routes(router)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/openapi.yaml", openapi.Handler())

		if rt.Auth == nil {
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(rt.Auth.Middleware())
			mountAdmin(r, rt.API)
		})
	})

	return router
}

// mountAdmin регистрирует маршруты admin API с проверкой ролей.
func mountAdmin(r chi.Router, h *handlers.APIHandler) {
	viewer := middleware.RequireRole(rbac.RoleViewer)
	clerk := middleware.RequireRole(rbac.RoleClerk)
	admin := middleware.RequireRole(rbac.RoleAdmin)

	r.With(viewer).Get("/stages", h.ListStages)
	r.With(viewer).Get("/events", h.StreamEvents)

	r.Route("/registrations", func(r chi.Router) {
		r.With(middleware.RequireRoleOrScope(rbac.RoleClerk, middleware.ScopeRegistrationsWrite)).
			Post("/", h.CreateRegistration)
		r.With(viewer).Get("/", h.ListRegistrations)

		r.Route("/{id}", func(r chi.Router) {
			r.With(viewer).Get("/", h.GetRegistration)
			r.With(viewer).Get("/audit", h.GetRegistrationAudit)
			r.With(viewer).Get("/notifications", h.ListRegistrationNotifications)

			r.With(clerk).Post("/stage", h.UpdateStage)
			r.With(clerk).Patch("/documents", h.UpdateDocuments)
			r.With(clerk).Post("/notifications/{notificationId}/retry", h.RetryNotification)
			r.With(clerk).Post("/contact-verification", h.SendContactVerification)

			r.With(admin).Put("/notification-preference", h.SetNotificationPreference)
			r.With(admin).Post("/archive", h.ArchiveRegistration)
		})
	})

	r.With(viewer).Get("/vehicles/{id}", h.GetVehicle)
	r.With(viewer).Get("/vehicles/{id}/availability", h.GetVehicleAvailability)

	r.With(viewer).Get("/plates", h.ListExpiringPlates)
	r.With(viewer).Get("/plates/{id}/audit", h.GetPlateAudit)
	r.With(clerk).Post("/plates/{id}/assign", h.AssignPlate)
	r.With(clerk).Post("/plates/{id}/release", h.ReleasePlate)

	r.With(clerk).Post("/rentals", h.CreateBooking)
	r.With(viewer).Get("/rentals/{id}", h.GetBooking)
	r.With(viewer).Get("/rentals/{id}/audit", h.GetBookingAudit)
	r.With(clerk).Put("/rentals/{id}/insurance", h.SetBookingInsurance)
	r.With(clerk).Post("/rentals/{id}/status", h.SetBookingStatus)
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
func New(cfg *config.Config, logger *slog.Logger, rt Routes) *Server {
	// WriteTimeout не задаётся: SSE-поток /api/v1/events живёт долго.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg.AppVersion, logger, rt),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if rt.API != nil {
		srv.RegisterOnShutdown(rt.API.CloseStreams)
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. После этого выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
