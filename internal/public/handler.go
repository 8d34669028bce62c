// Пакет public — страницы для клиентов без аутентификации:
// трекер регистрации и отписка от уведомлений.
//
// Доступ определяется только токеном из ссылки. Любая недействительная
// ссылка получает один и тот же ответ 404, чтобы по ответу нельзя было
// отличить неизвестный заказ от неверного токена.
package public

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/dealerdesk/internal/api/errors"
	"github.com/bigkaa/dealerdesk/internal/service"
)

// Handler — обработчик публичных страниц.
type Handler struct {
	tracker       *service.TrackerService
	registrations *service.RegistrationService
	dealerPhone   string
	logger        *slog.Logger
}

// NewHandler создаёт обработчик публичных страниц.
func NewHandler(
	tracker *service.TrackerService,
	registrations *service.RegistrationService,
	dealerPhone string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		tracker:       tracker,
		registrations: registrations,
		dealerPhone:   dealerPhone,
		logger:        logger.With(slog.String("component", "public")),
	}
}

// Routes регистрирует публичные маршруты.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/track/{ref}", h.HandleTrack)
	r.Get("/unsubscribe", h.HandleUnsubscribe)
}

// HandleTrack обрабатывает GET /track/{orderId}-{accessToken}.
// При Accept: application/json отдаёт ту же проекцию в JSON.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	privateHeaders(w)
	asJSON := wantsJSON(r)

	view, err := h.tracker.ResolveRef(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTrackerNotFound):
			if asJSON {
				apierrors.NotFound(w, "Регистрация не найдена")
				return
			}
			h.render(w, r, http.StatusNotFound, NotFoundPage(h.dealerPhone))
		default:
			h.logger.Error("Ошибка трекера", slog.String("error", err.Error()))
			if asJSON {
				apierrors.StoreUnavailable(w, "Статус временно недоступен")
				return
			}
			h.render(w, r, http.StatusServiceUnavailable, UnavailablePage())
		}
		return
	}

	if asJSON {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(view)
		return
	}
	h.render(w, r, http.StatusOK, TrackerPage(view))
}

// HandleUnsubscribe обрабатывает GET /unsubscribe?reg=&token=.
// Первая и повторная отписка показывают одинаковую страницу.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	privateHeaders(w)
	q := r.URL.Query()

	_, err := h.registrations.Unsubscribe(r.Context(), q.Get("reg"), q.Get("token"))
	if err != nil {
		if errors.Is(err, service.ErrTrackerNotFound) {
			h.render(w, r, http.StatusNotFound, NotFoundPage(h.dealerPhone))
			return
		}
		h.logger.Error("Ошибка отписки", slog.String("error", err.Error()))
		h.render(w, r, http.StatusServiceUnavailable, UnavailablePage())
		return
	}
	h.render(w, r, http.StatusOK, UnsubscribedPage(h.dealerPhone))
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	templ.Handler(c,
		templ.WithStatus(status),
		templ.WithErrorHandler(func(r *http.Request, err error) http.Handler {
			h.logger.Error("Ошибка рендеринга страницы", slog.String("error", err.Error()))
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "Ошибка рендеринга страницы", http.StatusInternalServerError)
			})
		}),
	).ServeHTTP(w, r)
}

// privateHeaders запрещает кэширование и передачу ссылки с токеном в Referer.
func privateHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("X-Robots-Tag", "noindex")
}

// wantsJSON — клиент явно запросил application/json.
func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}
