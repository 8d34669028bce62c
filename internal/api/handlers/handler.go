// handler.go — основной обработчик admin API Dealer Desk.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
// Проверка ролей выполняется middleware при регистрации маршрутов.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/dealerdesk/internal/api/errors"
	"github.com/bigkaa/dealerdesk/internal/api/middleware"
	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/service"
)

// APIHandler — обработчик admin API.
type APIHandler struct {
	registrations  *service.RegistrationService
	vehicles       *service.VehicleCatalog
	plates         *service.PlateService
	rentals        *service.RentalService
	broker         events.Broker
	trackerBaseURL string
	sseHeartbeat   time.Duration
	logger         *slog.Logger

	// streamsDone закрывается при остановке сервера и завершает SSE-потоки
	streamsDone chan struct{}
	closeOnce   sync.Once
}

// Services — зависимости APIHandler.
type Services struct {
	Registrations *service.RegistrationService
	Vehicles      *service.VehicleCatalog
	Plates        *service.PlateService
	Rentals       *service.RentalService
	Broker        events.Broker
	// PublicBaseURL — база ссылок трекера в ответах
	PublicBaseURL string
	// SSEHeartbeat — интервал комментария-пинга в потоке /events
	SSEHeartbeat time.Duration
}

// NewAPIHandler создаёт обработчик admin API.
func NewAPIHandler(s Services, logger *slog.Logger) *APIHandler {
	heartbeat := s.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &APIHandler{
		registrations:  s.Registrations,
		vehicles:       s.Vehicles,
		plates:         s.Plates,
		rentals:        s.Rentals,
		broker:         s.Broker,
		trackerBaseURL: strings.TrimRight(s.PublicBaseURL, "/"),
		sseHeartbeat:   heartbeat,
		logger:         logger.With(slog.String("component", "api_handler")),
		streamsDone:    make(chan struct{}),
	}
}

// CloseStreams завершает открытые SSE-потоки. Вызывается при graceful
// shutdown: без этого Shutdown ждёт отключения каждого клиента.
func (h *APIHandler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. Неизвестные поля — ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := model.DefaultListLimit
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > model.MaxListLimit {
			l = model.MaxListLimit
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}

// bindQuery связывает необязательный query-параметр (style=form, explode=true).
// dest — указатель на указатель значения, nil остаётся при отсутствии параметра.
func bindQuery(w http.ResponseWriter, r *http.Request, name string, dest any) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр %s: %v", name, err))
		return false
	}
	return true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var te *stage.TransitionError
	switch {
	case errors.As(err, &te):
		apierrors.InvalidTransition(w, te.Code, te.Message)
	case errors.Is(err, service.ErrIllegalTransition):
		apierrors.InvalidTransition(w, apierrors.CodeInvalidTransition, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrWriteConflict):
		apierrors.WriteConflict(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrDeliveryFailed):
		apierrors.DeliveryFailed(w, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.Error("Хранилище недоступно",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		apierrors.StoreUnavailable(w, "Хранилище временно недоступно, повторите запрос")
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("op", op),
			slog.String("method", r.Method),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// actor — идентификатор вызывающего для журнала аудита.
func actor(r *http.Request) string {
	return middleware.ActorFromContext(r.Context())
}
