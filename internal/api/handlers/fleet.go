// fleet.go — обработчики склада, номерных знаков и проката:
// /api/v1/vehicles, /api/v1/plates, /api/v1/rentals.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/dealerdesk/internal/api/errors"
	"github.com/bigkaa/dealerdesk/internal/domain/fleet"
	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/service"
)

// GetVehicle — GET /api/v1/vehicles/{id}.
// Запись склада для предзаполнения регистрации (через кэш).
func (h *APIHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.vehicles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "получение автомобиля", err)
		return
	}
	writeJSON(w, http.StatusOK, vehicleResponse{
		ID:          v.ID,
		VIN:         v.VIN,
		Year:        v.Year,
		Make:        v.Make,
		Model:       v.Model,
		PlateNumber: v.PlateNumber,
	})
}

// --- Номерные знаки ---

// ListExpiringPlates — GET /api/v1/plates?expiring_within_days=N.
// Без параметра используется порог DD_PLATE_EXPIRY_ALERT_DAYS.
func (h *APIHandler) ListExpiringPlates(w http.ResponseWriter, r *http.Request) {
	var within *int
	if !bindQuery(w, r, "expiring_within_days", &within) {
		return
	}
	days := 0
	if within != nil {
		if *within < 1 || *within > 3650 {
			apierrors.ValidationError(w, "expiring_within_days должен быть от 1 до 3650")
			return
		}
		days = *within
	}

	views, err := h.plates.ListExpiring(r.Context(), days)
	if err != nil {
		h.writeServiceError(w, r, "список знаков", err)
		return
	}

	items := make([]plateResponse, 0, len(views))
	for i := range views {
		items = append(items, mapPlate(&views[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type assignPlateRequest struct {
	VehicleID openapi_types.UUID `json:"vehicle_id"`
}

// AssignPlate — POST /api/v1/plates/{id}/assign.
func (h *APIHandler) AssignPlate(w http.ResponseWriter, r *http.Request) {
	var req assignPlateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	v, err := h.plates.Assign(r.Context(), chi.URLParam(r, "id"), req.VehicleID.String(), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "привязка знака", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPlate(v))
}

// ReleasePlate — POST /api/v1/plates/{id}/release.
func (h *APIHandler) ReleasePlate(w http.ResponseWriter, r *http.Request) {
	v, err := h.plates.Release(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "освобождение знака", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPlate(v))
}

// GetPlateAudit — GET /api/v1/plates/{id}/audit.
func (h *APIHandler) GetPlateAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.plates.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "журнал знака", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapAuditEntries(entries)})
}

// --- Прокат ---

type availabilityResponse struct {
	VehicleID string            `json:"vehicle_id"`
	From      time.Time         `json:"from"`
	To        time.Time         `json:"to"`
	Available bool              `json:"available"`
	Conflicts []bookingResponse `json:"conflicts"`
}

// GetVehicleAvailability — GET /api/v1/vehicles/{id}/availability?from=&to=.
// Окно [from, to) в RFC 3339.
func (h *APIHandler) GetVehicleAvailability(w http.ResponseWriter, r *http.Request) {
	var from, to *time.Time
	if !bindQuery(w, r, "from", &from) || !bindQuery(w, r, "to", &to) {
		return
	}
	if from == nil || to == nil {
		apierrors.ValidationError(w, "Параметры from и to обязательны")
		return
	}

	a, err := h.rentals.Availability(r.Context(), chi.URLParam(r, "id"), *from, *to)
	if err != nil {
		h.writeServiceError(w, r, "доступность автомобиля", err)
		return
	}

	conflicts := make([]bookingResponse, 0, len(a.Conflicts))
	for _, b := range a.Conflicts {
		conflicts = append(conflicts, mapBooking(b))
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		VehicleID: a.VehicleID,
		From:      a.From,
		To:        a.To,
		Available: a.Available,
		Conflicts: conflicts,
	})
}

type createBookingRequest struct {
	VehicleID     openapi_types.UUID `json:"vehicle_id"`
	CustomerName  string             `json:"customer_name"`
	CustomerPhone *string            `json:"customer_phone"`
	StartsAt      time.Time          `json:"starts_at"`
	EndsAt        time.Time          `json:"ends_at"`
}

// CreateBooking — POST /api/v1/rentals.
// Пересечение с действующей бронью — 409 CONFLICT.
func (h *APIHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	b, err := h.rentals.Create(r.Context(), service.BookingDraft{
		VehicleID:     req.VehicleID.String(),
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
	}, actor(r))
	if err != nil {
		h.writeServiceError(w, r, "создание брони", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapBooking(b))
}

// GetBooking — GET /api/v1/rentals/{id}.
func (h *APIHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.rentals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "получение брони", err)
		return
	}
	writeJSON(w, http.StatusOK, mapBooking(b))
}

// SetBookingInsurance — PUT /api/v1/rentals/{id}/insurance.
func (h *APIHandler) SetBookingInsurance(w http.ResponseWriter, r *http.Request) {
	var req insuranceDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	ins, err := h.rentals.SetInsurance(r.Context(), model.RentalInsurance{
		BookingID:     chi.URLParam(r, "id"),
		Provider:      req.Provider,
		PolicyNumber:  req.PolicyNumber,
		Liability:     req.Liability,
		Collision:     req.Collision,
		Comprehensive: req.Comprehensive,
		ExpiresAt:     req.ExpiresAt,
	}, actor(r))
	if err != nil {
		h.writeServiceError(w, r, "страховка брони", err)
		return
	}
	writeJSON(w, http.StatusOK, insuranceDTO{
		Provider:      ins.Provider,
		PolicyNumber:  ins.PolicyNumber,
		Liability:     ins.Liability,
		Collision:     ins.Collision,
		Comprehensive: ins.Comprehensive,
		ExpiresAt:     ins.ExpiresAt,
	})
}

type bookingStatusRequest struct {
	Status string `json:"status"`
}

// SetBookingStatus — POST /api/v1/rentals/{id}/status.
// reserved → active требует страховку с гражданской ответственностью.
func (h *APIHandler) SetBookingStatus(w http.ResponseWriter, r *http.Request) {
	var req bookingStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := fleet.ParseBookingStatus(req.Status)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	b, err := h.rentals.SetStatus(r.Context(), chi.URLParam(r, "id"), status, actor(r))
	if err != nil {
		h.writeServiceError(w, r, "статус брони", err)
		return
	}
	writeJSON(w, http.StatusOK, mapBooking(b))
}

// GetBookingAudit — GET /api/v1/rentals/{id}/audit.
func (h *APIHandler) GetBookingAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.rentals.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "журнал брони", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapAuditEntries(entries)})
}
