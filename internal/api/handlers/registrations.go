// registrations.go — обработчики /api/v1/registrations и /api/v1/stages.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/dealerdesk/internal/api/errors"
	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/service"
)

type stageResponse struct {
	stage.Definition
	Terminal    bool          `json:"terminal"`
	NotesNeeded bool          `json:"rejection_notes_required"`
	Targets     []stage.Stage `json:"allowed_transitions"`
}

// ListStages — GET /api/v1/stages.
// Каталог стадий с допустимыми переходами из каждой.
func (h *APIHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	all := stage.All()
	out := make([]stageResponse, 0, len(all))
	for _, s := range all {
		targets := stage.Targets(s)
		if targets == nil {
			targets = []stage.Stage{}
		}
		out = append(out, stageResponse{
			Definition:  stage.MustLookup(s),
			Terminal:    s.Terminal(),
			NotesNeeded: stage.NotesRequired(s),
			Targets:     targets,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

type createRegistrationRequest struct {
	VehicleID              *openapi_types.UUID `json:"vehicle_id"`
	VIN                    string              `json:"vin"`
	VehicleYear            int                 `json:"vehicle_year"`
	Make                   string              `json:"make"`
	Model                  string              `json:"model"`
	PlateNumber            string              `json:"plate_number"`
	CustomerName           string              `json:"customer_name"`
	CustomerPhone          *string             `json:"customer_phone"`
	CustomerEmail          *string             `json:"customer_email"`
	MailingAddress         string              `json:"mailing_address"`
	NotificationPreference string              `json:"notification_preference"`
}

// CreateRegistration — POST /api/v1/registrations.
// Доступ: clerk или SA со scope registrations:write.
func (h *APIHandler) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	var req createRegistrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.registrations.Create(r.Context(), model.RegistrationDraft{
		VehicleID:              uuidString(req.VehicleID),
		VIN:                    req.VIN,
		VehicleYear:            req.VehicleYear,
		Make:                   req.Make,
		Model:                  req.Model,
		PlateNumber:            req.PlateNumber,
		CustomerName:           req.CustomerName,
		CustomerPhone:          req.CustomerPhone,
		CustomerEmail:          req.CustomerEmail,
		MailingAddress:         req.MailingAddress,
		NotificationPreference: model.NotificationPreference(req.NotificationPreference),
	}, actor(r))
	if err != nil {
		h.writeServiceError(w, r, "создание регистрации", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.mapRegistration(reg))
}

// ListRegistrations — GET /api/v1/registrations.
// Параметры: q, bucket (in_progress, complete, rejected), include_archived, limit, offset.
func (h *APIHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	var (
		q               *string
		bucket          *string
		includeArchived *bool
		limit, offset   *int
	)
	if !bindQuery(w, r, "q", &q) ||
		!bindQuery(w, r, "bucket", &bucket) ||
		!bindQuery(w, r, "include_archived", &includeArchived) ||
		!bindQuery(w, r, "limit", &limit) ||
		!bindQuery(w, r, "offset", &offset) {
		return
	}

	f := model.RegistrationFilter{}
	f.Limit, f.Offset = paginationDefaults(limit, offset)
	if q != nil {
		f.Search = *q
	}
	if bucket != nil && *bucket != "" {
		b, err := model.ParseStageBucket(*bucket)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		f.Bucket = &b
	}
	if includeArchived != nil {
		f.IncludeArchived = *includeArchived
	}

	regs, err := h.registrations.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "список регистраций", err)
		return
	}

	items := make([]registrationResponse, 0, len(regs))
	for _, reg := range regs {
		items = append(items, h.mapRegistration(reg))
	}
	writeJSON(w, http.StatusOK, listResponse[registrationResponse]{Items: items, Limit: f.Limit, Offset: f.Offset})
}

// GetRegistration — GET /api/v1/registrations/{id}.
func (h *APIHandler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.registrations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "получение регистрации", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapRegistration(reg))
}

type stageChangeRequest struct {
	TargetStage    string  `json:"target_stage"`
	ExpectedStage  *string `json:"expected_stage"`
	Reason         string  `json:"reason"`
	RejectionNotes string  `json:"rejection_notes"`
	NotifyCustomer *bool   `json:"notify_customer"`
}

// UpdateStage — POST /api/v1/registrations/{id}/stage.
// expected_stage — стадия, которую видел сотрудник; при расхождении 409.
func (h *APIHandler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	var req stageChangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TargetStage == "" {
		apierrors.ValidationError(w, "target_stage обязателен")
		return
	}

	ch := service.StageChange{
		Target:         stage.Stage(req.TargetStage),
		Reason:         req.Reason,
		RejectionNotes: req.RejectionNotes,
		NotifyCustomer: req.NotifyCustomer,
	}
	if req.ExpectedStage != nil {
		expected, err := stage.Parse(*req.ExpectedStage)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		ch.ExpectedStage = &expected
	}

	reg, err := h.registrations.UpdateStage(r.Context(), chi.URLParam(r, "id"), ch, actor(r))
	if err != nil {
		h.writeServiceError(w, r, "смена стадии", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapRegistration(reg))
}

type documentsPatchRequest struct {
	TitleFront        *bool  `json:"title_front"`
	TitleBack         *bool  `json:"title_back"`
	TitleTransferForm *bool  `json:"title_transfer_form"`
	InsuranceProof    *bool  `json:"insurance_proof"`
	InspectionProof   *bool  `json:"inspection_proof"`
	Reason            string `json:"reason"`
}

// UpdateDocuments — PATCH /api/v1/registrations/{id}/documents.
// Переданные отметки заменяют текущие, отсутствующие не меняются.
func (h *APIHandler) UpdateDocuments(w http.ResponseWriter, r *http.Request) {
	var req documentsPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.registrations.UpdateDocuments(r.Context(), chi.URLParam(r, "id"), service.DocumentPatch(req), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "обновление документов", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapRegistration(reg))
}

type preferenceRequest struct {
	NotificationPreference string `json:"notification_preference"`
}

// SetNotificationPreference — PUT /api/v1/registrations/{id}/notification-preference.
// Доступ: admin.
func (h *APIHandler) SetNotificationPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.registrations.SetNotificationPreference(r.Context(), chi.URLParam(r, "id"),
		model.NotificationPreference(req.NotificationPreference), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "изменение предпочтения", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapRegistration(reg))
}

type archiveRequest struct {
	Reason string `json:"reason"`
}

// ArchiveRegistration — POST /api/v1/registrations/{id}/archive.
// Доступ: admin. Тело необязательно.
func (h *APIHandler) ArchiveRegistration(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.registrations.Archive(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		h.writeServiceError(w, r, "архивирование", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mapRegistration(reg))
}

// GetRegistrationAudit — GET /api/v1/registrations/{id}/audit.
// Журнал изменений от старых к новым.
func (h *APIHandler) GetRegistrationAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.registrations.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "журнал регистрации", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapAuditEntries(entries)})
}

// ListRegistrationNotifications — GET /api/v1/registrations/{id}/notifications.
func (h *APIHandler) ListRegistrationNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.registrations.Notifications(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "уведомления регистрации", err)
		return
	}

	items := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		items = append(items, mapNotification(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RetryNotification — POST /api/v1/registrations/{id}/notifications/{notificationId}/retry.
// Повтор недоставленной попытки; результат — новая запись попытки.
func (h *APIHandler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.registrations.RetryNotification(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "notificationId"), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "повтор уведомления", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapNotification(n))
}

type verificationRequest struct {
	Channel string `json:"channel"`
}

type verificationResponse struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

// SendContactVerification — POST /api/v1/registrations/{id}/contact-verification.
// Отправляет клиенту код и возвращает его сотруднику для сверки.
func (h *APIHandler) SendContactVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	code, err := h.registrations.SendContactVerification(r.Context(), chi.URLParam(r, "id"),
		model.Channel(req.Channel), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "код подтверждения", err)
		return
	}
	writeJSON(w, http.StatusOK, verificationResponse{Channel: req.Channel, Code: code})
}
