// dto.go — JSON-представления ресурсов admin API.
package handlers

import (
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/service"
)

type documentsDTO struct {
	TitleFront        bool `json:"title_front"`
	TitleBack         bool `json:"title_back"`
	TitleTransferForm bool `json:"title_transfer_form"`
	InsuranceProof    bool `json:"insurance_proof"`
	InspectionProof   bool `json:"inspection_proof"`
}

type registrationResponse struct {
	ID                     string        `json:"id"`
	OrderID                string        `json:"order_id"`
	TrackerURL             string        `json:"tracker_url"`
	VehicleID              *string       `json:"vehicle_id,omitempty"`
	VIN                    string        `json:"vin"`
	VehicleYear            int           `json:"vehicle_year,omitempty"`
	Make                   string        `json:"make,omitempty"`
	Model                  string        `json:"model,omitempty"`
	PlateNumber            string        `json:"plate_number,omitempty"`
	CustomerName           string        `json:"customer_name"`
	CustomerPhone          *string       `json:"customer_phone,omitempty"`
	CustomerEmail          *string       `json:"customer_email,omitempty"`
	MailingAddress         string        `json:"mailing_address,omitempty"`
	CurrentStage           stage.Stage   `json:"current_stage"`
	StageLabel             string        `json:"stage_label"`
	AllowedTransitions     []stage.Stage `json:"allowed_transitions"`
	SaleDate               *time.Time    `json:"sale_date,omitempty"`
	SubmissionDate         *time.Time    `json:"submission_date,omitempty"`
	ApprovalDate           *time.Time    `json:"approval_date,omitempty"`
	DeliveryDate           *time.Time    `json:"delivery_date,omitempty"`
	RejectionNotes         *string       `json:"rejection_notes,omitempty"`
	Documents              documentsDTO  `json:"documents"`
	DocumentsComplete      bool          `json:"documents_complete"`
	NotificationPreference string        `json:"notification_preference"`
	Archived               bool          `json:"archived"`
	Version                int           `json:"version"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

func (h *APIHandler) mapRegistration(reg *model.Registration) registrationResponse {
	def, _ := stage.Lookup(reg.CurrentStage)
	targets := stage.Targets(reg.CurrentStage)
	if targets == nil || reg.Archived {
		targets = []stage.Stage{}
	}
	return registrationResponse{
		ID:                     reg.ID,
		OrderID:                reg.OrderID,
		TrackerURL:             h.trackerBaseURL + "/track/" + reg.OrderID + "-" + reg.AccessToken,
		VehicleID:              reg.VehicleID,
		VIN:                    reg.VIN,
		VehicleYear:            reg.VehicleYear,
		Make:                   reg.Make,
		Model:                  reg.Model,
		PlateNumber:            reg.PlateNumber,
		CustomerName:           reg.CustomerName,
		CustomerPhone:          reg.CustomerPhone,
		CustomerEmail:          reg.CustomerEmail,
		MailingAddress:         reg.MailingAddress,
		CurrentStage:           reg.CurrentStage,
		StageLabel:             def.Label,
		AllowedTransitions:     targets,
		SaleDate:               reg.SaleDate,
		SubmissionDate:         reg.SubmissionDate,
		ApprovalDate:           reg.ApprovalDate,
		DeliveryDate:           reg.DeliveryDate,
		RejectionNotes:         reg.RejectionNotes,
		Documents:              documentsDTO(reg.Documents),
		DocumentsComplete:      reg.Documents.Complete(),
		NotificationPreference: string(reg.NotificationPreference),
		Archived:               reg.Archived,
		Version:                reg.Version,
		CreatedAt:              reg.CreatedAt,
		UpdatedAt:              reg.UpdatedAt,
	}
}

type auditEntryResponse struct {
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Diff      model.FieldDiff `json:"diff"`
	Reason    *string         `json:"reason,omitempty"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
}

func mapAuditEntries(entries []*model.AuditEntry) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:        e.ID,
			Operation: string(e.Operation),
			Diff:      e.Diff,
			Reason:    e.Reason,
			Actor:     e.Actor,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

type notificationResponse struct {
	ID        string      `json:"id"`
	Channel   string      `json:"channel"`
	Recipient string      `json:"recipient"`
	OldStage  stage.Stage `json:"old_stage"`
	NewStage  stage.Stage `json:"new_stage"`
	SentAt    time.Time   `json:"sent_at"`
	Delivered bool        `json:"delivered"`
	Error     *string     `json:"error,omitempty"`
	RetryOf   *string     `json:"retry_of,omitempty"`
}

func mapNotification(n *model.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Channel:   string(n.Channel),
		Recipient: n.Recipient,
		OldStage:  n.OldStage,
		NewStage:  n.NewStage,
		SentAt:    n.SentAt,
		Delivered: n.Delivered,
		Error:     n.Error,
		RetryOf:   n.RetryOf,
	}
}

type vehicleResponse struct {
	ID          string `json:"id"`
	VIN         string `json:"vin"`
	Year        int    `json:"year"`
	Make        string `json:"make"`
	Model       string `json:"model"`
	PlateNumber string `json:"plate_number,omitempty"`
}

type plateResponse struct {
	ID            string    `json:"id"`
	PlateNumber   string    `json:"plate_number"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	VehicleID     *string   `json:"vehicle_id,omitempty"`
	DaysRemaining int       `json:"days_remaining"`
	Expired       bool      `json:"expired"`
	Alert         bool      `json:"alert"`
}

func mapPlate(v *service.PlateView) plateResponse {
	return plateResponse{
		ID:            v.ID,
		PlateNumber:   v.PlateNumber,
		Status:        string(v.Status),
		ExpiresAt:     v.ExpiresAt,
		VehicleID:     v.VehicleID,
		DaysRemaining: v.DaysRemaining,
		Expired:       v.Expired,
		Alert:         v.Alert,
	}
}

type bookingResponse struct {
	ID            string    `json:"id"`
	VehicleID     string    `json:"vehicle_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone *string   `json:"customer_phone,omitempty"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Status        string    `json:"status"`
	Version       int       `json:"version"`
}

func mapBooking(b *model.RentalBooking) bookingResponse {
	return bookingResponse{
		ID:            b.ID,
		VehicleID:     b.VehicleID,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		StartsAt:      b.StartsAt,
		EndsAt:        b.EndsAt,
		Status:        string(b.Status),
		Version:       b.Version,
	}
}

type insuranceDTO struct {
	Provider      string    `json:"provider"`
	PolicyNumber  string    `json:"policy_number"`
	Liability     bool      `json:"liability"`
	Collision     bool      `json:"collision"`
	Comprehensive bool      `json:"comprehensive"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// listResponse — страница списка.
type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// uuidString — строковое представление необязательного UUID из тела запроса.
func uuidString(id *openapi_types.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
