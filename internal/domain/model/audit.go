package model

import "time"

// AuditOperation — тип изменяющей операции.
type AuditOperation string

const (
	AuditInsert AuditOperation = "insert"
	AuditUpdate AuditOperation = "update"
	AuditDelete AuditOperation = "delete"
)

// Типы сущностей журнала аудита.
const (
	EntityRegistration  = "registration"
	EntityPlate         = "plate"
	EntityRentalBooking = "rental_booking"
)

// Change — старое и новое значение поля.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// FieldDiff — изменения по полям: {field: {old, new}}.
type FieldDiff map[string]Change

// Set добавляет изменение поля, если значения различаются.
func (d FieldDiff) Set(field string, oldVal, newVal any) {
	if oldVal == newVal {
		return
	}
	d[field] = Change{Old: oldVal, New: newVal}
}

// AuditEntry — неизменяемая запись журнала аудита (таблица audit_log).
type AuditEntry struct {
	// ID — монотонный идентификатор (bigserial)
	ID         int64
	EntityType string
	EntityID   string
	Operation  AuditOperation
	Diff       FieldDiff
	Reason     *string
	// Actor — sub из JWT, client_id сервисного аккаунта или системный актор
	Actor     string
	CreatedAt time.Time
}
