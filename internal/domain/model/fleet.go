package model

import "time"

// PlateStatus — статус номерного знака.
type PlateStatus string

const (
	PlateAvailable PlateStatus = "available"
	PlateAssigned  PlateStatus = "assigned"
	PlateRetired   PlateStatus = "retired"
)

// Plate — номерной знак дилера (таблица plates).
type Plate struct {
	ID          string
	PlateNumber string
	Status      PlateStatus
	ExpiresAt   time.Time
	// VehicleID — текущая привязка (из открытого plate_assignments)
	VehicleID *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlateAssignment — окно привязки знака к автомобилю.
type PlateAssignment struct {
	ID         string
	PlateID    string
	VehicleID  string
	AssignedAt time.Time
	ReleasedAt *time.Time
}

// BookingStatus — статус бронирования проката.
type BookingStatus string

const (
	BookingReserved  BookingStatus = "reserved"
	BookingActive    BookingStatus = "active"
	BookingReturned  BookingStatus = "returned"
	BookingCancelled BookingStatus = "cancelled"
)

// RentalBooking — бронирование автомобиля в прокат (таблица rental_bookings).
// Окно [StartsAt, EndsAt) полуоткрытое.
type RentalBooking struct {
	ID            string
	VehicleID     string
	CustomerName  string
	CustomerPhone *string
	StartsAt      time.Time
	EndsAt        time.Time
	Status        BookingStatus
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RentalInsurance — страховка на период проката (таблица rental_insurance).
type RentalInsurance struct {
	BookingID     string
	Provider      string
	PolicyNumber  string
	Liability     bool
	Collision     bool
	Comprehensive bool
	ExpiresAt     time.Time
}
