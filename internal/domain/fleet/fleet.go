// Пакет fleet — правила прокатного парка: пересечение окон бронирования,
// переходы статусов брони, проверка страховки и сроки номерных знаков.
package fleet

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

var (
	// ErrInvalidWindow — окно бронирования пустое или перевёрнутое.
	ErrInvalidWindow = errors.New("окно бронирования: начало должно быть раньше конца")
	// ErrInvalidBookingTransition — недопустимый переход статуса брони.
	ErrInvalidBookingTransition = errors.New("недопустимый переход статуса бронирования")
	// ErrInsufficientCoverage — страховка не покрывает прокат.
	ErrInsufficientCoverage = errors.New("страховка не покрывает период проката")
	// ErrPlateExpired — срок действия номерного знака истёк.
	ErrPlateExpired = errors.New("срок действия номерного знака истёк")
)

// ValidateWindow проверяет окно [start, end).
func ValidateWindow(start, end time.Time) error {
	if !start.Before(end) {
		return ErrInvalidWindow
	}
	return nil
}

// Overlaps сообщает о пересечении полуоткрытых окон [aStart, aEnd) и [bStart, bEnd).
// Окна, касающиеся границей, не пересекаются.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Blocks сообщает, занимает ли бронь автомобиль.
func Blocks(b *model.RentalBooking) bool {
	return b.Status == model.BookingReserved || b.Status == model.BookingActive
}

// Conflicts возвращает брони, пересекающиеся с окном и занимающие автомобиль.
func Conflicts(existing []*model.RentalBooking, start, end time.Time, excludeID string) []*model.RentalBooking {
	var out []*model.RentalBooking
	for _, b := range existing {
		if b.ID == excludeID || !Blocks(b) {
			continue
		}
		if Overlaps(b.StartsAt, b.EndsAt, start, end) {
			out = append(out, b)
		}
	}
	return out
}

var bookingTransitions = map[model.BookingStatus]map[model.BookingStatus]bool{
	model.BookingReserved:  {model.BookingActive: true, model.BookingCancelled: true},
	model.BookingActive:    {model.BookingReturned: true},
	model.BookingReturned:  {},
	model.BookingCancelled: {},
}

// ParseBookingStatus проверяет строковое значение статуса.
func ParseBookingStatus(s string) (model.BookingStatus, error) {
	st := model.BookingStatus(s)
	if _, ok := bookingTransitions[st]; !ok {
		return "", fmt.Errorf("недопустимый статус бронирования: %q", s)
	}
	return st, nil
}

// ValidateBookingTransition проверяет переход статуса брони.
func ValidateBookingTransition(from, to model.BookingStatus) error {
	if !bookingTransitions[from][to] {
		return fmt.Errorf("%w: %s → %s", ErrInvalidBookingTransition, from, to)
	}
	return nil
}

// ValidateCoverage проверяет, что страховка позволяет выдать автомобиль:
// обязательна гражданская ответственность, полис действует до конца проката.
func ValidateCoverage(ins *model.RentalInsurance, booking *model.RentalBooking) error {
	if ins == nil {
		return fmt.Errorf("%w: страховка не указана", ErrInsufficientCoverage)
	}
	if !ins.Liability {
		return fmt.Errorf("%w: нет покрытия гражданской ответственности", ErrInsufficientCoverage)
	}
	if ins.ExpiresAt.Before(booking.EndsAt) {
		return fmt.Errorf("%w: полис истекает %s, прокат до %s", ErrInsufficientCoverage,
			ins.ExpiresAt.Format(time.DateOnly), booking.EndsAt.Format(time.DateOnly))
	}
	return nil
}

// DaysRemaining — число полных суток до истечения знака (отрицательное после).
func DaysRemaining(expiresAt, now time.Time) int {
	return int(math.Floor(expiresAt.Sub(now).Hours() / 24))
}

// ExpiringSoon сообщает, что знак истекает в пределах alertDays суток.
func ExpiringSoon(expiresAt, now time.Time, alertDays int) bool {
	return DaysRemaining(expiresAt, now) <= alertDays
}

// CanAssign проверяет, можно ли привязать знак к автомобилю.
func CanAssign(p *model.Plate, now time.Time) error {
	if p.Status != model.PlateAvailable {
		return fmt.Errorf("номерной знак %s в статусе %s", p.PlateNumber, p.Status)
	}
	if !now.Before(p.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrPlateExpired, p.PlateNumber)
	}
	return nil
}
