// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/dealerdesk/internal/repository"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrIllegalTransition — переход между стадиями запрещён
	// (оборачивает *stage.TransitionError).
	ErrIllegalTransition = errors.New("недопустимый переход стадии")
	// ErrWriteConflict — запись изменена параллельно; нужно перечитать и повторить.
	ErrWriteConflict = errors.New("конфликт записи: данные изменены параллельно")
	// ErrStoreUnavailable — хранилище недоступно или вернуло ошибку.
	ErrStoreUnavailable = errors.New("хранилище недоступно")
	// ErrTrackerNotFound — ссылка трекера недействительна. Одна ошибка
	// для неизвестного заказа и неверного токена.
	ErrTrackerNotFound = errors.New("регистрация не найдена")
	// ErrConflict — состояние ресурса не допускает операцию
	// (знак уже привязан, окно брони занято).
	ErrConflict = errors.New("конфликт состояния ресурса")
)

// storeError переводит ошибку репозитория в ошибку сервисного слоя.
// op — описание операции для сообщения.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s: %v", ErrWriteConflict, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
}
