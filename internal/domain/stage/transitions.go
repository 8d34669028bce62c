package stage

import (
	"fmt"
	"strings"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotesRequired     = "NOTES_REQUIRED"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущая стадия, значение — набор допустимых целевых стадий.
var validTransitions = map[Stage]map[Stage]bool{
	SaleComplete:       {DocumentsCollected: true},
	DocumentsCollected: {SubmittedToDMV: true},
	SubmittedToDMV:     {DMVProcessing: true},
	DMVProcessing:      {StickerReady: true, Rejected: true},
	StickerReady:       {StickerDelivered: true},
	Rejected:           {SubmittedToDMV: true}, // повторная подача
	StickerDelivered:   {},
}

// IsValidTransition проверяет, допустим ли переход current → target.
func IsValidTransition(current, target Stage) bool {
	return validTransitions[current][target]
}

// NotesRequired сообщает, требуется ли текстовое пояснение для перехода в target.
func NotesRequired(target Stage) bool {
	return target == Rejected
}

// Targets возвращает допустимые целевые стадии из current в порядке каталога.
func Targets(current Stage) []Stage {
	var out []Stage
	for _, s := range All() {
		if validTransitions[current][s] {
			out = append(out, s)
		}
	}
	return out
}

// Validate проверяет переход current → target вместе с обязательностью notes.
// Возвращает *TransitionError или nil.
func Validate(current, target Stage, notes string) error {
	if !IsValid(target) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			From:    current,
			To:      target,
			Message: fmt.Sprintf("недопустимая целевая стадия: %q", target),
		}
	}
	if !IsValidTransition(current, target) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			From:    current,
			To:      target,
			Message: fmt.Sprintf("переход %s → %s недопустим", current, target),
		}
	}
	if NotesRequired(target) && strings.TrimSpace(notes) == "" {
		return &TransitionError{
			Code:    CodeNotesRequired,
			From:    current,
			To:      target,
			Message: fmt.Sprintf("переход в %s требует причину отказа", target),
		}
	}
	return nil
}

// TransitionError — ошибка перехода между стадиями.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, NOTES_REQUIRED
	From    Stage
	To      Stage
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
