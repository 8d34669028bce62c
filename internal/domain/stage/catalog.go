// Пакет stage — каталог стадий оформления регистрации автомобиля
// и таблица допустимых переходов между ними.
//
// Жизненный цикл:
//
//	sale_complete → documents_collected → submitted_to_dmv → dmv_processing
//	  → sticker_ready → sticker_delivered
//
// Ветка отказа: dmv_processing → rejected → submitted_to_dmv (повторная подача).
// sticker_delivered — конечная стадия.
package stage

import "fmt"

// Stage — стадия регистрации. Закрытое множество значений.
type Stage string

const (
	SaleComplete       Stage = "sale_complete"
	DocumentsCollected Stage = "documents_collected"
	SubmittedToDMV     Stage = "submitted_to_dmv"
	DMVProcessing      Stage = "dmv_processing"
	StickerReady       Stage = "sticker_ready"
	StickerDelivered   Stage = "sticker_delivered"
	Rejected           Stage = "rejected"
)

// Owner — сторона, отвечающая за продвижение регистрации на стадии.
type Owner string

const (
	OwnerDealer   Owner = "dealer"
	OwnerDMV      Owner = "dmv"
	OwnerCustomer Owner = "customer"
)

// Definition — описание стадии в каталоге.
type Definition struct {
	Stage Stage `json:"stage"`
	// Order — порядковый номер для прогресс-бара (1..6).
	// У rejected совпадает с dmv_processing.
	Order            int    `json:"order"`
	Label            string `json:"label"`
	Owner            Owner  `json:"owner"`
	ExpectedDuration string `json:"expected_duration"`
	// CustomerMessage — текст уведомления клиенту при входе в стадию.
	CustomerMessage string `json:"-"`
}

// orderedStages — шесть штатных стадий в порядке прохождения.
var orderedStages = []Stage{
	SaleComplete,
	DocumentsCollected,
	SubmittedToDMV,
	DMVProcessing,
	StickerReady,
	StickerDelivered,
}

var catalog = map[Stage]Definition{
	SaleComplete: {
		Stage: SaleComplete, Order: 1, Label: "Sale complete", Owner: OwnerDealer,
		ExpectedDuration: "Same day",
		CustomerMessage:  "Thanks for your purchase! We've started the registration paperwork for your vehicle.",
	},
	DocumentsCollected: {
		Stage: DocumentsCollected, Order: 2, Label: "Documents collected", Owner: OwnerDealer,
		ExpectedDuration: "1-3 business days",
		CustomerMessage:  "We have collected all documents needed to register your vehicle.",
	},
	SubmittedToDMV: {
		Stage: SubmittedToDMV, Order: 3, Label: "Submitted to DMV", Owner: OwnerDMV,
		ExpectedDuration: "1-2 business days",
		CustomerMessage:  "Your registration has been submitted to the DMV.",
	},
	DMVProcessing: {
		Stage: DMVProcessing, Order: 4, Label: "DMV processing", Owner: OwnerDMV,
		ExpectedDuration: "2-4 weeks",
		CustomerMessage:  "The DMV is now processing your registration.",
	},
	StickerReady: {
		Stage: StickerReady, Order: 5, Label: "Sticker ready", Owner: OwnerCustomer,
		ExpectedDuration: "Pick up at your convenience",
		CustomerMessage:  "Good news! Your registration sticker is ready.",
	},
	StickerDelivered: {
		Stage: StickerDelivered, Order: 6, Label: "Sticker delivered", Owner: OwnerCustomer,
		ExpectedDuration: "Complete",
		CustomerMessage:  "Your registration sticker has been delivered. You're all set!",
	},
	Rejected: {
		Stage: Rejected, Order: 4, Label: "Needs attention", Owner: OwnerDealer,
		ExpectedDuration: "We are correcting the paperwork and will resubmit",
		CustomerMessage:  "The DMV returned your registration for a correction. We're fixing it and will resubmit shortly.",
	},
}

// Lookup возвращает описание стадии. ok == false для неизвестной стадии.
func Lookup(s Stage) (Definition, bool) {
	d, ok := catalog[s]
	return d, ok
}

// MustLookup возвращает описание стадии, паникует для неизвестной.
// Применяется только к значениям, прошедшим Parse.
func MustLookup(s Stage) Definition {
	d, ok := catalog[s]
	if !ok {
		panic(fmt.Sprintf("stage: неизвестная стадия %q", s))
	}
	return d
}

// Ordered возвращает копию списка штатных стадий в порядке прохождения.
func Ordered() []Stage {
	out := make([]Stage, len(orderedStages))
	copy(out, orderedStages)
	return out
}

// All возвращает все стадии каталога: штатные и rejected.
func All() []Stage {
	return append(Ordered(), Rejected)
}

// ProgressPercent — процент прохождения для прогресс-бара.
func ProgressPercent(s Stage) int {
	d, ok := catalog[s]
	if !ok {
		return 0
	}
	return d.Order * 100 / len(orderedStages)
}

// IsReached сообщает, пройдена ли (или является текущей) стадия target,
// если регистрация находится на стадии current.
// rejected как target считается достигнутой только когда current == rejected.
func IsReached(current, target Stage) bool {
	if target == Rejected {
		return current == Rejected
	}
	cd, ok := catalog[current]
	if !ok {
		return false
	}
	td, ok := catalog[target]
	if !ok {
		return false
	}
	return td.Order <= cd.Order
}

// IsValid проверяет принадлежность значения к каталогу.
func IsValid(s Stage) bool {
	_, ok := catalog[s]
	return ok
}

// Parse преобразует строку в Stage.
func Parse(s string) (Stage, error) {
	st := Stage(s)
	if !IsValid(st) {
		return "", fmt.Errorf("недопустимая стадия: %q", s)
	}
	return st, nil
}

// Terminal сообщает, что из стадии нет исходящих переходов.
func (s Stage) Terminal() bool {
	return len(validTransitions[s]) == 0
}

func (s Stage) String() string {
	return string(s)
}
