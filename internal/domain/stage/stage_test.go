package stage

import (
	"errors"
	"testing"
)

// allowed — ожидаемая таблица переходов, записанная независимо от validTransitions.
var allowed = map[[2]Stage]bool{
	{SaleComplete, DocumentsCollected}:   true,
	{DocumentsCollected, SubmittedToDMV}: true,
	{SubmittedToDMV, DMVProcessing}:      true,
	{DMVProcessing, StickerReady}:        true,
	{DMVProcessing, Rejected}:            true,
	{StickerReady, StickerDelivered}:     true,
	{Rejected, SubmittedToDMV}:           true,
}

// TestIsValidTransition_AllPairs проверяет все пары стадий каталога.
func TestIsValidTransition_AllPairs(t *testing.T) {
	for _, from := range All() {
		for _, to := range All() {
			want := allowed[[2]Stage{from, to}]
			if got := IsValidTransition(from, to); got != want {
				t.Errorf("IsValidTransition(%s, %s) = %v, ожидалось %v", from, to, got, want)
			}
		}
	}
}

func TestIsValidTransition_UnknownStages(t *testing.T) {
	if IsValidTransition(Stage("archived"), SaleComplete) {
		t.Error("переход из неизвестной стадии не должен быть допустим")
	}
	if IsValidTransition(SaleComplete, Stage("")) {
		t.Error("переход в пустую стадию не должен быть допустим")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		from, to Stage
		notes    string
		wantCode string
	}{
		{"штатный переход", SaleComplete, DocumentsCollected, "", ""},
		{"пропуск двух стадий", SaleComplete, DMVProcessing, "", CodeInvalidTransition},
		{"отказ без причины", DMVProcessing, Rejected, "", CodeNotesRequired},
		{"отказ с пробелами вместо причины", DMVProcessing, Rejected, "   ", CodeNotesRequired},
		{"отказ с причиной", DMVProcessing, Rejected, "VIN mismatch on title", ""},
		{"повторная подача", Rejected, SubmittedToDMV, "", ""},
		{"из конечной стадии", StickerDelivered, SaleComplete, "", CodeInvalidTransition},
		{"неизвестная цель", SaleComplete, Stage("lost"), "", CodeInvalidTransition},
		{"отказ не из dmv_processing", SubmittedToDMV, Rejected, "notes", CodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.from, tt.to, tt.notes)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("неожиданная ошибка: %v", err)
				}
				return
			}
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("ожидалась TransitionError, получена %T (%v)", err, err)
			}
			if te.Code != tt.wantCode {
				t.Errorf("код = %q, ожидался %q", te.Code, tt.wantCode)
			}
			if te.From != tt.from || te.To != tt.to {
				t.Errorf("From/To = %s/%s, ожидалось %s/%s", te.From, te.To, tt.from, tt.to)
			}
		})
	}
}

func TestTargets(t *testing.T) {
	got := Targets(DMVProcessing)
	if len(got) != 2 || got[0] != StickerReady || got[1] != Rejected {
		t.Errorf("Targets(dmv_processing) = %v, ожидалось [sticker_ready rejected]", got)
	}
	if got := Targets(StickerDelivered); len(got) != 0 {
		t.Errorf("Targets(sticker_delivered) = %v, ожидался пустой список", got)
	}
	if !StickerDelivered.Terminal() {
		t.Error("sticker_delivered должна быть конечной стадией")
	}
	if Rejected.Terminal() {
		t.Error("rejected не является конечной стадией")
	}
}

// TestCatalog_Complete проверяет, что у каждой стадии есть описание.
func TestCatalog_Complete(t *testing.T) {
	for i, s := range Ordered() {
		d, ok := Lookup(s)
		if !ok {
			t.Fatalf("стадия %s отсутствует в каталоге", s)
		}
		if d.Order != i+1 {
			t.Errorf("%s: Order = %d, ожидалось %d", s, d.Order, i+1)
		}
		if d.Label == "" || d.ExpectedDuration == "" || d.CustomerMessage == "" {
			t.Errorf("%s: неполное описание %+v", s, d)
		}
	}
}

// TestCatalog_RejectedPlacement проверяет, что rejected отображается
// на месте dmv_processing.
func TestCatalog_RejectedPlacement(t *testing.T) {
	rej := MustLookup(Rejected)
	proc := MustLookup(DMVProcessing)
	if rej.Order != proc.Order {
		t.Errorf("Order(rejected) = %d, ожидалось %d", rej.Order, proc.Order)
	}
	if ProgressPercent(Rejected) != ProgressPercent(DMVProcessing) {
		t.Error("прогресс rejected должен совпадать с dmv_processing")
	}
	if rej.CustomerMessage == proc.CustomerMessage {
		t.Error("у rejected должно быть собственное сообщение клиенту")
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		s    Stage
		want int
	}{
		{SaleComplete, 16},
		{SubmittedToDMV, 50},
		{StickerDelivered, 100},
		{Stage("nope"), 0},
	}
	for _, tt := range tests {
		if got := ProgressPercent(tt.s); got != tt.want {
			t.Errorf("ProgressPercent(%s) = %d, ожидалось %d", tt.s, got, tt.want)
		}
	}
}

func TestIsReached(t *testing.T) {
	if !IsReached(DMVProcessing, SubmittedToDMV) {
		t.Error("submitted_to_dmv должна быть пройдена на dmv_processing")
	}
	if IsReached(DMVProcessing, StickerReady) {
		t.Error("sticker_ready не пройдена на dmv_processing")
	}
	if !IsReached(Rejected, DMVProcessing) {
		t.Error("на rejected стадия dmv_processing считается достигнутой")
	}
	if IsReached(StickerDelivered, Rejected) {
		t.Error("rejected достигается только в состоянии rejected")
	}
}

func TestParse(t *testing.T) {
	for _, s := range All() {
		got, err := Parse(string(s))
		if err != nil || got != s {
			t.Errorf("Parse(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := Parse("SALE_COMPLETE"); err == nil {
		t.Error("Parse: ожидалась ошибка для значения в другом регистре")
	}
}
