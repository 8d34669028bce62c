package model

// Vehicle — запись складского учёта (таблица vehicles, только чтение).
type Vehicle struct {
	ID          string
	VIN         string
	Year        int
	Make        string
	Model       string
	PlateNumber string
}
