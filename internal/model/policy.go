package model

import "github.com/shopspring/decimal"

// Policy содержит настраиваемые константы правил выдачи и штрафов.
type Policy struct {
	DefaultLoanDays           int
	MinLoanDays               int
	MaxLoanDays               int
	PickupWindowDays          int
	PendingReservationTTLDays int
	LostAfterDays             int
	ViolationBlockThreshold   int
	UnpaidBlockAmount         decimal.Decimal
	OverdueFinePerDay         decimal.Decimal
	LostBookFine              decimal.Decimal
	DamagedBookFine           decimal.Decimal
	ForecastWindowDays        int
}

// DefaultPolicy возвращает значения политики по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		DefaultLoanDays:           14,
		MinLoanDays:               1,
		MaxLoanDays:               90,
		PickupWindowDays:          3,
		PendingReservationTTLDays: 7,
		LostAfterDays:             180,
		ViolationBlockThreshold:   3,
		UnpaidBlockAmount:         decimal.NewFromInt(500),
		OverdueFinePerDay:         decimal.NewFromInt(5),
		LostBookFine:              decimal.NewFromInt(200),
		DamagedBookFine:           decimal.NewFromInt(50),
		ForecastWindowDays:        90,
	}
}
