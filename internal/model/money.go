package model

import "github.com/shopspring/decimal"

// Money is a fixed-precision amount with its ISO 4217 code.
// Embed it with a prefix, e.g. `gorm:"embedded;embeddedPrefix:total_"`.
type Money struct {
	Value    decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0"`
	Currency string          `gorm:"size:3;not null"`
}

func NewMoney(v decimal.Decimal, currency string) Money {
	return Money{Value: v, Currency: currency}
}
