package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRow is one transaction joined with the order-level fields the
// reports need.
type TransactionRow struct {
	ID              uint64
	OrderID         uint64
	Kind            string
	Status          string
	Amount          decimal.Decimal
	ProcessedAt     time.Time
	SourceName      string
	ChannelName     string
	FinancialStatus string
	Tax             decimal.Decimal
	Discounts       decimal.Decimal
	Shipping        decimal.Decimal
}

// RowFilter selects the rows a report folds over. Start is inclusive, End exclusive.
type RowFilter struct {
	Start   time.Time
	End     time.Time
	Channel string
}
