package model

import "time"

// Order is the latest snapshot of an upstream order. ExternalID is the
// idempotency key; ID is assigned on first insert and never rewritten.
type Order struct {
	ID              uint64    `gorm:"primaryKey"`
	ExternalID      string    `gorm:"size:128;not null;uniqueIndex"`
	Name            string    `gorm:"size:64"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false;not null;index"`
	ProcessedAt     time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false;not null"`
	FinancialStatus string    `gorm:"size:32"`
	SourceName      string    `gorm:"size:128;index"`
	ChannelName     string    `gorm:"size:128"`
	Subtotal        Money     `gorm:"embedded;embeddedPrefix:subtotal_"`
	Total           Money     `gorm:"embedded;embeddedPrefix:total_"`
	Tax             Money     `gorm:"embedded;embeddedPrefix:tax_"`
	Discounts       Money     `gorm:"embedded;embeddedPrefix:discounts_"`
	Shipping        Money     `gorm:"embedded;embeddedPrefix:shipping_"`
	Test            bool      `gorm:"not null;default:false"`
	LastSyncedAt    time.Time `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// OrderMutableColumns are overwritten when an order is observed again.
var OrderMutableColumns = []string{
	"name", "created_at", "processed_at", "updated_at", "financial_status",
	"source_name", "channel_name",
	"subtotal_value", "subtotal_currency", "total_value", "total_currency",
	"tax_value", "tax_currency", "discounts_value", "discounts_currency",
	"shipping_value", "shipping_currency",
	"test", "last_synced_at",
}
