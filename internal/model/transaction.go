package model

import "time"

// Transaction is one financial event of an order. SourceName and ChannelName
// are copied from the owning order when the transaction is transformed.
type Transaction struct {
	ID           uint64    `gorm:"primaryKey"`
	ExternalID   string    `gorm:"size:128;not null;uniqueIndex"`
	OrderID      uint64    `gorm:"not null;index:idx_txn_order_id"`
	Order        *Order    `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Kind         string    `gorm:"size:32;not null"`
	Status       string    `gorm:"size:32;not null"`
	Amount       Money     `gorm:"embedded;embeddedPrefix:amount_"`
	Gateway      string    `gorm:"size:64"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false;not null"`
	ProcessedAt  time.Time `gorm:"not null;index"`
	SourceName   string    `gorm:"size:128;index"`
	ChannelName  string    `gorm:"size:128"`
	LastSyncedAt time.Time `gorm:"not null"`
}

func (Transaction) TableName() string { return "order_transactions" }

// TransactionMutableColumns are overwritten when a transaction is observed again.
var TransactionMutableColumns = []string{
	"order_id", "kind", "status", "amount_value", "amount_currency", "gateway",
	"created_at", "processed_at", "source_name", "channel_name", "last_synced_at",
}
