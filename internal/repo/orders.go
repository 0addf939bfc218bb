package repo

import (
	"context"
	"fmt"

	"github.com/richardliu001/order-sync-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertOrders inserts or fully replaces orders keyed by external ID.
// The whole call commits or rolls back as one unit.
func (r *Repository) UpsertOrders(ctx context.Context, rows []model.Order) error {
	rows = dedupeOrders(rows)
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns(model.OrderMutableColumns),
			}).
			CreateInBatches(&rows, upsertBatchSize).Error
		if err != nil {
			return fmt.Errorf("upsert orders: %w", err)
		}
		return nil
	})
}

// UpsertTransactions inserts or fully replaces transactions keyed by external ID.
// Owning orders must already be stored.
func (r *Repository) UpsertTransactions(ctx context.Context, rows []model.Transaction) error {
	rows = dedupeTransactions(rows)
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns(model.TransactionMutableColumns),
			}).
			CreateInBatches(&rows, upsertBatchSize).Error
		if err != nil {
			return fmt.Errorf("upsert transactions: %w", err)
		}
		return nil
	})
}

// ResolveLocalIDs maps external order IDs to surrogate IDs. IDs that are
// not stored are absent from the result.
func (r *Repository) ResolveLocalIDs(ctx context.Context, externalIDs []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	var found []struct {
		ID         uint64
		ExternalID string
	}
	err := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Select("id", "external_id").
		Where("external_id IN ?", externalIDs).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("resolve order ids: %w", err)
	}
	for _, f := range found {
		out[f.ExternalID] = f.ID
	}
	return out, nil
}

// DeleteOrdersByExternalID removes the given orders and their transactions
// in one database transaction. Unknown ids are ignored.
func (r *Repository) DeleteOrdersByExternalID(ctx context.Context, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&model.Order{}).Select("id").Where("external_id IN ?", externalIDs)
		if err := tx.Where("order_id IN (?)", owned).Delete(&model.Transaction{}).Error; err != nil {
			return fmt.Errorf("delete transactions: %w", err)
		}
		res := tx.Where("external_id IN ?", externalIDs).Delete(&model.Order{})
		if res.Error != nil {
			return fmt.Errorf("delete orders: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}

// dedupeOrders keeps the last occurrence of every external ID; a single
// INSERT .. ON CONFLICT cannot touch the same row twice.
func dedupeOrders(rows []model.Order) []model.Order {
	idx := make(map[string]int, len(rows))
	out := make([]model.Order, 0, len(rows))
	for _, o := range rows {
		if i, ok := idx[o.ExternalID]; ok {
			out[i] = o
			continue
		}
		idx[o.ExternalID] = len(out)
		out = append(out, o)
	}
	return out
}

func dedupeTransactions(rows []model.Transaction) []model.Transaction {
	idx := make(map[string]int, len(rows))
	out := make([]model.Transaction, 0, len(rows))
	for _, t := range rows {
		if i, ok := idx[t.ExternalID]; ok {
			out[i] = t
			continue
		}
		idx[t.ExternalID] = len(out)
		out = append(out, t)
	}
	return out
}
