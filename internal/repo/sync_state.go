package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/order-sync-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedSyncState creates the state row of entityType as completed, if absent.
func (r *Repository) SeedSyncState(ctx context.Context, entityType string) error {
	row := model.SyncState{EntityType: entityType, SyncStatus: model.SyncStatusCompleted}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// GetSyncState loads the state row of entityType.
func (r *Repository) GetSyncState(ctx context.Context, entityType string) (*model.SyncState, error) {
	var s model.SyncState
	err := r.db.WithContext(ctx).Where("entity_type = ?", entityType).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSyncStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSyncState applies a partial update. last_sync_at is stamped with the
// current time unless upd sets it.
func (r *Repository) SetSyncState(ctx context.Context, entityType string, upd model.SyncStateUpdate) error {
	return r.setSyncState(r.db.WithContext(ctx), entityType, upd)
}

// FinishSyncState writes a terminal state and queues evt in one transaction.
func (r *Repository) FinishSyncState(ctx context.Context, entityType string, upd model.SyncStateUpdate, evt *model.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.setSyncState(tx, entityType, upd); err != nil {
			return err
		}
		if evt == nil {
			return nil
		}
		if err := tx.Create(evt).Error; err != nil {
			return fmt.Errorf("queue outbox event: %w", err)
		}
		return nil
	})
}

func (r *Repository) setSyncState(db *gorm.DB, entityType string, upd model.SyncStateUpdate) error {
	cols := upd.Columns(r.now())
	q := db.Model(&model.SyncState{}).Where("entity_type = ?", entityType)
	if upd.ExpectVersion != nil {
		q = q.Where("version = ?", *upd.ExpectVersion)
	}
	if upd.BumpVersion {
		cols["version"] = gorm.Expr("version + 1")
	}
	res := q.Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update sync state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if upd.ExpectVersion != nil {
			return ErrSyncStateConflict
		}
		return ErrSyncStateNotFound
	}
	return nil
}
