package model

import "time"

const (
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

const (
	SyncModeInitial     = "initial"
	SyncModeIncremental = "incremental"
)

// SyncState is the single progress row of one tracked entity type.
type SyncState struct {
	EntityType   string  `gorm:"primaryKey;size:32"`
	LastCursor   *string `gorm:"type:text"`
	LastSyncAt   *time.Time
	SyncStatus   string  `gorm:"size:16;not null;default:'completed'"`
	ErrorMessage *string `gorm:"type:text"`
	// LastSuccessAt is the start time of the last completed run.
	LastSuccessAt *time.Time
	SyncMode      string  `gorm:"size:16"`
	SyncQuery     *string `gorm:"type:text"`
	RunID         *string `gorm:"size:36"`
	Version       uint64  `gorm:"not null;default:0"`
}

func (SyncState) TableName() string { return "sync_state" }

// HasCursor reports whether a continuation cursor is stored.
func (s *SyncState) HasCursor() bool {
	return s.LastCursor != nil && *s.LastCursor != ""
}

// SyncStateUpdate is a partial write. Nil fields are left untouched.
// LastSyncAt defaults to the write time when nil.
type SyncStateUpdate struct {
	Status        *string
	Cursor        *string
	ClearCursor   bool
	Error         *string
	ClearError    bool
	LastSyncAt    *time.Time
	LastSuccessAt *time.Time
	Mode          *string
	Query         *string
	RunID         *string

	// ExpectVersion makes the write conditional on the stored version.
	ExpectVersion *uint64
	BumpVersion   bool
}

// Columns renders the update as a gorm column map.
func (u SyncStateUpdate) Columns(now time.Time) map[string]interface{} {
	cols := map[string]interface{}{}
	if u.Status != nil {
		cols["sync_status"] = *u.Status
	}
	if u.ClearCursor {
		cols["last_cursor"] = nil
	} else if u.Cursor != nil {
		cols["last_cursor"] = *u.Cursor
	}
	if u.ClearError {
		cols["error_message"] = nil
	} else if u.Error != nil {
		cols["error_message"] = *u.Error
	}
	if u.LastSyncAt != nil {
		cols["last_sync_at"] = u.LastSyncAt.UTC()
	} else {
		cols["last_sync_at"] = now.UTC()
	}
	if u.LastSuccessAt != nil {
		cols["last_success_at"] = u.LastSuccessAt.UTC()
	}
	if u.Mode != nil {
		cols["sync_mode"] = *u.Mode
	}
	if u.Query != nil {
		cols["sync_query"] = *u.Query
	}
	if u.RunID != nil {
		cols["run_id"] = *u.RunID
	}
	return cols
}
