package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued    = "queued"
	SyncRunStatusRunning   = "running"
	SyncRunStatusSuccess   = "success"
	SyncRunStatusFailed    = "failed"
	SyncRunStatusPartial   = "partial"
	SyncRunStatusCancelled = "cancelled"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

const (
	SyncKindCatalog    = "catalog-sync"
	SyncKindRegenerate = "regenerate"
)

// ComboSyncRun is a persisted bulk generation run the caller polls for progress.
type ComboSyncRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	Kind            string     `gorm:"size:30;not null;index" json:"kind"`
	Status          string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	OptionsJSON     []byte     `gorm:"type:json" json:"options"`
	StatsJSON       []byte     `gorm:"type:json" json:"stats"`
	Total           int        `json:"total"`
	Processed       int        `json:"processed"`
	Generated       int        `json:"generated"`
	Skipped         int        `json:"skipped"`
	ErrorCount      int        `json:"error_count"`
	CancelRequested bool       `gorm:"not null;default:false" json:"cancel_requested"`
	ParentRunId     *uint      `gorm:"index" json:"parent_run_id"`
	CorrelationId   string     `gorm:"size:36" json:"correlation_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type ComboSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	ProductCode string    `gorm:"size:100" json:"product_code"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (r *ComboSyncRun) IsFinished() bool {
	switch r.Status {
	case SyncRunStatusSuccess, SyncRunStatusFailed, SyncRunStatusPartial, SyncRunStatusCancelled:
		return true
	}
	return false
}

func GetComboSyncRun(ctx context.Context, db *gorm.DB, id uint) (*ComboSyncRun, error) {
	var run ComboSyncRun
	if err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// RequestComboSyncCancel sets the cooperative cancel flag; finished runs are left alone.
func RequestComboSyncCancel(ctx context.Context, db *gorm.DB, id uint) (bool, error) {
	res := db.WithContext(ctx).Model(&ComboSyncRun{}).
		Where("id = ? AND status IN ?", id, []string{SyncRunStatusQueued, SyncRunStatusRunning}).
		Update("cancel_requested", true)
	return res.RowsAffected > 0, res.Error
}

func IsComboSyncCancelRequested(ctx context.Context, db *gorm.DB, id uint) bool {
	var flag bool
	if err := db.WithContext(ctx).Model(&ComboSyncRun{}).Where("id = ?", id).Select("cancel_requested").Scan(&flag).Error; err != nil {
		return false
	}
	return flag
}
