package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ExportHistory struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	Channel         string    `gorm:"size:100;index;not null" json:"channel"`
	Storefront      string    `gorm:"size:100" json:"storefront"`
	Categories      string    `gorm:"type:text" json:"categories"`
	ProductCount    int       `json:"product_count"`
	FileName        string    `gorm:"size:255" json:"file_name"`
	FileURL         string    `gorm:"type:text" json:"file_url"`
	Mode            string    `gorm:"size:30" json:"mode"`
	ExcludeAssigned bool      `json:"exclude_assigned"`
	SeasonFiltered  bool      `json:"season_filtered"`
	Operator        string    `gorm:"size:100" json:"operator"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func ListExportHistory(ctx context.Context, db *gorm.DB, channel string, limit int) ([]ExportHistory, error) {
	var rows []ExportHistory
	q := db.WithContext(ctx).Order("id DESC")
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}
