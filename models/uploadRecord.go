package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const UploadStatusSuccess = "SUCCESS"

// UploadRecord is a historical free-text upload log row. It is only read, by the legacy migration.
// MarketName is the channel and BusinessNumber the storefront.
type UploadRecord struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	BusinessNumber   string     `gorm:"size:100" json:"business_number"`
	MarketName       string     `gorm:"size:100" json:"market_name"`
	ProductCode      string     `gorm:"size:100;index" json:"product_code"`
	UsedProductName  string     `gorm:"type:text" json:"used_product_name"`
	UsedNukkiURL     string     `gorm:"column:used_nukki_url;type:text" json:"used_nukki_url"`
	UsedMixURL       string     `gorm:"column:used_mix_url;type:text" json:"used_mix_url"`
	ProductNameIndex *int       `json:"product_name_index"`
	UploadStrategy   string     `gorm:"type:text" json:"upload_strategy"`
	UploadStatus     string     `gorm:"size:20" json:"upload_status"`
	UploadedAt       *time.Time `json:"uploaded_at"`
	Notes            string     `gorm:"type:text" json:"notes"`
}

func (UploadRecord) TableName() string {
	return "upload_logs"
}

// ListSuccessfulUploadRecords returns successful rows with a product code, oldest first, in pages of limit.
func ListSuccessfulUploadRecords(ctx context.Context, db *gorm.DB, afterId uint, limit int) ([]UploadRecord, error) {
	var rows []UploadRecord
	err := db.WithContext(ctx).
		Where("upload_status = ?", UploadStatusSuccess).
		Where("product_code IS NOT NULL AND product_code <> ''").
		Where("id > ?", afterId).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
