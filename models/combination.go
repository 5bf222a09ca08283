package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type CombinationVariant string

const (
	VariantImageA   CombinationVariant = "imageA"
	VariantImageB   CombinationVariant = "imageB"
	VariantNameOnly CombinationVariant = "name-only"
)

func (v CombinationVariant) IsValid() bool {
	switch v {
	case VariantImageA, VariantImageB, VariantNameOnly:
		return true
	}
	return false
}

// Combination pairs one name with one image variant. CombinationIndex is unique per product
// and never reused; an index referenced by an Assignment is never rewritten.
type Combination struct {
	ID               uint               `gorm:"primary_key" json:"id"`
	ProductCode      string             `gorm:"uniqueIndex:idx_combination_product_index,priority:1;size:100;not null" json:"product_code"`
	CombinationIndex int                `gorm:"uniqueIndex:idx_combination_product_index,priority:2;not null" json:"combination_index"`
	Variant          CombinationVariant `gorm:"size:20;not null" json:"variant"`
	NamePosition     int                `gorm:"not null" json:"name_position"`
	Name             string             `gorm:"size:500" json:"name"`
	ImageAURL        string             `gorm:"column:image_a_url;type:text" json:"image_a_url"`
	ImageBURL        string             `gorm:"column:image_b_url;type:text" json:"image_b_url"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// ImageURL is the URL selected by the variant; empty for name-only.
func (c *Combination) ImageURL() string {
	switch c.Variant {
	case VariantImageA:
		return c.ImageAURL
	case VariantImageB:
		return c.ImageBURL
	}
	return ""
}

func CountCombinations(ctx context.Context, db *gorm.DB, productCode string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Combination{}).Where("product_code = ?", productCode).Count(&n).Error
	return n, err
}

type maxIndexRow struct {
	MaxIndex *int
}

// MaxCombinationIndex returns -1 when the product has no combinations.
func MaxCombinationIndex(ctx context.Context, db *gorm.DB, productCode string) (int, error) {
	var res maxIndexRow
	err := db.WithContext(ctx).Model(&Combination{}).
		Where("product_code = ?", productCode).
		Select("MAX(combination_index) AS max_index").Scan(&res).Error
	if err != nil {
		return -1, err
	}
	if res.MaxIndex == nil {
		return -1, nil
	}
	return *res.MaxIndex, nil
}

func ListCombinations(ctx context.Context, db *gorm.DB, productCode string) ([]Combination, error) {
	var rows []Combination
	err := db.WithContext(ctx).Where("product_code = ?", productCode).Order("combination_index ASC").Find(&rows).Error
	return rows, err
}

func GetCombination(ctx context.Context, db *gorm.DB, productCode string, index int) (*Combination, error) {
	var row Combination
	err := db.WithContext(ctx).Where("product_code = ? AND combination_index = ?", productCode, index).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}
