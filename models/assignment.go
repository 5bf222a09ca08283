package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	AssignmentSourceEngine = "engine"
	AssignmentSourceLegacy = "legacy-migration"
)

// Assignment grants one combination of a product to a storefront within a channel.
// idx_assignment_channel_combo makes a (channel, product_code, combination_index) grantable once.
type Assignment struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	Channel          string    `gorm:"uniqueIndex:idx_assignment_grant,priority:1;uniqueIndex:idx_assignment_channel_combo,priority:1;index:idx_assignment_storefront,priority:1;size:100;not null" json:"channel"`
	Storefront       string    `gorm:"uniqueIndex:idx_assignment_grant,priority:2;index:idx_assignment_storefront,priority:2;size:100;not null" json:"storefront"`
	ProductCode      string    `gorm:"uniqueIndex:idx_assignment_grant,priority:3;uniqueIndex:idx_assignment_channel_combo,priority:2;index:idx_assignment_storefront,priority:3;size:100;not null" json:"product_code"`
	CombinationIndex int       `gorm:"uniqueIndex:idx_assignment_grant,priority:4;uniqueIndex:idx_assignment_channel_combo,priority:3;not null" json:"combination_index"`
	Source           string    `gorm:"size:30;not null;default:engine" json:"source"`
	AssignedAt       time.Time `gorm:"autoCreateTime" json:"assigned_at"`
}

// AssignedIndices lists every index of productCode granted in channel, to any storefront.
func AssignedIndices(ctx context.Context, db *gorm.DB, channel string, productCode string) ([]int, error) {
	var idx []int
	err := db.WithContext(ctx).Model(&Assignment{}).
		Where("channel = ? AND product_code = ?", channel, productCode).
		Order("combination_index ASC").
		Pluck("combination_index", &idx).Error
	return idx, err
}

// MaxAssignedIndex returns -1 when no index of the product is granted anywhere.
func MaxAssignedIndex(ctx context.Context, db *gorm.DB, productCode string) (int, error) {
	var res maxIndexRow
	err := db.WithContext(ctx).Model(&Assignment{}).
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

// AssignedIndexSet is every granted index of the product across all channels.
func AssignedIndexSet(ctx context.Context, db *gorm.DB, productCode string) (map[int]bool, error) {
	var idx []int
	err := db.WithContext(ctx).Model(&Assignment{}).
		Where("product_code = ?", productCode).
		Distinct().
		Pluck("combination_index", &idx).Error
	if err != nil {
		return nil, err
	}
	set := make(map[int]bool, len(idx))
	for _, i := range idx {
		set[i] = true
	}
	return set, nil
}

// StorefrontHasProduct reports whether the storefront already holds any grant for the product.
func StorefrontHasProduct(ctx context.Context, db *gorm.DB, channel string, storefront string, productCode string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Assignment{}).
		Where("channel = ? AND storefront = ? AND product_code = ?", channel, storefront, productCode).
		Count(&n).Error
	return n > 0, err
}

// FindAssignmentHolder returns the grant for (channel, product, index), or nil.
func FindAssignmentHolder(ctx context.Context, db *gorm.DB, channel string, productCode string, index int) (*Assignment, error) {
	var row Assignment
	err := db.WithContext(ctx).
		Where("channel = ? AND product_code = ? AND combination_index = ?", channel, productCode, index).
		Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

// InsertAssignment writes the grant unless a conflicting row exists; inserted is false on conflict.
func InsertAssignment(ctx context.Context, db *gorm.DB, a *Assignment) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UsedProductCodes lists products the storefront already holds in the channel.
func UsedProductCodes(ctx context.Context, db *gorm.DB, channel string, storefront string) ([]string, error) {
	var codes []string
	err := db.WithContext(ctx).Model(&Assignment{}).
		Where("channel = ? AND storefront = ?", channel, storefront).
		Distinct().
		Pluck("product_code", &codes).Error
	return codes, err
}
