package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/mmdatafocus/listing_backend/models"
	"gorm.io/gorm"
)

func SeedProduct(tb testing.TB, ctx context.Context, db *gorm.DB, code string, names []string, imageA, imageB, category string) *models.Product {
	tb.Helper()
	res, err := models.UpsertProduct(ctx, db, &models.NewProduct{
		ProductCode:  code,
		Names:        names,
		ImageAURL:    imageA,
		ImageBURL:    imageB,
		CategoryPath: category,
		Status:       models.ProductStatusActive,
	})
	if err != nil {
		tb.Fatalf("seed product %s: %v", code, err)
	}
	return res.Product
}

// Names returns n distinct names "<prefix> 1".."<prefix> n".
func Names(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s %d", prefix, i+1)
	}
	return out
}

func SeedAssignment(tb testing.TB, ctx context.Context, db *gorm.DB, channel, storefront, code string, index int) *models.Assignment {
	tb.Helper()
	a := &models.Assignment{
		Channel:          channel,
		Storefront:       storefront,
		ProductCode:      code,
		CombinationIndex: index,
		Source:           models.AssignmentSourceEngine,
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		tb.Fatalf("seed assignment: %v", err)
	}
	return a
}

func SeedUploadRecord(tb testing.TB, ctx context.Context, db *gorm.DB, rec models.UploadRecord) *models.UploadRecord {
	tb.Helper()
	if rec.UploadStatus == "" {
		rec.UploadStatus = models.UploadStatusSuccess
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		tb.Fatalf("seed upload record: %v", err)
	}
	return &rec
}
