package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	defaultSyncBatchSize = 50
	progressEvery        = 10
)

type SyncProgress struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Generated int    `json:"generated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Current   string `json:"current"`
}

// ItemFailure is one product a bulk run could not process.
type ItemFailure struct {
	ProductCode string
	Err         error
}

type SyncOptions struct {
	// ProductCodes limits the run; empty means every candidate.
	ProductCodes []string
	// OnlyMissing skips products whose content changed since their last generation.
	OnlyMissing bool
	// Generate applies to every product of a regenerate run; catalog sync decides per product.
	Generate  *GenerateOptions
	BatchSize int
	// Progress is called every 10 items, at each batch end and after the last item.
	Progress     func(SyncProgress)
	OnItemError  func(ItemFailure)
	ShouldCancel func() bool
}

type SyncSummary struct {
	SyncProgress
	Cancelled bool          `json:"cancelled"`
	Failures  []ItemFailure `json:"-"`
}

// SyncCombinations generates combinations for ACTIVE products with names and none yet, and
// regenerates (update-existing) products whose names or images changed since the last generation.
func SyncCombinations(ctx context.Context, db *gorm.DB, logger *logrus.Logger, opts SyncOptions) (*SyncSummary, error) {
	q := db.WithContext(ctx).Model(&models.Product{}).
		Where("status = ? AND name_count > 0", models.ProductStatusActive)
	missing := "NOT EXISTS (SELECT 1 FROM combinations c WHERE c.product_code = products.product_code)"
	if opts.OnlyMissing {
		q = q.Where(missing)
	} else {
		q = q.Where(missing + " OR combinations_hash IS NULL OR combinations_hash <> content_hash")
	}
	if len(opts.ProductCodes) > 0 {
		q = q.Where("product_code IN ?", opts.ProductCodes)
	}
	var codes []string
	if err := q.Order("product_code ASC").Pluck("product_code", &codes).Error; err != nil {
		return nil, err
	}
	opts.Generate = nil
	return runProductBatches(ctx, db, logger, "SyncCombinations", codes, opts)
}

// RegenerateCombinations applies gen to every product in codes, or to every product when codes is empty.
func RegenerateCombinations(ctx context.Context, db *gorm.DB, logger *logrus.Logger, gen GenerateOptions, opts SyncOptions) (*SyncSummary, error) {
	codes := opts.ProductCodes
	if len(codes) == 0 {
		if err := db.WithContext(ctx).Model(&models.Product{}).
			Order("product_code ASC").
			Pluck("product_code", &codes).Error; err != nil {
			return nil, err
		}
	}
	opts.Generate = &gen
	return runProductBatches(ctx, db, logger, "RegenerateCombinations", codes, opts)
}

func runProductBatches(ctx context.Context, db *gorm.DB, logger *logrus.Logger, funcName string, codes []string, opts SyncOptions) (*SyncSummary, error) {
	ctx, span := otel.Tracer("listing_backend/workflow").Start(ctx, funcName)
	defer span.End()
	span.SetAttributes(attribute.Int("products", len(codes)))

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultSyncBatchSize
	}
	sum := &SyncSummary{}
	sum.Total = len(codes)

	report := func() {
		if opts.Progress != nil {
			opts.Progress(sum.SyncProgress)
		}
	}
	fail := func(code string, err error) {
		sum.Failed++
		f := ItemFailure{ProductCode: code, Err: err}
		sum.Failures = append(sum.Failures, f)
		config.LogError(logger, "catalogSync.go", funcName, "product failed", code, err)
		if opts.OnItemError != nil {
			opts.OnItemError(f)
		}
	}

	for start := 0; start < len(codes); start += batch {
		end := min(start+batch, len(codes))
		var products []models.Product
		if err := db.WithContext(ctx).Where("product_code IN ?", codes[start:end]).Find(&products).Error; err != nil {
			return sum, err
		}
		byCode := make(map[string]*models.Product, len(products))
		for i := range products {
			byCode[products[i].ProductCode] = &products[i]
		}

		for i, code := range codes[start:end] {
			if ctx.Err() != nil || (opts.ShouldCancel != nil && opts.ShouldCancel()) {
				sum.Cancelled = true
				report()
				return sum, nil
			}
			sum.Current = code
			p, ok := byCode[code]
			if !ok {
				sum.Skipped++
			} else {
				gen := GenerateOptions{}
				if opts.Generate != nil {
					gen = *opts.Generate
				} else if p.CombinationsHash != "" && p.CombinationsHash != p.ContentHash {
					gen.UpdateExisting = true
				} else if n, err := models.CountCombinations(ctx, db, code); err == nil && n > 0 {
					gen.UpdateExisting = true
				}
				res, err := GenerateCombinations(ctx, db, logger, p, gen)
				switch {
				case err != nil:
					fail(code, err)
				case res.Failed > 0:
					fail(code, utils.PersistenceError("write combinations", fmt.Errorf("%d of %d rows failed", res.Failed, res.Planned)))
				case res.NoOp:
					sum.Skipped++
				default:
					sum.Generated++
				}
			}
			sum.Processed++
			if sum.Processed%progressEvery == 0 || start+i+1 == end {
				report()
			}
		}
	}
	return sum, nil
}
