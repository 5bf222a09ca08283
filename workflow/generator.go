package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const combinationWriteBatch = 1000

type GenerateOptions struct {
	// UpdateExisting drops unassigned combinations and appends a fresh set after the highest assigned index.
	UpdateExisting bool
	// ForceRegenerate drops every combination and numbers from 0 again.
	ForceRegenerate bool
}

// GenerateResult counts one generation. Failed rows are those whose insert errored; they are
// also counted in Skipped.
type GenerateResult struct {
	ProductCode string `json:"product_code"`
	NoOp        bool   `json:"no_op"`
	Removed     int64  `json:"removed"`
	Planned     int    `json:"planned"`
	Written     int    `json:"written"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	StartIndex  int    `json:"start_index"`
}

// PlanCombinations enumerates the combination set of one product starting at startIndex.
// With both images, pass 1 puts imageA on even name positions and imageB on odd ones and pass 2 is
// the complement, giving 2N rows. One image gives N rows of that variant; none gives N name-only rows.
func PlanCombinations(productCode string, names []string, imageA, imageB string, startIndex int) []models.Combination {
	if len(names) == 0 {
		return nil
	}
	idx := startIndex
	row := func(pos int, v models.CombinationVariant) models.Combination {
		c := models.Combination{
			ProductCode:      productCode,
			CombinationIndex: idx,
			Variant:          v,
			NamePosition:     pos,
			Name:             names[pos],
			ImageAURL:        imageA,
			ImageBURL:        imageB,
		}
		idx++
		return c
	}

	switch {
	case imageA != "" && imageB != "":
		out := make([]models.Combination, 0, 2*len(names))
		for pos := range names {
			if pos%2 == 0 {
				out = append(out, row(pos, models.VariantImageA))
			} else {
				out = append(out, row(pos, models.VariantImageB))
			}
		}
		for pos := range names {
			if pos%2 == 0 {
				out = append(out, row(pos, models.VariantImageB))
			} else {
				out = append(out, row(pos, models.VariantImageA))
			}
		}
		return out
	case imageA != "":
		out := make([]models.Combination, 0, len(names))
		for pos := range names {
			out = append(out, row(pos, models.VariantImageA))
		}
		return out
	case imageB != "":
		out := make([]models.Combination, 0, len(names))
		for pos := range names {
			out = append(out, row(pos, models.VariantImageB))
		}
		return out
	default:
		out := make([]models.Combination, 0, len(names))
		for pos := range names {
			out = append(out, row(pos, models.VariantNameOnly))
		}
		return out
	}
}

// GenerateCombinations persists the combination set of product.
// Indices held by an Assignment are never rewritten unless ForceRegenerate is set.
func GenerateCombinations(ctx context.Context, db *gorm.DB, logger *logrus.Logger, product *models.Product, opts GenerateOptions) (GenerateResult, error) {
	res := GenerateResult{ProductCode: product.ProductCode}
	if product.ProductCode == "" {
		return res, utils.NewValidationError("product_code", "product code is required")
	}

	existing, err := models.CountCombinations(ctx, db, product.ProductCode)
	if err != nil {
		return res, utils.PersistenceError("count combinations", err)
	}
	if existing > 0 && !opts.UpdateExisting && !opts.ForceRegenerate {
		res.NoOp = true
		return res, nil
	}

	maxAssigned, err := models.MaxAssignedIndex(ctx, db, product.ProductCode)
	if err != nil {
		return res, utils.PersistenceError("max assigned index", err)
	}

	switch {
	case opts.ForceRegenerate:
		del := db.WithContext(ctx).Where("product_code = ?", product.ProductCode).Delete(&models.Combination{})
		if del.Error != nil {
			return res, utils.PersistenceError("delete combinations", del.Error)
		}
		res.Removed = del.RowsAffected
		res.StartIndex = 0
	case existing > 0:
		assigned, err := models.AssignedIndexSet(ctx, db, product.ProductCode)
		if err != nil {
			return res, utils.PersistenceError("assigned indices", err)
		}
		q := db.WithContext(ctx).Where("product_code = ?", product.ProductCode)
		if len(assigned) > 0 {
			keep := make([]int, 0, len(assigned))
			for i := range assigned {
				keep = append(keep, i)
			}
			q = q.Where("combination_index NOT IN ?", keep)
		}
		del := q.Delete(&models.Combination{})
		if del.Error != nil {
			return res, utils.PersistenceError("delete unassigned combinations", del.Error)
		}
		res.Removed = del.RowsAffected

		maxRemaining, err := models.MaxCombinationIndex(ctx, db, product.ProductCode)
		if err != nil {
			return res, utils.PersistenceError("max combination index", err)
		}
		res.StartIndex = max(maxRemaining, maxAssigned) + 1
	default:
		res.StartIndex = maxAssigned + 1
	}

	plan := PlanCombinations(product.ProductCode, product.Names(), product.ImageAURL, product.ImageBURL, res.StartIndex)
	res.Planned = len(plan)

	w := combinationWriter{db: db.WithContext(ctx), logger: logger}
	w.write(plan)
	res.Written, res.Skipped, res.Failed = w.written, w.skipped, w.failed

	// a partly written set stays unmarked so the next catalog sync regenerates it
	if w.failed > 0 {
		return res, nil
	}
	if err := models.MarkCombinationsGenerated(ctx, db, product.ProductCode, product.ContentHash); err != nil {
		return res, utils.PersistenceError("mark generated", err)
	}
	return res, nil
}

// combinationWriter inserts in batches and falls back to single rows when a batch fails.
// Rows that still fail are skipped and counted.
type combinationWriter struct {
	db      *gorm.DB
	logger  *logrus.Logger
	written int
	skipped int
	failed  int
}

func (w *combinationWriter) write(rows []models.Combination) {
	for start := 0; start < len(rows); start += combinationWriteBatch {
		end := min(start+combinationWriteBatch, len(rows))
		batch := rows[start:end]
		res := w.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch)
		if res.Error == nil {
			w.written += int(res.RowsAffected)
			w.skipped += len(batch) - int(res.RowsAffected)
			continue
		}
		config.LogError(w.logger, "generator.go", "combinationWriter.write", "batch insert failed, retrying per row", fmt.Sprintf("%s[%d:%d]", batch[0].ProductCode, start, end), res.Error)
		for i := range batch {
			row := batch[i]
			row.ID = 0
			r := w.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if r.Error != nil {
				w.skipped++
				w.failed++
				config.LogError(w.logger, "generator.go", "combinationWriter.write", "row insert failed", fmt.Sprintf("%s#%d", row.ProductCode, row.CombinationIndex), r.Error)
				continue
			}
			if r.RowsAffected == 1 {
				w.written++
			} else {
				w.skipped++
			}
		}
	}
}
