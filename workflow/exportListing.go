package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/season"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	exportSheet        = "Listing"
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ExportModeNew      = "new-only"
	ExportModeAll      = "all"
	exportObjectPrefix = "exports/"
)

var exportHeaders = []any{"product_code", "combination_index", "variant", "name", "image_url", "category_path"}

type ExportListingRequest struct {
	Channel    string   `json:"channel" binding:"required" validate:"required"`
	Storefront string   `json:"storefront" binding:"required" validate:"required"`
	Categories []string `json:"categories"`
	// ExcludeAssigned skips products the storefront already holds (mode new-only).
	ExcludeAssigned  bool      `json:"exclude_assigned"`
	SeasonFilter     bool      `json:"season_filter"`
	PrioritizeUnseen bool      `json:"prioritize_unseen"`
	MaxItems         int       `json:"max_items" validate:"gte=0"`
	ReferenceDate    time.Time `json:"reference_date"`
	// OutputDir saves the workbook locally when set.
	OutputDir string `json:"-"`
	// Upload sends the workbook to EXPORT_BUCKET.
	Upload bool `json:"upload"`
}

type ExportRow struct {
	ProductCode      string                    `json:"product_code"`
	CombinationIndex int                       `json:"combination_index"`
	Variant          models.CombinationVariant `json:"variant"`
	Name             string                    `json:"name"`
	ImageURL         string                    `json:"image_url"`
	CategoryPath     string                    `json:"category_path"`
	Reused           bool                      `json:"reused"`
}

type ExportListingResult struct {
	History   models.ExportHistory `json:"history"`
	Rows      []ExportRow          `json:"rows"`
	Exhausted int                  `json:"exhausted"`
	Failed    int                  `json:"failed"`
	Content   []byte               `json:"-"`
}

// ExportListing grants one combination per eligible product to the storefront and writes the grants
// to an .xlsx sheet. The sheet is optionally saved and uploaded, and an ExportHistory row is recorded.
func (e *AllocationEngine) ExportListing(ctx context.Context, req ExportListingRequest, snap *season.Snapshot) (*ExportListingResult, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, err
	}
	categories := utils.UniqueSlice(req.Categories)
	if len(categories) == 0 {
		categories = []string{""}
	}

	res := &ExportListingResult{}
	seen := map[string]bool{}
	seasonApplied := false
	for _, category := range categories {
		fetched, err := e.BulkFetchEligible(ctx, BulkFetchRequest{
			Category:                category,
			Channel:                 req.Channel,
			Storefront:              req.Storefront,
			ExcludeAssignedProducts: req.ExcludeAssigned,
			SeasonFilter:            req.SeasonFilter,
			PerProductLimit:         1,
			PrioritizeUnseen:        req.PrioritizeUnseen,
			ReferenceDate:           req.ReferenceDate,
		}, snap)
		if err != nil {
			return nil, err
		}
		seasonApplied = seasonApplied || fetched.SeasonFilterApplied
		res.Exhausted += fetched.Stats.Exhausted

		for _, item := range fetched.Items {
			if req.MaxItems > 0 && len(res.Rows) >= req.MaxItems {
				break
			}
			p := item.Product
			if seen[p.ProductCode] {
				continue
			}
			seen[p.ProductCode] = true

			combo, result, err := e.GetAndAssign(ctx, req.Channel, req.Storefront, p.ProductCode)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				res.Failed++
				config.LogError(e.logger, "exportListing.go", "ExportListing", "get and assign", p.ProductCode, err)
				continue
			}
			if combo == nil {
				res.Exhausted++
				continue
			}
			res.Rows = append(res.Rows, ExportRow{
				ProductCode:      p.ProductCode,
				CombinationIndex: combo.CombinationIndex,
				Variant:          combo.Variant,
				Name:             combo.Name,
				ImageURL:         combo.ImageURL(),
				CategoryPath:     p.CategoryPath,
				Reused:           result == AssignAlreadyGranted,
			})
		}
	}

	content, err := writeListingWorkbook(res.Rows)
	if err != nil {
		return nil, err
	}
	res.Content = content

	fileName := exportFileName(req.Channel, req.Storefront, time.Now())
	h := models.ExportHistory{
		Channel:         req.Channel,
		Storefront:      req.Storefront,
		Categories:      strings.Join(req.Categories, ","),
		ProductCount:    len(res.Rows),
		FileName:        fileName,
		Mode:            ExportModeAll,
		ExcludeAssigned: req.ExcludeAssigned,
		SeasonFiltered:  seasonApplied,
	}
	if req.ExcludeAssigned {
		h.Mode = ExportModeNew
	}
	if op, ok := utils.GetOperatorFromContext(ctx); ok {
		h.Operator = op
	}

	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
			return nil, err
		}
		path := filepath.Join(req.OutputDir, fileName)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, err
		}
		h.FileURL = path
	}
	if req.Upload {
		uri, err := utils.UploadExportToGCS(ctx, exportObjectPrefix+fileName, content, xlsxContentType)
		switch {
		case errors.Is(err, utils.ErrConfigurationMissing):
			config.LogWarn(e.logger, "exportListing.go", "ExportListing", "upload", fileName, "EXPORT_BUCKET not set, export kept local")
		case err != nil:
			config.LogError(e.logger, "exportListing.go", "ExportListing", "upload", fileName, err)
		default:
			h.FileURL = uri
		}
	}

	if err := e.db.WithContext(ctx).Create(&h).Error; err != nil {
		return nil, utils.PersistenceError("create export history", err)
	}
	res.History = h
	return res, nil
}

func writeListingWorkbook(rows []ExportRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeaders); err != nil {
		return nil, err
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		values := []any{r.ProductCode, r.CombinationIndex, string(r.Variant), r.Name, r.ImageURL, r.CategoryPath}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exportFileName(channel, storefront string, at time.Time) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r == '/' || r == '\\' || r == ' ' || r == ':' {
				return '_'
			}
			return r
		}, s)
	}
	return fmt.Sprintf("listing_%s_%s_%s.xlsx", clean(channel), clean(storefront), at.UTC().Format("20060102_150405"))
}
