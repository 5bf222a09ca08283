package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/season"
	"github.com/mmdatafocus/listing_backend/utils"
)

const maxPerProductLimit = 100

type BulkFetchRequest struct {
	Category   string `json:"category"`
	Channel    string `json:"channel" binding:"required" validate:"required"`
	Storefront string `json:"storefront"`
	// ExcludeAssignedProducts skips products the storefront (or, without a storefront, the channel) already holds.
	ExcludeAssignedProducts bool `json:"exclude_assigned_products"`
	SeasonFilter            bool `json:"season_filter"`
	// PerProductLimit is how many free combinations to return per product (default 1, max 100).
	PerProductLimit int `json:"per_product_limit" validate:"gte=0,lte=100"`
	// PrioritizeUnseen lists products never granted in the channel first.
	PrioritizeUnseen bool      `json:"prioritize_unseen"`
	MaxItems         int       `json:"max_items" validate:"gte=0"`
	ReferenceDate    time.Time `json:"reference_date"`
}

type BulkItem struct {
	Product       *models.Product      `json:"product"`
	Combinations  []models.Combination `json:"combinations"`
	SeenInChannel bool                 `json:"seen_in_channel"`
}

type BulkFetchStats struct {
	Candidates       int `json:"candidates"`
	ExcludedAssigned int `json:"excluded_assigned"`
	SeasonExcluded   int `json:"season_excluded"`
	Exhausted        int `json:"exhausted"`
	Returned         int `json:"returned"`
}

type BulkFetchResult struct {
	Items               []BulkItem                            `json:"items"`
	Stats               BulkFetchStats                        `json:"stats"`
	SeasonFilterApplied bool                                  `json:"season_filter_applied"`
	Season              *season.FilterResult[*models.Product] `json:"season,omitempty"`
}

// BulkFetchEligible lists ACTIVE products with names under a category, season-filters them at the
// product level, and attaches the lowest free combinations of each. Nothing is granted.
func (e *AllocationEngine) BulkFetchEligible(ctx context.Context, req BulkFetchRequest, snap *season.Snapshot) (*BulkFetchResult, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, err
	}
	perProduct := req.PerProductLimit
	if perProduct <= 0 {
		perProduct = 1
	}
	perProduct = utils.ClampInt(perProduct, 1, maxPerProductLimit)
	ref := req.ReferenceDate
	if ref.IsZero() {
		ref = time.Now()
	}

	var products []*models.Product
	err := e.db.WithContext(ctx).
		Where("status = ? AND name_count > 0", models.ProductStatusActive).
		Where("category_path LIKE ? "+models.LikeEscapeClause, models.CategoryLikePattern(req.Category)).
		Order("product_code ASC").
		Find(&products).Error
	if err != nil {
		return nil, err
	}

	res := &BulkFetchResult{}
	res.Stats.Candidates = len(products)

	// every granted index in the channel, per product
	var grants []models.Assignment
	if err := e.db.WithContext(ctx).
		Select("storefront", "product_code", "combination_index").
		Where("channel = ?", req.Channel).
		Find(&grants).Error; err != nil {
		return nil, err
	}
	usedByProduct := map[string][]int{}
	heldByStorefront := map[string]bool{}
	for _, g := range grants {
		usedByProduct[g.ProductCode] = append(usedByProduct[g.ProductCode], g.CombinationIndex)
		if req.Storefront != "" && g.Storefront == req.Storefront {
			heldByStorefront[g.ProductCode] = true
		}
	}

	skipHeld := req.Storefront != "" && (req.ExcludeAssignedProducts || e.OnePerStorefront)
	if skipHeld || (req.Storefront == "" && req.ExcludeAssignedProducts) {
		kept := products[:0]
		for _, p := range products {
			held := heldByStorefront[p.ProductCode]
			if req.Storefront == "" {
				held = len(usedByProduct[p.ProductCode]) > 0
			}
			if held {
				res.Stats.ExcludedAssigned++
				continue
			}
			kept = append(kept, p)
		}
		products = kept
	}

	if req.SeasonFilter {
		if snap == nil {
			config.LogWarn(e.logger, "bulkFetch.go", "BulkFetchEligible", utils.ErrConfigurationMissing.Error(), req.Channel, "season snapshot unavailable, season filter skipped")
		} else {
			fr := season.FilterProductsBySeason(products, snap, ref)
			products = fr.Kept
			res.Stats.SeasonExcluded = fr.ExcludedCount
			res.SeasonFilterApplied = fr.Applied
			res.Season = &fr
			for _, se := range fr.SeasonErrors {
				config.LogError(e.logger, "bulkFetch.go", "BulkFetchEligible", "invalid season", se.SeasonID, se.Err)
			}
		}
	}

	unseen := make([]BulkItem, 0, len(products))
	var seen []BulkItem
	for _, p := range products {
		used := usedByProduct[p.ProductCode]
		combos, err := e.nextUnassigned(ctx, p.ProductCode, req.Channel, used, perProduct)
		if err != nil {
			return nil, err
		}
		if len(combos) == 0 {
			res.Stats.Exhausted++
			continue
		}
		item := BulkItem{Product: p, Combinations: combos, SeenInChannel: len(used) > 0}
		if req.PrioritizeUnseen && item.SeenInChannel {
			seen = append(seen, item)
			continue
		}
		unseen = append(unseen, item)
	}
	items := append(unseen, seen...)

	if req.MaxItems > 0 && len(items) > req.MaxItems {
		items = items[:req.MaxItems]
	}
	res.Items = items
	res.Stats.Returned = len(items)
	return res, nil
}
