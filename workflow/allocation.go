package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultLookaheadLimit          = 100
	defaultLargeExclusionThreshold = 1000
	getAndAssignAttempts           = 3
)

type AssignResult string

const (
	AssignGranted        AssignResult = "granted"
	AssignAlreadyGranted AssignResult = "already-granted"
)

// AllocationEngine hands out combinations to storefronts of a channel.
// Within a channel a (product, index) goes to at most one storefront, enforced by a unique index.
type AllocationEngine struct {
	db     *gorm.DB
	logger *logrus.Logger
	locker AllocationLocker

	// OnePerStorefront limits a storefront to one grant per product in a channel.
	OnePerStorefront bool
	// LookaheadLimit is the page size scanned for the lowest free index.
	LookaheadLimit int
	// LargeExclusionThreshold switches to a NOT EXISTS query once this many indices are used.
	LargeExclusionThreshold int
}

func NewAllocationEngine(db *gorm.DB, logger *logrus.Logger, locker AllocationLocker) *AllocationEngine {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &AllocationEngine{
		db:                      db,
		logger:                  logger,
		locker:                  locker,
		OnePerStorefront:        config.OnePerStorefront(),
		LookaheadLimit:          defaultLookaheadLimit,
		LargeExclusionThreshold: defaultLargeExclusionThreshold,
	}
}

func (e *AllocationEngine) withDB(db *gorm.DB) *AllocationEngine {
	c := *e
	c.db = db
	return &c
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return utils.NewValidationError(field, "%s is required", field)
	}
	return nil
}

// GetNextAvailable returns the lowest index of the product not granted in channel, or nil when
// none is left. With the one-per-storefront policy a storefront that already holds the product gets nil.
func (e *AllocationEngine) GetNextAvailable(ctx context.Context, productCode, channel, storefront string) (*models.Combination, error) {
	if err := requireField("product_code", productCode); err != nil {
		return nil, err
	}
	if err := requireField("channel", channel); err != nil {
		return nil, err
	}
	if storefront != "" && e.OnePerStorefront {
		has, err := models.StorefrontHasProduct(ctx, e.db, channel, storefront, productCode)
		if err != nil {
			return nil, err
		}
		if has {
			return nil, nil
		}
	}
	used, err := models.AssignedIndices(ctx, e.db, channel, productCode)
	if err != nil {
		return nil, err
	}
	next, err := e.nextUnassigned(ctx, productCode, channel, used, 1)
	if err != nil || len(next) == 0 {
		return nil, err
	}
	return &next[0], nil
}

// nextUnassigned returns up to n lowest-index combinations whose index is not in used.
func (e *AllocationEngine) nextUnassigned(ctx context.Context, productCode, channel string, used []int, n int) ([]models.Combination, error) {
	if n <= 0 {
		return nil, nil
	}
	db := e.db.WithContext(ctx)

	if len(used) > e.LargeExclusionThreshold {
		var rows []models.Combination
		err := db.Where("product_code = ?", productCode).
			Where("NOT EXISTS (SELECT 1 FROM assignments a WHERE a.channel = ? AND a.product_code = combinations.product_code AND a.combination_index = combinations.combination_index)", channel).
			Order("combination_index ASC").
			Limit(n).
			Find(&rows).Error
		return rows, err
	}

	usedSet := make(map[int]bool, len(used))
	for _, i := range used {
		usedSet[i] = true
	}
	page := e.LookaheadLimit
	if page <= 0 {
		page = defaultLookaheadLimit
	}

	out := make([]models.Combination, 0, n)
	after := -1
	for {
		var rows []models.Combination
		err := db.Where("product_code = ? AND combination_index > ?", productCode, after).
			Order("combination_index ASC").
			Limit(page).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, c := range rows {
			if usedSet[c.CombinationIndex] {
				continue
			}
			out = append(out, c)
			if len(out) == n {
				return out, nil
			}
		}
		if len(rows) < page {
			return out, nil
		}
		after = rows[len(rows)-1].CombinationIndex
	}
}

// Assign grants (productCode, index) to storefront. Repeating an identical grant is a no-op that
// reports AssignAlreadyGranted. A grant held by another storefront returns ErrCombinationTaken.
func (e *AllocationEngine) Assign(ctx context.Context, productCode string, index int, channel, storefront string) (AssignResult, error) {
	return e.assign(ctx, productCode, index, channel, storefront, models.AssignmentSourceEngine, e.OnePerStorefront)
}

func (e *AllocationEngine) assign(ctx context.Context, productCode string, index int, channel, storefront, source string, onePerStorefront bool) (AssignResult, error) {
	for _, f := range [][2]string{{"product_code", productCode}, {"channel", channel}, {"storefront", storefront}} {
		if err := requireField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if index < 0 {
		return "", utils.NewValidationError("combination_index", "negative index %d", index)
	}

	holder, err := models.FindAssignmentHolder(ctx, e.db, channel, productCode, index)
	if err != nil {
		return "", err
	}
	if holder != nil {
		if holder.Storefront == storefront {
			return AssignAlreadyGranted, nil
		}
		return "", ErrCombinationTaken
	}

	if onePerStorefront {
		has, err := models.StorefrontHasProduct(ctx, e.db, channel, storefront, productCode)
		if err != nil {
			return "", err
		}
		if has {
			return "", ErrStorefrontHasProduct
		}
	}

	combo, err := models.GetCombination(ctx, e.db, productCode, index)
	if err != nil {
		return "", err
	}
	if combo == nil {
		return "", utils.NewValidationError("combination_index", "product %s has no combination %d", productCode, index)
	}

	inserted, err := models.InsertAssignment(ctx, e.db, &models.Assignment{
		Channel:          channel,
		Storefront:       storefront,
		ProductCode:      productCode,
		CombinationIndex: index,
		Source:           source,
	})
	if err != nil {
		if !utils.IsDuplicateKeyErr(err) {
			return "", err
		}
		inserted = false
	}
	if inserted {
		return AssignGranted, nil
	}

	// lost the race; report whoever won
	holder, err = models.FindAssignmentHolder(ctx, e.db, channel, productCode, index)
	if err != nil {
		return "", err
	}
	if holder != nil && holder.Storefront == storefront {
		return AssignAlreadyGranted, nil
	}
	return "", ErrCombinationTaken
}

// GetAndAssign picks and grants the next combination in one critical section: a per
// (channel, product) lock around a transaction, retried when a concurrent writer takes the index first.
// A storefront that already holds the product under the one-per-storefront policy gets that grant back.
func (e *AllocationEngine) GetAndAssign(ctx context.Context, channel, storefront, productCode string) (*models.Combination, AssignResult, error) {
	for _, f := range [][2]string{{"product_code", productCode}, {"channel", channel}, {"storefront", storefront}} {
		if err := requireField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	ctx = utils.SetChannelInContext(ctx, channel)
	release, err := e.locker.Lock(ctx, allocationLockKey(channel, productCode))
	if err != nil {
		e.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
			"module":   "allocation.go",
			"funcName": "GetAndAssign",
			"key":      allocationLockKey(channel, productCode),
		}).Error(err.Error())
		return nil, "", err
	}
	defer release()

	if e.OnePerStorefront {
		existing, err := e.heldCombination(ctx, channel, storefront, productCode)
		if err != nil {
			return nil, "", err
		}
		if existing != nil {
			return existing, AssignAlreadyGranted, nil
		}
	}

	var (
		combo  *models.Combination
		result AssignResult
	)
	for attempt := 0; attempt < getAndAssignAttempts; attempt++ {
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			eng := e.withDB(tx)
			next, err := eng.GetNextAvailable(ctx, productCode, channel, storefront)
			if err != nil {
				return err
			}
			if next == nil {
				combo, result = nil, ""
				return nil
			}
			res, err := eng.Assign(ctx, productCode, next.CombinationIndex, channel, storefront)
			if err != nil {
				return err
			}
			combo, result = next, res
			return nil
		})
		if errors.Is(err, ErrCombinationTaken) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return combo, result, nil
	}
	return nil, "", err
}

func (e *AllocationEngine) heldCombination(ctx context.Context, channel, storefront, productCode string) (*models.Combination, error) {
	var a models.Assignment
	err := e.db.WithContext(ctx).
		Where("channel = ? AND storefront = ? AND product_code = ?", channel, storefront, productCode).
		Order("combination_index ASC").
		Limit(1).Find(&a).Error
	if err != nil || a.ID == 0 {
		return nil, err
	}
	return models.GetCombination(ctx, e.db, productCode, a.CombinationIndex)
}
