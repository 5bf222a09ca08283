package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/listing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "ACTIVE"
	ProductStatusArchived ProductStatus = "ARCHIVED"
)

func (s ProductStatus) IsValid() bool {
	return s == ProductStatusActive || s == ProductStatusArchived
}

// CategorySeparator splits a category path into levels, e.g. "Living>Kitchen>Cups".
const CategorySeparator = ">"

type Product struct {
	ID           uint          `gorm:"primary_key" json:"id"`
	ProductCode  string        `gorm:"uniqueIndex;size:100;not null" json:"product_code"`
	NamesJSON    []byte        `gorm:"type:json" json:"-"`
	NameCount    int           `gorm:"not null;default:0" json:"name_count"`
	DisplayName  string        `gorm:"size:500" json:"display_name"`
	ImageAURL    string        `gorm:"column:image_a_url;type:text" json:"image_a_url"`
	ImageBURL    string        `gorm:"column:image_b_url;type:text" json:"image_b_url"`
	CategoryPath string        `gorm:"size:500;index" json:"category_path"`
	Status       ProductStatus `gorm:"size:20;not null;default:ACTIVE;index" json:"status"`
	// ContentHash fingerprints names and image URLs; CombinationsHash is the ContentHash the
	// current combination set was generated from.
	ContentHash      string    `gorm:"size:64" json:"content_hash"`
	CombinationsHash string    `gorm:"size:64" json:"combinations_hash"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductAttribute holds ingest fields that have no fixed column.
type ProductAttribute struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	ProductCode string    `gorm:"uniqueIndex:idx_product_attribute,priority:1;size:100;not null" json:"product_code"`
	AttrKey     string    `gorm:"uniqueIndex:idx_product_attribute,priority:2;size:100;not null" json:"key"`
	AttrValue   string    `gorm:"type:text" json:"value"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	ProductCode  string            `json:"product_code" validate:"required,max=100"`
	Names        []string          `json:"names"`
	ImageAURL    string            `json:"image_a_url"`
	ImageBURL    string            `json:"image_b_url"`
	CategoryPath string            `json:"category_path" validate:"max=500"`
	Status       ProductStatus     `json:"status"`
	Attributes   map[string]string `json:"attributes"`
}

type UpsertProductResult struct {
	Product *Product
	Created bool
	// ContentChanged is true when names or image URLs differ from the stored record.
	ContentChanged bool
}

// Names decodes the ordered name list.
func (p *Product) Names() []string {
	if p == nil || len(p.NamesJSON) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(p.NamesJSON, &names); err != nil {
		return nil
	}
	return names
}

func (p *Product) SetNames(names []string) {
	names = NormalizeNames(names)
	b, _ := json.Marshal(names)
	p.NamesJSON = b
	p.NameCount = len(names)
	if len(names) > 0 {
		p.DisplayName = names[0]
	} else {
		p.DisplayName = ""
	}
}

// SeasonText is the text scored by the season filter.
func (p *Product) SeasonText() (string, string) {
	return strings.Join(p.Names(), " "), p.CategoryPath
}

// NormalizeNames trims, drops blanks and keeps the first occurrence of each name.
func NormalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// ContentFingerprint is stable over the fields that drive combination generation.
func ContentFingerprint(names []string, imageA, imageB string) string {
	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0x1f})
	}
	h.Write([]byte{0x1e})
	h.Write([]byte(strings.TrimSpace(imageA)))
	h.Write([]byte{0x1e})
	h.Write([]byte(strings.TrimSpace(imageB)))
	return hex.EncodeToString(h.Sum(nil))
}

func (input *NewProduct) validate() error {
	input.ProductCode = strings.TrimSpace(input.ProductCode)
	if input.Status == "" {
		input.Status = ProductStatusActive
	}
	if !input.Status.IsValid() {
		return utils.NewValidationError("status", "unknown product status %q", input.Status)
	}
	return utils.ValidateStruct(input)
}

// UpsertProduct inserts or updates a catalog record keyed by product code.
func UpsertProduct(ctx context.Context, db *gorm.DB, input *NewProduct) (*UpsertProductResult, error) {
	if input == nil {
		return nil, utils.NewValidationError("product", "input is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	var result UpsertProductResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Product
		err := tx.Where("product_code = ?", input.ProductCode).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		product := existing
		product.ProductCode = input.ProductCode
		product.SetNames(input.Names)
		product.ImageAURL = strings.TrimSpace(input.ImageAURL)
		product.ImageBURL = strings.TrimSpace(input.ImageBURL)
		product.CategoryPath = strings.TrimSpace(input.CategoryPath)
		product.Status = input.Status
		product.ContentHash = ContentFingerprint(product.Names(), product.ImageAURL, product.ImageBURL)

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&product).Error; err != nil {
				return err
			}
			result.Created = true
			result.ContentChanged = true
		} else {
			result.ContentChanged = existing.ContentHash != product.ContentHash
			if err := tx.Model(&Product{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
				"names_json":    product.NamesJSON,
				"name_count":    product.NameCount,
				"display_name":  product.DisplayName,
				"image_a_url":   product.ImageAURL,
				"image_b_url":   product.ImageBURL,
				"category_path": product.CategoryPath,
				"status":        product.Status,
				"content_hash":  product.ContentHash,
			}).Error; err != nil {
				return err
			}
		}

		if err := upsertProductAttributes(tx, product.ProductCode, input.Attributes); err != nil {
			return err
		}
		result.Product = &product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func upsertProductAttributes(tx *gorm.DB, productCode string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	rows := make([]ProductAttribute, 0, len(attrs))
	for k, v := range attrs {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		rows = append(rows, ProductAttribute{ProductCode: productCode, AttrKey: k, AttrValue: v})
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_code"}, {Name: "attr_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"attr_value", "updated_at"}),
	}).Create(&rows).Error
}

func GetProduct(ctx context.Context, db *gorm.DB, productCode string) (*Product, error) {
	var product Product
	if err := db.WithContext(ctx).Where("product_code = ?", productCode).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &product, nil
}

func GetProductAttributes(ctx context.Context, db *gorm.DB, productCode string) (map[string]string, error) {
	var rows []ProductAttribute
	if err := db.WithContext(ctx).Where("product_code = ?", productCode).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.AttrKey] = r.AttrValue
	}
	return out, nil
}

// MarkCombinationsGenerated records which content the current combination set reflects.
func MarkCombinationsGenerated(ctx context.Context, db *gorm.DB, productCode string, contentHash string) error {
	return db.WithContext(ctx).Model(&Product{}).
		Where("product_code = ?", productCode).
		UpdateColumn("combinations_hash", contentHash).Error
}

// CategoryLikePattern builds the LIKE pattern for a "large>medium" category selector.
// Each level is matched as a substring, in order.
func CategoryLikePattern(category string) string {
	parts := strings.Split(category, CategorySeparator)
	levels := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		levels = append(levels, escapeLike(p))
	}
	if len(levels) == 0 {
		return "%"
	}
	return "%" + strings.Join(levels, "%"+CategorySeparator+"%") + "%"
}

// LikeEscapeClause must follow every LIKE that uses CategoryLikePattern.
// "!" escapes identically on MySQL and SQLite.
const LikeEscapeClause = "ESCAPE '!'"

func escapeLike(s string) string {
	r := strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)
	return r.Replace(s)
}
