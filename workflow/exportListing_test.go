package workflow

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/testutil"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/xuri/excelize/v2"
)

func TestExportListing_WorkbookAndHistory(t *testing.T) {
	testutil.Setenv(t, "EXPORT_BUCKET", "")
	ctx := utils.SetOperatorInContext(context.Background(), "ops@example.com")
	db := testutil.DB(t)
	seedCatalog(t, ctx, db)
	e := newTestEngine(t, db, true)
	dir := t.TempDir()

	res, err := e.ExportListing(ctx, ExportListingRequest{
		Channel:         "market",
		Storefront:      "shop-1",
		Categories:      []string{"Women>Dress", "Women", "Women>Dress"},
		ExcludeAssigned: true,
		OutputDir:       dir,
		Upload:          true,
	}, nil)
	if err != nil {
		t.Fatalf("ExportListing: %v", err)
	}
	if len(res.Rows) != 3 || res.Failed != 0 {
		t.Fatalf("expected D1, D2, S1 once each, got %+v", res.Rows)
	}
	if res.Rows[0].ProductCode != "D1" || res.Rows[0].CombinationIndex != 0 || res.Rows[0].ImageURL != "a" {
		t.Fatalf("unexpected first row %+v", res.Rows[0])
	}

	f, err := excelize.OpenReader(bytes.NewReader(res.Content))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "product_code" || rows[1][0] != "D1" || rows[3][0] != "S1" {
		t.Fatalf("unexpected sheet rows %v", rows)
	}

	h := res.History
	if h.ID == 0 || h.Mode != ExportModeNew || h.ProductCount != 3 || h.Operator != "ops@example.com" {
		t.Fatalf("unexpected history %+v", h)
	}
	// upload skipped without a bucket, local copy kept
	if !strings.HasPrefix(h.FileURL, dir) {
		t.Fatalf("expected local file url, got %s", h.FileURL)
	}
	if _, err := os.Stat(h.FileURL); err != nil {
		t.Fatalf("expected exported file: %v", err)
	}

	for _, code := range []string{"D1", "D2", "S1"} {
		if has, _ := models.StorefrontHasProduct(ctx, db, "market", "shop-1", code); !has {
			t.Fatalf("expected %s granted to shop-1", code)
		}
	}

	again, err := e.ExportListing(ctx, ExportListingRequest{Channel: "market", Storefront: "shop-1", Categories: []string{"Women"}, ExcludeAssigned: true}, nil)
	if err != nil {
		t.Fatalf("second ExportListing: %v", err)
	}
	if len(again.Rows) != 0 || again.History.ProductCount != 0 {
		t.Fatalf("expected nothing new for shop-1, got %+v", again.Rows)
	}

	history, err := models.ListExportHistory(ctx, db, "market", 10)
	if err != nil || len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d %v", len(history), err)
	}
}

func TestExportListing_MaxItemsAndValidation(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	seedCatalog(t, ctx, db)
	e := newTestEngine(t, db, true)

	res, err := e.ExportListing(ctx, ExportListingRequest{Channel: "market", Storefront: "shop-2", MaxItems: 2}, nil)
	if err != nil {
		t.Fatalf("ExportListing: %v", err)
	}
	if len(res.Rows) != 2 || res.History.Mode != ExportModeAll {
		t.Fatalf("expected 2 rows in mode all, got %d %s", len(res.Rows), res.History.Mode)
	}

	if _, err := e.ExportListing(ctx, ExportListingRequest{Channel: "market"}, nil); err == nil {
		t.Fatalf("expected validation error without storefront")
	}
}

func TestExportFileName(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("KST", 9*3600))
	got := exportFileName("smart store", "shop/1", at)
	if got != "listing_smart_store_shop_1_20250303_200607.xlsx" {
		t.Fatalf("unexpected file name %s", got)
	}
}
