package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/testutil"
)

func TestSyncCombinations_MissingAndChanged(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	logger := testutil.Logger(t)

	testutil.SeedProduct(t, ctx, db, "P1", []string{"a", "b"}, "x", "y", "Cat")
	testutil.SeedProduct(t, ctx, db, "P2", []string{"c"}, "", "", "Cat")
	testutil.SeedProduct(t, ctx, db, "P3", nil, "x", "", "Cat")
	if _, err := models.UpsertProduct(ctx, db, &models.NewProduct{ProductCode: "P4", Names: []string{"d"}, Status: models.ProductStatusArchived}); err != nil {
		t.Fatalf("seed archived: %v", err)
	}

	sum, err := SyncCombinations(ctx, db, logger, SyncOptions{})
	if err != nil {
		t.Fatalf("SyncCombinations: %v", err)
	}
	if sum.Total != 2 || sum.Generated != 2 || sum.Failed != 0 {
		t.Fatalf("expected P1 and P2 generated, got %+v", sum.SyncProgress)
	}
	if n, _ := models.CountCombinations(ctx, db, "P1"); n != 4 {
		t.Fatalf("expected 4 combinations for P1, got %d", n)
	}

	sum, err = SyncCombinations(ctx, db, logger, SyncOptions{})
	if err != nil || sum.Total != 0 {
		t.Fatalf("expected nothing left to sync, got %+v %v", sum, err)
	}

	testutil.SeedAssignment(t, ctx, db, "market", "shop-1", "P1", 3)
	testutil.SeedProduct(t, ctx, db, "P1", []string{"a", "b", "c"}, "x", "y", "Cat")

	sum, err = SyncCombinations(ctx, db, logger, SyncOptions{OnlyMissing: true})
	if err != nil || sum.Total != 0 {
		t.Fatalf("expected changed product ignored with only-missing, got %+v %v", sum, err)
	}

	sum, err = SyncCombinations(ctx, db, logger, SyncOptions{})
	if err != nil {
		t.Fatalf("SyncCombinations: %v", err)
	}
	if sum.Total != 1 || sum.Generated != 1 {
		t.Fatalf("expected changed P1 regenerated, got %+v", sum.SyncProgress)
	}
	combos, _ := models.ListCombinations(ctx, db, "P1")
	// idx 3 kept, 6 new rows from 4
	if len(combos) != 7 || combos[0].CombinationIndex != 3 || combos[1].CombinationIndex != 4 {
		t.Fatalf("expected assigned idx 3 kept and new rows from 4, got %d rows starting %d", len(combos), combos[0].CombinationIndex)
	}
}

func TestSyncCombinations_ProgressEveryTenAndBatchEnd(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	for i := 0; i < 25; i++ {
		testutil.SeedProduct(t, ctx, db, fmt.Sprintf("P%02d", i), []string{"n"}, "", "", "Cat")
	}

	var calls []SyncProgress
	sum, err := SyncCombinations(ctx, db, testutil.Logger(t), SyncOptions{
		BatchSize: 10,
		Progress:  func(p SyncProgress) { calls = append(calls, p) },
	})
	if err != nil {
		t.Fatalf("SyncCombinations: %v", err)
	}
	if sum.Processed != 25 || sum.Generated != 25 {
		t.Fatalf("expected 25 processed, got %+v", sum.SyncProgress)
	}
	processed := make([]int, 0, len(calls))
	for _, c := range calls {
		processed = append(processed, c.Processed)
	}
	if len(processed) != 3 || processed[0] != 10 || processed[1] != 20 || processed[2] != 25 {
		t.Fatalf("expected progress at 10, 20, 25, got %v", processed)
	}
	if calls[2].Current != "P24" {
		t.Fatalf("expected last current P24, got %s", calls[2].Current)
	}
}

func TestSyncCombinations_Cancel(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	for i := 0; i < 8; i++ {
		testutil.SeedProduct(t, ctx, db, fmt.Sprintf("P%d", i), []string{"n"}, "", "", "Cat")
	}

	checks := 0
	sum, err := SyncCombinations(ctx, db, testutil.Logger(t), SyncOptions{
		ShouldCancel: func() bool {
			checks++
			return checks > 5
		},
	})
	if err != nil {
		t.Fatalf("SyncCombinations: %v", err)
	}
	if !sum.Cancelled || sum.Processed != 5 {
		t.Fatalf("expected cancel after 5 items, got %+v cancelled=%v", sum.SyncProgress, sum.Cancelled)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	sum, err = SyncCombinations(ctx, db, testutil.Logger(t), SyncOptions{})
	if err != nil || sum.Total != 3 {
		t.Fatalf("expected remaining 3 products, got %+v %v", sum, err)
	}
	sum, err = RegenerateCombinations(cctx, db, testutil.Logger(t), GenerateOptions{ForceRegenerate: true}, SyncOptions{})
	if err == nil && !sum.Cancelled {
		t.Fatalf("expected a cancelled context to stop the run")
	}
}

func TestRegenerateCombinations_ExplicitCodes(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	logger := testutil.Logger(t)
	seedGenerated(t, ctx, db, "P1", []string{"a", "b"}, "x", "", "Cat")

	sum, err := RegenerateCombinations(ctx, db, logger, GenerateOptions{ForceRegenerate: true}, SyncOptions{ProductCodes: []string{"P1", "GONE"}})
	if err != nil {
		t.Fatalf("RegenerateCombinations: %v", err)
	}
	if sum.Total != 2 || sum.Generated != 1 || sum.Skipped != 1 {
		t.Fatalf("expected one regenerated and one skipped, got %+v", sum.SyncProgress)
	}

	sum, err = RegenerateCombinations(ctx, db, logger, GenerateOptions{}, SyncOptions{})
	if err != nil {
		t.Fatalf("RegenerateCombinations: %v", err)
	}
	if sum.Total != 1 || sum.Skipped != 1 {
		t.Fatalf("expected existing set left alone without flags, got %+v", sum.SyncProgress)
	}
}

func TestSyncCombinations_RetriesPartlyWrittenProduct(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	logger := testutil.Logger(t)
	rejectCombinationName(t, db, "Bad")
	testutil.SeedProduct(t, ctx, db, "F1", []string{"Good1", "Bad", "Good2"}, "u1", "", "Cat")

	var failures []ItemFailure
	sum, err := SyncCombinations(ctx, db, logger, SyncOptions{OnItemError: func(f ItemFailure) { failures = append(failures, f) }})
	if err != nil {
		t.Fatalf("SyncCombinations: %v", err)
	}
	if sum.Failed != 1 || sum.Generated != 0 || len(failures) != 1 || failures[0].ProductCode != "F1" {
		t.Fatalf("expected F1 reported as failed, got %+v %+v", sum.SyncProgress, failures)
	}

	if err := db.Exec("DROP TRIGGER reject_combination_name").Error; err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	sum, err = SyncCombinations(ctx, db, logger, SyncOptions{})
	if err != nil {
		t.Fatalf("second SyncCombinations: %v", err)
	}
	if sum.Total != 1 || sum.Generated != 1 || sum.Failed != 0 {
		t.Fatalf("expected F1 picked up again, got %+v", sum.SyncProgress)
	}
	if n, _ := models.CountCombinations(ctx, db, "F1"); n != 3 {
		t.Fatalf("expected 3 combinations after retry, got %d", n)
	}
}
