package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/testutil"
	"gorm.io/gorm"
)

func intPtr(i int) *int { return &i }

// seedLegacyLogs returns the upload records in insertion order.
// L1 combinations: 0 imageA/red, 1 imageB/blue, 2 imageB/red, 3 imageA/blue.
func seedLegacyLogs(t *testing.T, ctx context.Context, db *gorm.DB) []*models.UploadRecord {
	t.Helper()
	seedGenerated(t, ctx, db, "L1", []string{"red", "blue"}, "na", "mb", "Cat")
	testutil.SeedProduct(t, ctx, db, "L2", []string{"solo"}, "", "", "Cat")

	recs := []models.UploadRecord{
		{MarketName: "market", BusinessNumber: "shop-1", ProductCode: "L1", UsedProductName: "red", UploadStrategy: `{"url_type":"nukki","line_index":0}`},
		{MarketName: "market", BusinessNumber: "shop-1", ProductCode: "L1", UsedProductName: "red", UploadStrategy: `{"url_type":"nukki","line_index":0}`},
		{MarketName: "market", BusinessNumber: "shop-2", ProductCode: "L1", UsedProductName: "red", UploadStrategy: `{"url_type":"nukki","line_index":0}`},
		{MarketName: "market", BusinessNumber: "shop-3", ProductCode: "L1", UsedProductName: "blue", UsedNukkiURL: "na", UsedMixURL: "mb"},
		{MarketName: "market", BusinessNumber: "shop-3", ProductCode: "L1", UsedProductName: "red", UsedMixURL: "mb"},
		{MarketName: "", BusinessNumber: "shop-3", ProductCode: "L1", UsedProductName: "red"},
		{MarketName: "market", BusinessNumber: "shop-3", ProductCode: "NOPE", UsedProductName: "red"},
		{MarketName: "market", BusinessNumber: "shop-4", ProductCode: "L1", UsedProductName: "blue", UsedNukkiURL: "na", UploadStrategy: "{bad", ProductNameIndex: intPtr(1)},
		{MarketName: "market", BusinessNumber: "shop-5", ProductCode: "L1", UsedProductName: "red", UploadStatus: "FAILED"},
		{MarketName: "market", BusinessNumber: "shop-1", ProductCode: "L2", UsedProductName: "solo"},
	}
	out := make([]*models.UploadRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, testutil.SeedUploadRecord(t, ctx, db, r))
	}
	return out
}

func outcomeByRecord(outcomes []models.LegacyMigrationOutcome) map[uint]models.LegacyMigrationOutcome {
	m := make(map[uint]models.LegacyMigrationOutcome, len(outcomes))
	for _, o := range outcomes {
		m[o.UploadRecordId] = o
	}
	return m
}

func TestMigrateLegacyAssignments_DryRun(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	recs := seedLegacyLogs(t, ctx, db)
	e := newTestEngine(t, db, true)

	report, err := e.MigrateLegacyAssignments(ctx, LegacyMigrationOptions{DryRun: true, GenerateMissing: true})
	if err != nil {
		t.Fatalf("MigrateLegacyAssignments: %v", err)
	}
	run := report.Run
	if run.Scanned != 9 || run.Migrated != 3 || run.AlreadyPresent != 1 || run.Conflicts != 1 ||
		run.Ambiguous != 1 || run.Invalid != 1 || run.NoMatch != 2 {
		t.Fatalf("unexpected dry run counters %+v", run)
	}
	if run.ID != 0 || len(report.Outcomes) != 9 {
		t.Fatalf("expected unpersisted run with 9 outcomes, got id %d and %d outcomes", run.ID, len(report.Outcomes))
	}

	var grants, runs, rows int64
	db.Model(&models.Assignment{}).Count(&grants)
	db.Model(&models.LegacyMigrationRun{}).Count(&runs)
	db.Model(&models.LegacyMigrationOutcome{}).Count(&rows)
	if grants != 0 || runs != 0 || rows != 0 {
		t.Fatalf("dry run wrote grants=%d runs=%d outcomes=%d", grants, runs, rows)
	}

	byRec := outcomeByRecord(report.Outcomes)
	for i, want := range map[int]string{
		0: models.LegacyOutcomeMigrated,
		1: models.LegacyOutcomeAlreadyPresent,
		2: models.LegacyOutcomeConflict,
		4: models.LegacyOutcomeMigrated,
	} {
		if got := byRec[recs[i].ID].Outcome; got != want {
			t.Fatalf("record %d: got %s want %s", i, got, want)
		}
	}
	amb := byRec[recs[3].ID]
	var candidates []int
	if err := json.Unmarshal(amb.CandidatesJSON, &candidates); err != nil {
		t.Fatalf("candidates json: %v", err)
	}
	if amb.Outcome != models.LegacyOutcomeAmbiguous || len(candidates) != 2 || candidates[0] != 1 || candidates[1] != 3 {
		t.Fatalf("expected ambiguous between 1 and 3, got %s %v", amb.Outcome, candidates)
	}
	// L2 has no combinations until a real run generates them
	if byRec[recs[9].ID].Outcome != models.LegacyOutcomeNoMatch {
		t.Fatalf("expected no-match for ungenerated product, got %s", byRec[recs[9].ID].Outcome)
	}
}

func TestMigrateLegacyAssignments_Outcomes(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	recs := seedLegacyLogs(t, ctx, db)
	e := newTestEngine(t, db, true)

	var pages int
	report, err := e.MigrateLegacyAssignments(ctx, LegacyMigrationOptions{
		GenerateMissing: true,
		PageSize:        3,
		Progress:        func(models.LegacyMigrationRun) { pages++ },
	})
	if err != nil {
		t.Fatalf("MigrateLegacyAssignments: %v", err)
	}
	run := report.Run
	if run.Scanned != 9 || run.Migrated != 4 || run.AlreadyPresent != 1 || run.Conflicts != 1 ||
		run.Ambiguous != 1 || run.Invalid != 1 || run.NoMatch != 1 {
		t.Fatalf("unexpected counters %+v", run)
	}
	if run.Status != models.SyncRunStatusPartial || run.FinishedAt == nil {
		t.Fatalf("expected finished partial run, got %s", run.Status)
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}

	var outcomes []models.LegacyMigrationOutcome
	if err := db.Where("run_id = ?", run.ID).Order("upload_record_id ASC").Find(&outcomes).Error; err != nil {
		t.Fatalf("load outcomes: %v", err)
	}
	if len(outcomes) != 9 {
		t.Fatalf("expected 9 outcome rows, got %d", len(outcomes))
	}
	byRec := outcomeByRecord(outcomes)
	expected := []struct {
		rec     int
		outcome string
		index   int
	}{
		{0, models.LegacyOutcomeMigrated, 0},
		{1, models.LegacyOutcomeAlreadyPresent, 0},
		{2, models.LegacyOutcomeConflict, 0},
		{3, models.LegacyOutcomeAmbiguous, -1},
		{4, models.LegacyOutcomeMigrated, 2},
		{5, models.LegacyOutcomeInvalid, -1},
		{6, models.LegacyOutcomeNoMatch, -1},
		{7, models.LegacyOutcomeMigrated, 3},
		{9, models.LegacyOutcomeMigrated, 0},
	}
	for _, tc := range expected {
		o, ok := byRec[recs[tc.rec].ID]
		if !ok {
			t.Fatalf("record %d: no outcome", tc.rec)
		}
		if o.Outcome != tc.outcome {
			t.Fatalf("record %d: expected %s, got %s (%s)", tc.rec, tc.outcome, o.Outcome, o.Message)
		}
		if tc.index >= 0 && (o.CombinationIndex == nil || *o.CombinationIndex != tc.index) {
			t.Fatalf("record %d: expected index %d, got %v", tc.rec, tc.index, o.CombinationIndex)
		}
	}
	if byRec[recs[7].ID].Message == "" {
		t.Fatalf("expected a note for the unreadable strategy")
	}

	holder, err := models.FindAssignmentHolder(ctx, db, "market", "L1", 0)
	if err != nil || holder == nil || holder.Storefront != "shop-1" || holder.Source != models.AssignmentSourceLegacy {
		t.Fatalf("expected legacy grant of idx 0 to shop-1, got %+v %v", holder, err)
	}
	// shop-3 holds L1 idx 2 even though the policy would allow one grant only
	if has, _ := models.StorefrontHasProduct(ctx, db, "market", "shop-3", "L1"); !has {
		t.Fatalf("expected shop-3 grant")
	}

	again, err := e.MigrateLegacyAssignments(ctx, LegacyMigrationOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Run.Migrated != 0 || again.Run.AlreadyPresent != 5 {
		t.Fatalf("expected replay to be idempotent, got %+v", again.Run)
	}
}

func TestMigrateLegacyAssignments_DryRunMatchesApply(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	seedGenerated(t, ctx, db, "L1", []string{"red", "blue"}, "na", "mb", "Cat")
	for _, shop := range []string{"shop-1", "shop-2"} {
		testutil.SeedUploadRecord(t, ctx, db, models.UploadRecord{
			MarketName: "market", BusinessNumber: shop, ProductCode: "L1", UsedProductName: "red",
			UploadStrategy: `{"url_type":"nukki","line_index":0}`,
		})
	}
	e := newTestEngine(t, db, true)

	dry, err := e.MigrateLegacyAssignments(ctx, LegacyMigrationOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	applied, err := e.MigrateLegacyAssignments(ctx, LegacyMigrationOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, run := range []models.LegacyMigrationRun{dry.Run, applied.Run} {
		if run.Migrated != 1 || run.Conflicts != 1 {
			t.Fatalf("expected migrated=1 conflicts=1 (dry=%v), got %+v", run.DryRun, run)
		}
	}
}
