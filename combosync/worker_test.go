package combosync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/testutil"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/mmdatafocus/listing_backend/workflow"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := testutil.DB(t)
	testutil.UseGlobalDB(t, db)
	return db
}

func queueRun(t *testing.T, db *gorm.DB, kind string, opts RunOptions) *models.ComboSyncRun {
	t.Helper()
	run := &models.ComboSyncRun{
		Kind:        kind,
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: models.SyncTriggeredManual,
		OptionsJSON: EncodeOptions(opts),
	}
	if err := db.Create(run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func reloadRun(t *testing.T, db *gorm.DB, id uint) *models.ComboSyncRun {
	t.Helper()
	run, err := models.GetComboSyncRun(context.Background(), db, id)
	if err != nil {
		t.Fatalf("load run %d: %v", id, err)
	}
	return run
}

// waitFinished polls until the in-process worker closes the run.
func waitFinished(t *testing.T, db *gorm.DB, id uint) *models.ComboSyncRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run := reloadRun(t, db, id); run.IsFinished() {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %d did not finish", id)
	return nil
}

func TestProcessRun_CatalogSync(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	testutil.SeedProduct(t, ctx, db, "P1", []string{"a", "b"}, "x", "y", "Cat")
	testutil.SeedProduct(t, ctx, db, "P2", []string{"c"}, "", "", "Cat")
	run := queueRun(t, db, models.SyncKindCatalog, RunOptions{})

	if err := ProcessRun(ctx, run.ID); err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	got := reloadRun(t, db, run.ID)
	if got.Status != models.SyncRunStatusSuccess || got.Total != 2 || got.Processed != 2 || got.Generated != 2 {
		t.Fatalf("unexpected run %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected start and finish times")
	}
	var stats workflow.SyncProgress
	if err := json.Unmarshal(got.StatsJSON, &stats); err != nil || stats.Generated != 2 {
		t.Fatalf("unexpected stats %s %v", got.StatsJSON, err)
	}

	// redelivery leaves a finished run alone
	if err := ProcessRun(ctx, run.ID); err != nil {
		t.Fatalf("ProcessRun redelivery: %v", err)
	}
	if again := reloadRun(t, db, run.ID); !again.FinishedAt.Equal(*got.FinishedAt) {
		t.Fatalf("expected finished run untouched")
	}
}

func TestProcessRun_RegenerateWithOptions(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	p := testutil.SeedProduct(t, ctx, db, "P1", []string{"a", "b"}, "x", "y", "Cat")
	testutil.SeedProduct(t, ctx, db, "P2", []string{"c"}, "", "", "Cat")
	if _, err := workflow.GenerateCombinations(ctx, db, testutil.Logger(t), p, workflow.GenerateOptions{}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	run := queueRun(t, db, models.SyncKindRegenerate, RunOptions{ProductCodes: []string{" P1 ", ""}, ForceRegenerate: true})

	if err := ProcessRun(ctx, run.ID); err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	got := reloadRun(t, db, run.ID)
	if got.Status != models.SyncRunStatusSuccess || got.Total != 1 || got.Generated != 1 {
		t.Fatalf("expected only P1 regenerated, got %+v", got)
	}
	if n, _ := models.CountCombinations(ctx, db, "P2"); n != 0 {
		t.Fatalf("expected P2 untouched, got %d combinations", n)
	}
}

func TestProcessRun_CancelledBeforeStart(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	testutil.SeedProduct(t, ctx, db, "P1", []string{"a"}, "", "", "Cat")
	run := queueRun(t, db, models.SyncKindCatalog, RunOptions{})
	if ok, err := models.RequestComboSyncCancel(ctx, db, run.ID); err != nil || !ok {
		t.Fatalf("request cancel: %v %v", ok, err)
	}

	if err := ProcessRun(ctx, run.ID); err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	got := reloadRun(t, db, run.ID)
	if got.Status != models.SyncRunStatusCancelled || got.Processed != 0 {
		t.Fatalf("expected cancelled without work, got %+v", got)
	}
	if n, _ := models.CountCombinations(ctx, db, "P1"); n != 0 {
		t.Fatalf("expected nothing generated, got %d", n)
	}
	if ok, _ := models.RequestComboSyncCancel(ctx, db, run.ID); ok {
		t.Fatalf("expected cancel of a finished run to be refused")
	}
}

func TestProcessRun_UnknownRun(t *testing.T) {
	setupDB(t)
	if err := ProcessRun(context.Background(), 0); err == nil {
		t.Fatalf("expected error for run 0")
	}
	if err := ProcessRun(context.Background(), 42); err == nil {
		t.Fatalf("expected error for missing run")
	}
}

func TestCreateSyncError_Codes(t *testing.T) {
	db := setupDB(t)
	run := queueRun(t, db, models.SyncKindCatalog, RunOptions{})

	tests := []struct {
		code      string
		err       error
		expected  string
		retryable bool
	}{
		{"P1", utils.NewValidationError("product_code", "blank"), "invalid_product", false},
		{"P2", context.Canceled, "cancelled", true},
		{"", workflow.ErrRunCancelled, "run_failed", true},
		{"P3", workflow.ErrLockNotObtained, "generate_failed", true},
	}
	for _, tc := range tests {
		if err := createSyncError(db, run.ID, tc.code, tc.err); err != nil {
			t.Fatalf("createSyncError: %v", err)
		}
	}
	var rows []models.ComboSyncError
	db.Where("sync_run_id = ?", run.ID).Order("id ASC").Find(&rows)
	if len(rows) != len(tests) {
		t.Fatalf("expected %d rows, got %d", len(tests), len(rows))
	}
	for i, tc := range tests {
		if rows[i].ErrorCode != tc.expected || rows[i].Retryable != tc.retryable {
			t.Fatalf("row %d: expected %s/%v, got %s/%v", i, tc.expected, tc.retryable, rows[i].ErrorCode, rows[i].Retryable)
		}
	}
}

func TestPubSubPushHandler_ProcessesRun(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	testutil.SeedProduct(t, ctx, db, "P1", []string{"a"}, "", "", "Cat")
	run := queueRun(t, db, models.SyncKindCatalog, RunOptions{})

	r := testutil.Router()
	r.POST("/pubsub/combo-sync", PubSubPushHandler())

	data, _ := json.Marshal(SyncPubSubPayload{RunId: run.ID, CorrelationId: "cid-1"})
	envelope := map[string]any{"message": map[string]any{"data": data, "messageId": "1"}, "subscription": "sub"}
	if w := testutil.DoRequest(r, http.MethodPost, "/pubsub/combo-sync", envelope); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := reloadRun(t, db, run.ID); got.Status != models.SyncRunStatusSuccess {
		t.Fatalf("expected run processed, got %s", got.Status)
	}

	for _, body := range [][]byte{[]byte("not json"), []byte(`{"message":{"data":"bm90IGpzb24="}}`), []byte(`{"message":{"data":"e30="}}`)} {
		if w := testutil.DoRequest(r, http.MethodPost, "/pubsub/combo-sync", body); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204 for bad push %s, got %d", body, w.Code)
		}
	}

	testutil.Setenv(t, "ENABLE_COMBO_SYNC_PUSH_ENDPOINT", "false")
	disabled := queueRun(t, db, models.SyncKindCatalog, RunOptions{})
	data, _ = json.Marshal(SyncPubSubPayload{RunId: disabled.ID})
	envelope = map[string]any{"message": map[string]any{"data": data}}
	testutil.DoRequest(r, http.MethodPost, "/pubsub/combo-sync", envelope)
	if got := reloadRun(t, db, disabled.ID); got.Status != models.SyncRunStatusQueued {
		t.Fatalf("expected disabled endpoint to ignore the push, got %s", got.Status)
	}
}

func TestDispatchRun_LocalQueue(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	testutil.Setenv(t, "COMBO_SYNC_TOPIC", "")
	testutil.SeedProduct(t, ctx, db, "P1", []string{"a", "b"}, "x", "", "Cat")
	run := queueRun(t, db, models.SyncKindCatalog, RunOptions{})

	if err := DispatchRun(ctx, run.ID); err != nil {
		t.Fatalf("DispatchRun: %v", err)
	}
	got := waitFinished(t, db, run.ID)
	if got.Status != models.SyncRunStatusSuccess || got.Generated != 1 {
		t.Fatalf("unexpected run %+v", got)
	}
}

func TestRunOptions_Normalize(t *testing.T) {
	opts := DecodeOptions(EncodeOptions(RunOptions{ProductCodes: []string{" A ", "", "B"}, BatchSize: 1000, OnlyMissing: true}))
	if len(opts.ProductCodes) != 2 || opts.ProductCodes[0] != "A" || opts.BatchSize != 0 || !opts.OnlyMissing {
		t.Fatalf("unexpected options %+v", opts)
	}
	if got := DecodeOptions([]byte("{bad")); len(got.ProductCodes) != 0 {
		t.Fatalf("expected zero options for bad json")
	}
}
