package combosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/mmdatafocus/listing_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	localQueueSize      = 64
	cancelCheckInterval = time.Second
)

var (
	queueOnce  sync.Once
	localQueue chan SyncPubSubPayload
)

// enqueueLocal hands the run to the in-process worker goroutine.
func enqueueLocal(payload SyncPubSubPayload) error {
	queueOnce.Do(func() {
		localQueue = make(chan SyncPubSubPayload, localQueueSize)
		go func() {
			for p := range localQueue {
				ctx := utils.SetCorrelationIdInContext(context.Background(), p.CorrelationId)
				if err := ProcessRun(ctx, p.RunId); err != nil {
					config.LogError(config.GetLogger(), "combosync", "enqueueLocal", "process run", p.RunId, err)
				}
			}
		}()
	})
	select {
	case localQueue <- payload:
		return nil
	default:
		return errors.New("combo sync queue is full")
	}
}

// ProcessRun executes a queued run to completion. Finished runs are left untouched, so a
// redelivered message is harmless.
func ProcessRun(ctx context.Context, runId uint) error {
	if runId == 0 {
		return errors.New("invalid run id")
	}
	ctx = utils.SetSyncRunIdInContext(ctx, runId)
	logger := config.GetLogger()
	db := config.GetDB().WithContext(ctx)

	run, err := models.GetComboSyncRun(ctx, db, runId)
	if err != nil {
		return err
	}
	if run.IsFinished() || run.Status == models.SyncRunStatusRunning {
		return nil
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if run.CancelRequested {
		return finishRun(db, run, models.SyncRunStatusCancelled, *startedAt, nil)
	}

	// claim the run; a concurrent delivery sees zero rows and stops
	claim := db.Model(&models.ComboSyncRun{}).
		Where("id = ? AND status = ?", run.ID, models.SyncRunStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": startedAt,
		})
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil
	}

	opts := DecodeOptions(run.OptionsJSON)
	lastPersist := time.Time{}
	lastCancelCheck := time.Time{}
	cancelled := false
	syncOpts := workflow.SyncOptions{
		ProductCodes: opts.ProductCodes,
		OnlyMissing:  opts.OnlyMissing,
		BatchSize:    opts.BatchSize,
		Progress: func(p workflow.SyncProgress) {
			if time.Since(lastPersist) < 500*time.Millisecond && p.Processed != p.Total {
				return
			}
			lastPersist = time.Now()
			if err := db.Model(&models.ComboSyncRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
				"total":       p.Total,
				"processed":   p.Processed,
				"generated":   p.Generated,
				"skipped":     p.Skipped,
				"error_count": p.Failed,
			}).Error; err != nil {
				config.LogError(logger, "combosync", "ProcessRun", "persist progress", run.ID, err)
			}
		},
		OnItemError: func(f workflow.ItemFailure) {
			_ = createSyncError(db, run.ID, f.ProductCode, f.Err)
		},
		ShouldCancel: func() bool {
			if time.Since(lastCancelCheck) < cancelCheckInterval {
				return cancelled
			}
			lastCancelCheck = time.Now()
			cancelled = models.IsComboSyncCancelRequested(ctx, db, run.ID)
			return cancelled
		},
	}

	var summary *workflow.SyncSummary
	switch run.Kind {
	case models.SyncKindRegenerate:
		summary, err = workflow.RegenerateCombinations(ctx, config.GetDB(), logger, workflow.GenerateOptions{
			UpdateExisting:  opts.UpdateExisting,
			ForceRegenerate: opts.ForceRegenerate,
		}, syncOpts)
	default:
		summary, err = workflow.SyncCombinations(ctx, config.GetDB(), logger, syncOpts)
	}
	if err != nil {
		_ = createSyncError(db, run.ID, "", err)
		return finishRun(db, run, models.SyncRunStatusFailed, *startedAt, summary)
	}

	status := models.SyncRunStatusSuccess
	switch {
	case summary.Cancelled:
		status = models.SyncRunStatusCancelled
	case summary.Failed > 0 && summary.Generated == 0:
		status = models.SyncRunStatusFailed
	case summary.Failed > 0:
		status = models.SyncRunStatusPartial
	}
	logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"run_id":    run.ID,
		"kind":      run.Kind,
		"status":    status,
		"processed": summary.Processed,
		"generated": summary.Generated,
		"failed":    summary.Failed,
	}).Info("combo sync run finished")
	return finishRun(db, run, status, *startedAt, summary)
}

func finishRun(db *gorm.DB, run *models.ComboSyncRun, status string, startedAt time.Time, summary *workflow.SyncSummary) error {
	finishedAt := time.Now()
	update := map[string]interface{}{
		"status":      status,
		"started_at":  startedAt,
		"finished_at": finishedAt,
		"duration_ms": finishedAt.Sub(startedAt).Milliseconds(),
	}
	if summary != nil {
		stats, _ := utils.MarshalToJSON(summary.SyncProgress)
		update["total"] = summary.Total
		update["processed"] = summary.Processed
		update["generated"] = summary.Generated
		update["skipped"] = summary.Skipped
		update["error_count"] = summary.Failed
		update["stats_json"] = []byte(stats)
	}
	// the run is closed even when the request context is gone
	return db.WithContext(context.WithoutCancel(db.Statement.Context)).
		Model(&models.ComboSyncRun{}).
		Where("id = ?", run.ID).
		Updates(update).Error
}

func createSyncError(db *gorm.DB, runId uint, productCode string, err error) error {
	code := "generate_failed"
	retryable := true
	var verr *utils.ValidationError
	switch {
	case errors.As(err, &verr):
		code = "invalid_product"
		retryable = false
	case errors.Is(err, context.Canceled):
		code = "cancelled"
	case productCode == "":
		code = "run_failed"
	}
	return db.Create(&models.ComboSyncError{
		SyncRunId:   runId,
		ProductCode: productCode,
		ErrorCode:   code,
		Message:     fmt.Sprint(err),
		Retryable:   retryable,
	}).Error
}
