package combosync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/season"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/mmdatafocus/listing_backend/workflow"
	"gorm.io/gorm"
)

var (
	lockerOnce sync.Once
	locker     workflow.AllocationLocker
)

// RegisterRoutes mounts every endpoint on one router.
func RegisterRoutes(r gin.IRouter) {
	RegisterAPIRoutes(r)
	RegisterSyncRoutes(r)
}

// RegisterAPIRoutes mounts the catalog, allocation, export, season and legacy endpoints.
func RegisterAPIRoutes(r gin.IRouter) {
	r.POST("/api/products", UpsertProductHandler())
	r.GET("/api/products/:code/combinations", ListCombinationsHandler())
	r.POST("/api/products/:code/combinations/generate", GenerateHandler())

	r.GET("/api/allocations/next", NextAvailableHandler())
	r.GET("/api/allocations/check", DuplicateCheckHandler())
	r.POST("/api/allocations/assign", AssignHandler())
	r.POST("/api/allocations/get-and-assign", GetAndAssignHandler())
	r.POST("/api/allocations/bulk-fetch", BulkFetchHandler())

	r.POST("/api/exports", ExportHandler())
	r.GET("/api/exports", ExportHistoryHandler())
	r.GET("/api/seasons/status", SeasonStatusHandler())
	r.POST("/api/legacy-migrations", LegacyMigrationHandler())
}

// RegisterSyncRoutes mounts the bulk-run endpoints and the Pub/Sub push receiver.
func RegisterSyncRoutes(r gin.IRouter) {
	r.POST("/api/combo-sync/runs", TriggerSyncHandler())
	r.GET("/api/combo-sync/runs", SyncHistoryHandler())
	r.GET("/api/combo-sync/runs/:id", SyncRunDetailHandler())
	r.POST("/api/combo-sync/runs/:id/retry", RetrySyncRunHandler())
	r.POST("/api/combo-sync/runs/:id/cancel", CancelSyncRunHandler())

	r.POST("/pubsub/combo-sync", PubSubPushHandler())
}

func engine() *workflow.AllocationEngine {
	lockerOnce.Do(func() {
		locker = workflow.NewAllocationLocker(config.AllocationLockMode(), config.GetDB(), config.GetLogger())
	})
	return workflow.NewAllocationEngine(config.GetDB(), config.GetLogger(), locker)
}

// loadSnapshot returns nil when season filtering is off or the workbook cannot be loaded.
func loadSnapshot(ctx context.Context) *season.Snapshot {
	if !config.SeasonFilterEnabled() {
		return nil
	}
	snap, err := season.LoadConfigured(ctx)
	if err != nil {
		config.LogWarn(config.GetLogger(), "combosync", "loadSnapshot", "season workbook", config.SeasonWorkbookPath(), err.Error())
		return nil
	}
	return snap
}

func writeError(c *gin.Context, err error) {
	var verr *utils.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, workflow.ErrCombinationTaken), errors.Is(err, workflow.ErrStorefrontHasProduct):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, workflow.ErrLockNotObtained):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func UpsertProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewProduct
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()

		res, err := models.UpsertProduct(ctx, db, &req)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := UpsertProductResponse{Product: res.Product, Created: res.Created, ContentChanged: res.ContentChanged}
		p := res.Product
		if res.ContentChanged && p.Status == models.ProductStatusActive && p.NameCount > 0 {
			gen, err := workflow.GenerateCombinations(ctx, db, config.GetLogger(), p, workflow.GenerateOptions{UpdateExisting: !res.Created})
			if err != nil {
				writeError(c, err)
				return
			}
			resp.Generated = gen.Written
		}
		c.JSON(http.StatusOK, resp)
	}
}

func ListCombinationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.ListCombinations(c.Request.Context(), config.GetDB(), c.Param("code"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows})
	}
}

func GenerateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := config.GetDB()
		p, err := models.GetProduct(ctx, db, c.Param("code"))
		if err != nil {
			writeError(c, err)
			return
		}
		res, err := workflow.GenerateCombinations(ctx, db, config.GetLogger(), p, workflow.GenerateOptions{
			UpdateExisting:  queryBool(c, "update_existing"),
			ForceRegenerate: queryBool(c, "force_regenerate"),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func NextAvailableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		combo, err := engine().GetNextAvailable(c.Request.Context(), c.Query("product_code"), c.Query("channel"), c.Query("storefront"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"combination": combo, "exhausted": combo == nil})
	}
}

func DuplicateCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		channel, storefront, code := c.Query("channel"), c.Query("storefront"), c.Query("product_code")
		if channel == "" || storefront == "" || code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel, storefront and product_code are required"})
			return
		}
		has, err := models.StorefrontHasProduct(c.Request.Context(), config.GetDB(), channel, storefront, code)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"duplicate": has})
	}
}

func AssignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AssignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := engine().Assign(c.Request.Context(), req.ProductCode, *req.CombinationIndex, req.Channel, req.Storefront)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res})
	}
}

func GetAndAssignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GetAndAssignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		combo, res, err := engine().GetAndAssign(c.Request.Context(), req.Channel, req.Storefront, req.ProductCode)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"combination": combo, "result": res, "exhausted": combo == nil})
	}
}

func BulkFetchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.BulkFetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		var snap *season.Snapshot
		if req.SeasonFilter {
			snap = loadSnapshot(ctx)
		}
		res, err := engine().BulkFetchEligible(ctx, req, snap)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.ExportListingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		var snap *season.Snapshot
		if req.SeasonFilter {
			snap = loadSnapshot(ctx)
		}
		res, err := engine().ExportListing(ctx, req, snap)
		if err != nil {
			writeError(c, err)
			return
		}
		if queryBool(c, "download") {
			c.Header("Content-Disposition", "attachment; filename="+res.History.FileName)
			c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", res.Content)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func ExportHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.ListExportHistory(c.Request.Context(), config.GetDB(), c.Query("channel"), queryLimit(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows})
	}
}

func SeasonStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := time.Now()
		if v := strings.TrimSpace(c.Query("date")); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			ref = t
		}
		snap, err := season.LoadConfigured(c.Request.Context())
		if err != nil {
			if errors.Is(err, utils.ErrConfigurationMissing) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			writeError(c, err)
			return
		}
		resp := SeasonStatusResponse{Version: snap.Version, Reference: ref.Format("2006-01-02")}
		for i := range snap.Seasons {
			s := &snap.Seasons[i]
			item := SeasonStatusItem{ID: s.ID, Name: s.Name, Type: s.Type, Enabled: s.Enabled}
			state, err := season.Evaluate(s, ref)
			item.Validity = string(state)
			if err != nil {
				item.Error = err.Error()
			}
			resp.Seasons = append(resp.Seasons, item)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func LegacyMigrationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LegacyMigrationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		report, err := engine().MigrateLegacyAssignments(c.Request.Context(), workflow.LegacyMigrationOptions{
			DryRun:          req.DryRun,
			GenerateMissing: req.GenerateMissing,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		kind := strings.TrimSpace(req.Kind)
		if kind == "" {
			kind = models.SyncKindCatalog
		}
		if kind != models.SyncKindCatalog && kind != models.SyncKindRegenerate {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be catalog-sync or regenerate"})
			return
		}

		ctx, cid := utils.EnsureCorrelationId(c.Request.Context())
		run := models.ComboSyncRun{
			Kind:          kind,
			Status:        models.SyncRunStatusQueued,
			TriggeredBy:   models.SyncTriggeredManual,
			OptionsJSON:   EncodeOptions(req.Options),
			CorrelationId: cid,
		}
		if err := config.GetDB().WithContext(ctx).Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := DispatchRun(ctx, run.ID); err != nil {
			config.LogError(config.GetLogger(), "combosync", "TriggerSyncHandler", "dispatch", run.ID, err)
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := config.GetDB().WithContext(c.Request.Context()).Order("id desc").Limit(queryLimit(c))
		if kind := strings.TrimSpace(c.Query("kind")); kind != "" {
			q = q.Where("kind = ?", kind)
		}
		var runs []models.ComboSyncRun
		if err := q.Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := runFromParam(c)
		if !ok {
			return
		}
		var errs []models.ComboSyncError
		if err := config.GetDB().WithContext(c.Request.Context()).
			Where("sync_run_id = ?", run.ID).
			Order("id desc").
			Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Options:         DecodeOptions(run.OptionsJSON),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := runFromParam(c)
		if !ok {
			return
		}
		ctx, cid := utils.EnsureCorrelationId(c.Request.Context())
		newRun := models.ComboSyncRun{
			Kind:          run.Kind,
			Status:        models.SyncRunStatusQueued,
			TriggeredBy:   models.SyncTriggeredRetry,
			OptionsJSON:   run.OptionsJSON,
			ParentRunId:   &run.ID,
			CorrelationId: cid,
		}
		if err := config.GetDB().WithContext(ctx).Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := DispatchRun(ctx, newRun.ID); err != nil {
			config.LogError(config.GetLogger(), "combosync", "RetrySyncRunHandler", "dispatch", newRun.ID, err)
		}
		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func CancelSyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := runFromParam(c)
		if !ok {
			return
		}
		changed, err := models.RequestComboSyncCancel(c.Request.Context(), config.GetDB(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !changed {
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func runFromParam(c *gin.Context) (*models.ComboSyncRun, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	run, err := models.GetComboSyncRun(c.Request.Context(), config.GetDB(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return run, true
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return b
}

func queryLimit(c *gin.Context) int {
	limit := 20
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	return limit
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.ComboSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:              run.ID,
		Kind:            run.Kind,
		Status:          run.Status,
		StartedAt:       formatTime(run.StartedAt),
		FinishedAt:      formatTime(run.FinishedAt),
		DurationMs:      run.DurationMs,
		Total:           run.Total,
		Processed:       run.Processed,
		Generated:       run.Generated,
		Skipped:         run.Skipped,
		ErrorCount:      run.ErrorCount,
		TriggeredBy:     run.TriggeredBy,
		CancelRequested: run.CancelRequested,
		ParentRunId:     run.ParentRunId,
	}
}

func mapErrors(errorsList []models.ComboSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, e := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:          e.ID,
			ProductCode: e.ProductCode,
			ErrorCode:   e.ErrorCode,
			Message:     e.Message,
			Retryable:   e.Retryable,
		})
	}
	return out
}
