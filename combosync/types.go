package combosync

import (
	"strings"

	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/utils"
)

// RunOptions is stored on the run and replayed by retries.
type RunOptions struct {
	ProductCodes    []string `json:"productCodes"`
	OnlyMissing     bool     `json:"onlyMissing"`
	UpdateExisting  bool     `json:"updateExisting"`
	ForceRegenerate bool     `json:"forceRegenerate"`
	BatchSize       int      `json:"batchSize"`
}

func NormalizeOptions(opts RunOptions) RunOptions {
	codes := make([]string, 0, len(opts.ProductCodes))
	for _, c := range opts.ProductCodes {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	opts.ProductCodes = codes
	if opts.BatchSize < 0 || opts.BatchSize > 500 {
		opts.BatchSize = 0
	}
	return opts
}

func DecodeOptions(raw []byte) RunOptions {
	if len(raw) == 0 {
		return RunOptions{}
	}
	var opts RunOptions
	if err := utils.UnmarshalFromJSON(raw, &opts); err != nil {
		return RunOptions{}
	}
	return NormalizeOptions(opts)
}

func EncodeOptions(opts RunOptions) []byte {
	s, _ := utils.MarshalToJSON(NormalizeOptions(opts))
	return []byte(s)
}

type TriggerSyncRequest struct {
	// Kind is catalog-sync (default) or regenerate.
	Kind    string     `json:"kind"`
	Options RunOptions `json:"options"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID              uint    `json:"id"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status"`
	StartedAt       *string `json:"startedAt"`
	FinishedAt      *string `json:"finishedAt"`
	DurationMs      int64   `json:"durationMs"`
	Total           int     `json:"total"`
	Processed       int     `json:"processed"`
	Generated       int     `json:"generated"`
	Skipped         int     `json:"skipped"`
	ErrorCount      int     `json:"errorCount"`
	TriggeredBy     string  `json:"triggeredBy"`
	CancelRequested bool    `json:"cancelRequested"`
	ParentRunId     *uint   `json:"parentRunId"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Options RunOptions          `json:"options"`
	Errors  []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID          uint   `json:"id"`
	ProductCode string `json:"productCode"`
	ErrorCode   string `json:"errorCode"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId         uint   `json:"run_id"`
	CorrelationId string `json:"correlation_id"`
}

type AssignRequest struct {
	Channel          string `json:"channel" binding:"required"`
	Storefront       string `json:"storefront" binding:"required"`
	ProductCode      string `json:"product_code" binding:"required"`
	CombinationIndex *int   `json:"combination_index" binding:"required"`
}

type GetAndAssignRequest struct {
	Channel     string `json:"channel" binding:"required"`
	Storefront  string `json:"storefront" binding:"required"`
	ProductCode string `json:"product_code" binding:"required"`
}

type LegacyMigrationRequest struct {
	DryRun          bool `json:"dry_run"`
	GenerateMissing bool `json:"generate_missing"`
}

type UpsertProductResponse struct {
	Product        *models.Product `json:"product"`
	Created        bool            `json:"created"`
	ContentChanged bool            `json:"content_changed"`
	Generated      int             `json:"generated"`
}

type SeasonStatusItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Enabled  bool   `json:"enabled"`
	Validity string `json:"validity"`
	Error    string `json:"error,omitempty"`
}

type SeasonStatusResponse struct {
	Version   string             `json:"version"`
	Reference string             `json:"reference"`
	Seasons   []SeasonStatusItem `json:"seasons"`
}
