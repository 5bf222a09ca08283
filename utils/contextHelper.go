package utils

import (
	"context"

	"github.com/google/uuid"
	"github.com/mmdatafocus/listing_backend/appctx"
	"github.com/sirupsen/logrus"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyOperator      = appctx.ContextKeyOperator
	ContextKeyChannel       = appctx.ContextKeyChannel
	ContextKeySyncRunId     = appctx.ContextKeySyncRunId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// EnsureCorrelationId keeps an existing id or attaches a fresh one.
func EnsureCorrelationId(ctx context.Context) (context.Context, string) {
	if id, ok := GetCorrelationIdFromContext(ctx); ok && id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return SetCorrelationIdInContext(ctx, id), id
}

func GetOperatorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOperator)
}

func SetOperatorInContext(ctx context.Context, operator string) context.Context {
	return appctx.Set(ctx, ContextKeyOperator, operator)
}

func GetChannelFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyChannel)
}

func SetChannelInContext(ctx context.Context, channel string) context.Context {
	return appctx.Set(ctx, ContextKeyChannel, channel)
}

func GetSyncRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeySyncRunId)
}

func SetSyncRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.Set(ctx, ContextKeySyncRunId, runId)
}

// LogFields collects the request-scoped values present on ctx for structured logging.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
		fields["correlation_id"] = v
	}
	if v, ok := GetOperatorFromContext(ctx); ok && v != "" {
		fields["operator"] = v
	}
	if v, ok := GetChannelFromContext(ctx); ok && v != "" {
		fields["channel"] = v
	}
	if v, ok := GetSyncRunIdFromContext(ctx); ok && v != 0 {
		fields["sync_run_id"] = v
	}
	return fields
}
