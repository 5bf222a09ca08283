package combosync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/utils"
)

func syncTopic() string {
	return strings.TrimSpace(os.Getenv("COMBO_SYNC_TOPIC"))
}

// DispatchRun publishes the run to COMBO_SYNC_TOPIC, or queues it on the in-process worker
// when no topic is configured.
func DispatchRun(ctx context.Context, runId uint) error {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	payload := SyncPubSubPayload{RunId: runId, CorrelationId: cid}

	topic := syncTopic()
	if topic == "" {
		return enqueueLocal(payload)
	}
	data, _ := json.Marshal(payload)
	_, err := config.PublishJSON(ctx, topic, data, envBoolDefault("COMBO_SYNC_CREATE_TOPIC", false))
	return err
}

func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_COMBO_SYNC_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.RunId == 0 {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		if payload.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
		}
		if err := ProcessRun(ctx, payload.RunId); err != nil {
			config.LogError(config.GetLogger(), "combosync", "PubSubPushHandler", "process run", payload.RunId, err)
		}
		c.Status(http.StatusNoContent)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
