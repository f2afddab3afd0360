package ingestion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/sirupsen/logrus"
)

// PubSubDispatcher publishes run requests to the ingestion topic.
type PubSubDispatcher struct{}

func (PubSubDispatcher) Dispatch(ctx context.Context, payload RunPayload) error {
	_, err := config.PublishJSON(ctx, config.IngestTopic(), payload)
	return err
}

// NewDispatcher picks local or Pub/Sub dispatch from INGEST_DISPATCH_MODE.
func NewDispatcher(engine *Engine) Dispatcher {
	if config.IngestDispatchMode() == "local" {
		return LocalDispatcher{Engine: engine}
	}
	return PubSubDispatcher{}
}

// PubSubEventPublisher sends batch-completed events to TRANSFORM_TOPIC when it is set.
type PubSubEventPublisher struct{}

func (PubSubEventPublisher) PublishBatchCompleted(ctx context.Context, evt BatchCompletedEvent) error {
	topic := config.TransformTopic()
	if topic == "" {
		return nil
	}
	_, err := config.PublishJSON(ctx, topic, evt)
	return err
}

// PubSubPushHandler runs the batch named in a push message. It always acks with 204:
// a failed run is recorded on the batch and retried under a new id, never redelivered.
func PubSubPushHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.PubSubPushEnabled() {
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

		var payload RunPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.BatchId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		if _, err := engine.Ingest(ctx, payload.BatchId); err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"batch_id":   payload.BatchId,
				"message_id": envelope.Message.ID,
			}).Warn("ingestion push run failed: " + err.Error())
		}
		c.Status(http.StatusNoContent)
	}
}
