package transform

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/ingestion"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/sirupsen/logrus"
)

// PubSubPushHandler transforms the batch announced by a batch-completed event.
// A full-mode batch also runs the discontinue pass. Messages are always acked;
// transformation is idempotent and can be re-run through the HTTP route.
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
		var envelope ingestion.PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var evt ingestion.BatchCompletedEvent
		if err := json.Unmarshal(envelope.Message.Data, &evt); err != nil || evt.BatchId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		req := Request{BatchId: evt.BatchId, FullSync: evt.SyncMode == models.SyncModeFull}
		result, err := engine.Transform(ctx, req)
		log := config.GetLogger().WithFields(logrus.Fields{
			"batch_id":   evt.BatchId,
			"tenant_id":  evt.TenantId,
			"message_id": envelope.Message.ID,
		})
		if err != nil {
			log.Warn("transformation push run failed: " + err.Error())
		} else {
			log.WithField("inserted", result.Inserted).Debug("transformation push run done")
		}
		c.Status(http.StatusNoContent)
	}
}
