package ingestion

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/middlewares"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

func StartIngestionHandler(svc *Service, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sourceId, err := parseUintParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
			return
		}

		var req StartIngestionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		ctx := c.Request.Context()
		src, err := svc.store.GetSource(ctx, sourceId)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := authz.Authorize(ctx, src.TenantId); err != nil {
			respondError(c, err)
			return
		}

		batchId, err := svc.StartIngestion(ctx, sourceId, req.Mode, models.TriggeredManual)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, StartIngestionResponse{BatchId: batchId})
	}
}

func GetIngestionProgressHandler(svc *Service, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ok := authorizedBatch(c, svc, authz)
		if !ok {
			return
		}
		p, err := svc.GetIngestionProgress(c.Request.Context(), batch.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func GetBatchHandler(svc *Service, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ok := authorizedBatch(c, svc, authz)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func ListBatchesHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		tenantId, err := middlewares.ResolveTenant(ctx, strings.TrimSpace(c.Query("tenant_id")))
		if err != nil {
			respondError(c, err)
			return
		}

		var sourceId *uint
		if v := strings.TrimSpace(c.Query("source_id")); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source_id"})
				return
			}
			id := uint(n)
			sourceId = &id
		}
		limit, offset := queryPage(c)

		items, total, err := svc.ListBatches(ctx, tenantId, sourceId, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		limit, offset = clampPage(limit, offset)
		c.JSON(http.StatusOK, BatchListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
	}
}

func GetRawRecordsHandler(svc *Service, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ok := authorizedBatch(c, svc, authz)
		if !ok {
			return
		}
		limit, offset := queryPage(c)
		items, total, err := svc.GetRawRecords(c.Request.Context(), batch.ID, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		limit, offset = clampPage(limit, offset)
		c.JSON(http.StatusOK, RawRecordListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
	}
}

func RetryBatchHandler(svc *Service, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ok := authorizedBatch(c, svc, authz)
		if !ok {
			return
		}
		batchId, err := svc.RetryBatch(c.Request.Context(), batch.ID, models.TriggeredRetry)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, StartIngestionResponse{BatchId: batchId})
	}
}

// authorizedBatch loads the :id batch and checks the caller may see it.
// It writes the error response itself and returns ok=false on failure.
func authorizedBatch(c *gin.Context, svc *Service, authz middlewares.Authorizer) (*models.IngestionBatch, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return nil, false
	}
	batch, err := svc.GetBatchStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if err := authz.Authorize(c.Request.Context(), batch.TenantId); err != nil {
		respondError(c, err)
		return nil, false
	}
	return batch, true
}

func respondError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)
	switch {
	case errors.Is(err, ErrInvalidSyncMode):
		status = http.StatusBadRequest
	case errors.Is(err, ErrBatchNotRetryable), errors.Is(err, ErrSourceInactive):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "ingestion", "handler", c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseUintParam(c *gin.Context, name string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || n == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(n), nil
}

func queryPage(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	offset, _ := strconv.Atoi(strings.TrimSpace(c.Query("offset")))
	return limit, offset
}
