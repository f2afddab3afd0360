package transform

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/middlewares"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

type StartTransformationRequest struct {
	EffectiveAt *time.Time `json:"effectiveAt"`
	FullSync    bool       `json:"fullSync"`
}

// LineageStore reads the audit trail of a canonical record.
type LineageStore interface {
	GetCanonical(ctx context.Context, id uint64) (*models.CanonicalRecord, error)
	GetLineage(ctx context.Context, canonicalId uint64) (*models.CanonicalLineage, error)
}

type LineageResponse struct {
	Record   *models.CanonicalRecord   `json:"record"`
	Lineage  *models.CanonicalLineage  `json:"lineage"`
	Mappings []models.MappingSnapshot `json:"mappings"`
}

func StartTransformationHandler(engine *Engine, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		batch, err := engine.store.GetBatch(ctx, strings.TrimSpace(c.Param("id")))
		if err != nil {
			respondError(c, err)
			return
		}
		if err := authz.Authorize(ctx, batch.TenantId); err != nil {
			respondError(c, err)
			return
		}

		var req StartTransformationRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		result, err := engine.Transform(ctx, Request{BatchId: batch.ID, EffectiveAt: req.EffectiveAt, FullSync: req.FullSync})
		if err != nil {
			status := utils.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				config.LogError(config.GetLogger(), "transform", "StartTransformationHandler", "transform batch", batch.ID, err)
			}
			c.JSON(status, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func PreviewMappingHandler(engine *Engine, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sourceId, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
		if err != nil || sourceId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
			return
		}
		ctx := c.Request.Context()
		src, err := engine.store.GetSource(ctx, uint(sourceId))
		if err != nil {
			respondError(c, err)
			return
		}
		if err := authz.Authorize(ctx, src.TenantId); err != nil {
			respondError(c, err)
			return
		}

		var req PreviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := engine.PreviewMapping(ctx, src.ID, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func LineageHandler(store LineageStore, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid canonical record id"})
			return
		}
		ctx := c.Request.Context()
		rec, err := store.GetCanonical(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := authz.Authorize(ctx, rec.TenantId); err != nil {
			respondError(c, err)
			return
		}
		lineage, err := store.GetLineage(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		snapshots, err := lineage.Snapshots()
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, LineageResponse{Record: rec, Lineage: lineage, Mappings: snapshots})
	}
}

func respondError(c *gin.Context, err error) {
	if utils.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	status := utils.HTTPStatus(err)
	if errors.Is(err, ErrInvalidMapping) {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "transform", "handler", c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
