package drift

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

type AcknowledgeRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func DriftHistoryHandler(d *Detector, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		src, ok := authorizedSource(c, d, authz)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
		items, err := d.DriftHistory(c.Request.Context(), src.ID, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func ActiveDriftHandler(d *Detector, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		src, ok := authorizedSource(c, d, authz)
		if !ok {
			return
		}
		active, err := d.HasActiveDrift(c.Request.Context(), src.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sourceId": src.ID, "active": active})
	}
}

func BatchDriftReportHandler(d *Detector, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ok := authorizedBatch(c, d, authz)
		if !ok {
			return
		}
		report, err := d.DetectForBatch(c.Request.Context(), batch.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func AcknowledgeDriftHandler(d *Detector, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ok := authorizedBatch(c, d, authz)
		if !ok {
			return
		}
		var req AcknowledgeRequest
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
		username, _ := utils.GetUsernameFromContext(c.Request.Context())
		if err := d.Acknowledge(c.Request.Context(), batch.ID, username, strings.TrimSpace(req.Note)); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func authorizedSource(c *gin.Context, d *Detector, authz middlewares.Authorizer) (*models.IngestionSource, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return nil, false
	}
	src, err := d.GetSource(c.Request.Context(), uint(n))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if err := authz.Authorize(c.Request.Context(), src.TenantId); err != nil {
		respondError(c, err)
		return nil, false
	}
	return src, true
}

func authorizedBatch(c *gin.Context, d *Detector, authz middlewares.Authorizer) (*models.IngestionBatch, bool) {
	id := strings.TrimSpace(c.Param("id"))
	batch, err := d.GetBatch(c.Request.Context(), id)
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
	if errors.Is(err, ErrNoDriftToAcknowledge) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "drift", "handler", c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
