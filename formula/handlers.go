package formula

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/middlewares"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

type EvaluateRequest struct {
	Formula string         `json:"formula" validate:"required,max=2000"`
	Scope   map[string]any `json:"scope"`
}

type FeedbackRequest struct {
	Score int `json:"score" validate:"required,min=1,max=5"`
}

type KpiRequest struct {
	TenantId string `json:"tenantId"`
}

// EvaluateFormulaHandler validates a formula against a sample scope.
func EvaluateFormulaHandler(ev *Evaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EvaluateRequest
		if err := decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if req.Scope == nil {
			req.Scope = map[string]any{}
		}
		res, err := ev.Evaluate(req.Formula, req.Scope)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func CalculateKpiHandler(ev *Evaluator, authz middlewares.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid formula id"})
			return
		}
		var req KpiRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		ctx := c.Request.Context()
		tenantId, err := middlewares.ResolveTenant(ctx, strings.TrimSpace(req.TenantId))
		if err != nil {
			respondError(c, err)
			return
		}
		if err := authz.Authorize(ctx, tenantId); err != nil {
			respondError(c, err)
			return
		}
		username, _ := utils.GetUsernameFromContext(ctx)
		res, err := ev.CalculateKpi(ctx, uint(id), tenantId, username)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func FeedbackHandler(ev *Evaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid log id"})
			return
		}
		var req FeedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if err := ev.SubmitFeedback(c.Request.Context(), uint(id), req.Score); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// decodeJSON keeps scope numbers as json.Number so sample values evaluate exactly.
func decodeJSON(c *gin.Context, dest any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	return dec.Decode(dest)
}

func respondError(c *gin.Context, err error) {
	var syntaxErr *SyntaxError
	status := utils.HTTPStatus(err)
	switch {
	case errors.As(err, &syntaxErr), errors.Is(err, ErrDivisionByZero), errors.Is(err, ErrNonNumeric):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidFeedback):
		status = http.StatusBadRequest
	case errors.Is(err, ErrFormulaInactive):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "formula", "handler", c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
