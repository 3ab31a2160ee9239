package detection

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/scorer"
	"github.com/mbd888/fraudguard/internal/transaction"
	"github.com/mbd888/fraudguard/internal/validation"
)

// Handler provides HTTP endpoints for detection.
type Handler struct {
	service *Service
}

// NewHandler creates a new detection handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up detection routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/predict", h.Predict)
	r.POST("/predict/batch", h.PredictBatch)
	r.POST("/features", h.Explain)
	r.GET("/decisions/:id", h.GetDecision)
	r.GET("/users/:userId/decisions", validation.UserParamMiddleware(), h.ListDecisions)
}

// BatchRequest is the body of POST /v1/predict/batch.
type BatchRequest struct {
	Transactions []Request `json:"transactions"`
	// AccumulateHistory defaults to true.
	AccumulateHistory *bool `json:"accumulate_history,omitempty"`
}

// Predict handles POST /v1/predict
func (h *Handler) Predict(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	res, err := h.service.Predict(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PredictBatch handles POST /v1/predict/batch
func (h *Handler) PredictBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if len(req.Transactions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "transactions must not be empty",
		})
		return
	}
	if len(req.Transactions) > MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "batch_too_large",
			"message": "at most 1000 transactions per batch",
		})
		return
	}

	opts := DefaultBatchOptions()
	if req.AccumulateHistory != nil {
		opts.AccumulateHistory = *req.AccumulateHistory
	}

	items := h.service.PredictBatch(c.Request.Context(), req.Transactions, opts)
	predictions := make([]any, len(items))
	failed := 0
	for i, item := range items {
		if item.Err != nil {
			_, body := errorBody(item.Err)
			predictions[i] = body
			failed++
			continue
		}
		predictions[i] = item.Result
	}

	c.JSON(http.StatusOK, gin.H{
		"predictions": predictions,
		"count":       len(predictions),
		"failed":      failed,
	})
}

// Explain handles POST /v1/features
func (h *Handler) Explain(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	exp, err := h.service.Explain(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// GetDecision handles GET /v1/decisions/:id
func (h *Handler) GetDecision(c *gin.Context) {
	rec, err := h.service.GetDecision(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": rec})
}

// ListDecisions handles GET /v1/users/:userId/decisions
func (h *Handler) ListDecisions(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))

	page, err := h.service.ListDecisions(c.Request.Context(), c.Param("userId"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"decisions":   page.Items,
		"count":       len(page.Items),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logging.L(c.Request.Context()).Error("detection request failed", "error", err)
	}
	c.JSON(status, body)
}

// errorBody maps a service error to its HTTP status and response body.
func errorBody(err error) (int, gin.H) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		}
	case errors.Is(err, transaction.ErrInvalidInput):
		return http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()}
	case errors.Is(err, scorer.ErrScorerUnavailable):
		return http.StatusServiceUnavailable, gin.H{
			"error":   "scorer_unavailable",
			"message": "Anomaly scorer unavailable and no feature rule decided the transaction",
		}
	case errors.Is(err, risk.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found", "message": "Decision not found"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, gin.H{"error": "timeout", "message": "Request timed out"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"}
	}
}
