package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/oracle"
)

// OracleHandler exposes the read-only explanation queries.
type OracleHandler struct {
	oracle *oracle.Oracle
	logger *zap.Logger
}

// NewOracleHandler creates a new OracleHandler.
func NewOracleHandler(o *oracle.Oracle, logger *zap.Logger) *OracleHandler {
	return &OracleHandler{oracle: o, logger: logger}
}

// Register mounts the oracle routes on the given router group.
func (h *OracleHandler) Register(rg *gin.RouterGroup) {
	o := rg.Group("/oracle")
	{
		o.GET("/agents/:id", h.ExplainAgent)
		o.GET("/transactions/:id", h.TraceTransaction)
		o.GET("/freezes/:id", h.ExplainFreeze)
		o.GET("/health", h.HealthSummary)
		o.POST("/ask", h.Ask)
	}
}

// ExplainAgent handles GET /oracle/agents/:id.
func (h *OracleHandler) ExplainAgent(c *gin.Context) {
	report, err := h.oracle.ExplainAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("explain agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "oracle query failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// TraceTransaction handles GET /oracle/transactions/:id.
func (h *OracleHandler) TraceTransaction(c *gin.Context) {
	report, err := h.oracle.TraceTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("trace transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "oracle query failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ExplainFreeze handles GET /oracle/freezes/:id.
func (h *OracleHandler) ExplainFreeze(c *gin.Context) {
	report, err := h.oracle.ExplainFreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("explain freeze", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "oracle query failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HealthSummary handles GET /oracle/health.
func (h *OracleHandler) HealthSummary(c *gin.Context) {
	report, err := h.oracle.HealthSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("health summary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "oracle query failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type askRequest struct {
	Question string `json:"question" binding:"required"`
}

// Ask handles POST /oracle/ask — free-form questions routed through the
// classifier to a structured query.
func (h *OracleHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	report, err := h.oracle.Ask(c.Request.Context(), req.Question)
	if err != nil {
		h.logger.Error("oracle ask", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "oracle query failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
