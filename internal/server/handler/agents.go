package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/bank"
	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/oracle"
)

// AgentHandler exposes account views and the operator-gated administrative
// surface. Everything under /agents/:id/unfreeze and /treasury requires an
// operator token; account reads are public.
type AgentHandler struct {
	bank   *bank.Bank
	snaps  oracle.Snapshotter
	issuer *identity.OperatorIssuer
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(b *bank.Bank, snaps oracle.Snapshotter, issuer *identity.OperatorIssuer, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{bank: b, snaps: snaps, issuer: issuer, logger: logger}
}

// Register mounts the account and admin routes on the given router group.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/accounts", h.ListAccounts)
	rg.GET("/accounts/:id", h.GetAccount)

	admin := rg.Group("", identity.RequireOperator(h.issuer))
	{
		admin.POST("/agents/:id/unfreeze", h.Unfreeze)
		admin.POST("/treasury/grant", h.Grant)
	}
}

// ListAccounts handles GET /accounts — the full projected account table.
func (h *AgentHandler) ListAccounts(c *gin.Context) {
	snap := h.snaps.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"accounts":     snap.Accounts(),
		"tip_sequence": snap.TipSequence(),
		"total_supply": snap.TotalSupply,
	})
}

// GetAccount handles GET /accounts/:id — a single projected account.
func (h *AgentHandler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	snap := h.snaps.Snapshot()
	acct, ok := snap.Account(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no account for agent " + id})
		return
	}
	c.JSON(http.StatusOK, acct)
}

type unfreezeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Unfreeze handles POST /agents/:id/unfreeze. Only operators reach this
// point; the resulting entry is signed by the system identity.
func (h *AgentHandler) Unfreeze(c *gin.Context) {
	id := c.Param("id")

	var req unfreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	operator, _ := c.Get("operator")
	entry, err := h.bank.SystemUnfreeze(c.Request.Context(), id, req.Reason)
	if err != nil {
		status, reason := classifyError(err)
		stewardRejectionsTotal.WithLabelValues(reason).Inc()
		c.JSON(status, gin.H{"error": err.Error(), "reason": reason})
		return
	}

	h.logger.Info("agent unfrozen by operator",
		zap.String("agent", id),
		zap.Any("operator", operator),
		zap.Uint64("sequence", entry.Sequence),
	)
	stewardEntriesTotal.WithLabelValues(string(entry.Action)).Inc()
	c.JSON(http.StatusCreated, entry)
}

type grantRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Memo   string `json:"memo"`
}

// Grant handles POST /treasury/grant — moves credits from the system
// account to an agent. Operator-gated; used to fund newly registered agents.
func (h *AgentHandler) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to and amount are required"})
		return
	}

	entry, err := h.bank.SystemGrant(c.Request.Context(), req.To, req.Amount, req.Memo)
	if err != nil {
		status, reason := classifyError(err)
		stewardRejectionsTotal.WithLabelValues(reason).Inc()
		c.JSON(status, gin.H{"error": err.Error(), "reason": reason})
		return
	}

	stewardEntriesTotal.WithLabelValues(string(entry.Action)).Inc()
	c.JSON(http.StatusCreated, entry)
}
