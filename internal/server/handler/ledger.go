package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
)

// LedgerHandler exposes read-only HTTP endpoints for the hash chain.
type LedgerHandler struct {
	ledger ledger.Reader
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(reader ledger.Reader, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: reader, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:seq", h.GetEntry)
		l.GET("/range", h.Range)
	}
}

// Overview handles GET /ledger — returns the chain length and current tip.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	tip, err := h.ledger.Tip(ctx)
	if err != nil {
		h.logger.Error("ledger Tip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger tip"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":      count,
		"tip_sequence": tip.Sequence,
		"tip_hash":     tip.Hash,
	})
}

// Verify handles GET /ledger/verify — walks the full chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.ledger.VerifyChain(ctx, 0, 0); err != nil {
		h.logger.Warn("chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /ledger/entries/:seq — returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	ctx := c.Request.Context()

	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a non-negative integer"})
		return
	}

	entry, err := h.ledger.Get(ctx, seq)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// Range handles GET /ledger/range?from=N&to=M — returns entries in
// [from, to]. Omitting to reads through the tip.
func (h *LedgerHandler) Range(c *gin.Context) {
	ctx := c.Request.Context()

	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	to, err := strconv.ParseUint(c.DefaultQuery("to", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
		return
	}

	entries, err := h.ledger.Read(ctx, from, to)
	if err != nil {
		h.logger.Error("ledger Read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read range"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
