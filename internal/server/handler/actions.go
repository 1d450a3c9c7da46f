package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/bank"
	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// ActionHandler exposes the signed-action submission boundary.
type ActionHandler struct {
	bank   *bank.Bank
	logger *zap.Logger
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(b *bank.Bank, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{bank: b, logger: logger}
}

// Register mounts the submission routes on the given router group.
func (h *ActionHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/actions", h.Submit)
}

// Submit handles POST /actions — the single entry point for every signed
// action: transfers, leases, registrations and key rotations.
func (h *ActionHandler) Submit(c *gin.Context) {
	var sa action.SignedAction
	if err := c.ShouldBindJSON(&sa); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed signed action: " + err.Error()})
		return
	}

	entry, err := h.bank.Submit(c.Request.Context(), &sa)
	if err != nil {
		status, reason := classifyError(err)
		stewardRejectionsTotal.WithLabelValues(reason).Inc()
		h.logger.Info("submission rejected",
			zap.String("actor", sa.ActorID),
			zap.String("action", string(sa.Action)),
			zap.String("reason", reason),
		)
		c.JSON(status, gin.H{"error": err.Error(), "reason": reason})
		return
	}

	stewardEntriesTotal.WithLabelValues(string(entry.Action)).Inc()
	if entry.Action == action.Freeze {
		stewardFreezesTotal.Inc()
	}
	c.JSON(http.StatusCreated, entry)
}

// classifyError maps engine errors onto HTTP statuses and stable reason
// codes callers can branch on.
func classifyError(err error) (int, string) {
	switch {
	// Authentication: rejected locally, never appended.
	case errors.Is(err, identity.ErrSignatureInvalid):
		return http.StatusUnauthorized, "signature_invalid"
	case errors.Is(err, identity.ErrUnknownActor):
		return http.StatusUnauthorized, "unknown_actor"
	case errors.Is(err, identity.ErrStaleTimestamp):
		return http.StatusUnauthorized, "stale_timestamp"
	case errors.Is(err, identity.ErrNonceReused):
		return http.StatusConflict, "nonce_reused"

	// Invariants: rejected before append, no partial state change.
	case errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, bank.ErrAccountFrozen):
		return http.StatusForbidden, "account_frozen"
	case errors.Is(err, bank.ErrUnknownAccount):
		return http.StatusNotFound, "unknown_account"
	case errors.Is(err, bank.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, bank.ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, bank.ErrDuplicateAgent):
		return http.StatusConflict, "duplicate_agent"
	case errors.Is(err, bank.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, bank.ErrUnauthorizedActor):
		return http.StatusForbidden, "unauthorized_actor"
	case errors.Is(err, bank.ErrUnsupportedAction):
		return http.StatusBadRequest, "unsupported_action"

	// Concurrency: retries exhausted; the caller may resubmit.
	case errors.Is(err, ledger.ErrOutOfOrder):
		return http.StatusServiceUnavailable, "out_of_order"

	// Integrity: the engine has halted.
	case errors.Is(err, bank.ErrHalted):
		return http.StatusServiceUnavailable, "halted"
	}

	var chainErr *ledger.ChainCorruptedError
	if errors.As(err, &chainErr) {
		return http.StatusServiceUnavailable, "chain_corrupted"
	}
	var corrupted *projector.CorruptedLedgerError
	if errors.As(err, &corrupted) {
		return http.StatusServiceUnavailable, "ledger_corrupted"
	}
	return http.StatusInternalServerError, "internal"
}
