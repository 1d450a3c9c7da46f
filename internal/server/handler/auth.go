package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
)

// AuthHandler exchanges the operator secret for a short-lived operator token.
type AuthHandler struct {
	issuer     *identity.OperatorIssuer
	secretHash []byte // bcrypt hash of the operator secret
	logger     *zap.Logger
}

// NewAuthHandler creates an AuthHandler. secretHash is the bcrypt hash of the
// operator secret as stored in configuration; the plaintext secret is never
// kept by the server.
func NewAuthHandler(issuer *identity.OperatorIssuer, secretHash []byte, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{issuer: issuer, secretHash: secretHash, logger: logger}
}

// Register mounts the auth routes on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.Token)
}

type tokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

// Token handles POST /auth/token.
func (h *AuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator and secret are required"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.secretHash, []byte(req.Secret)); err != nil {
		h.logger.Warn("operator authentication failed", zap.String("operator", req.Operator))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator secret"})
		return
	}

	tok, err := h.issuer.Issue(req.Operator)
	if err != nil {
		h.logger.Error("issue operator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}
