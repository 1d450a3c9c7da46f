package identity

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OperatorClaims are the JWT claims for a Steward operator token. Operator
// tokens gate the privileged surface — unfreeze and manual freeze — and are
// issued only after the caller presents the operator secret.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// OperatorIssuer issues and verifies operator tokens signed with HS256.
type OperatorIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewOperatorIssuer creates an OperatorIssuer. ttl == 0 defaults to 1 hour.
func NewOperatorIssuer(secret []byte, issuer string, ttl time.Duration) *OperatorIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &OperatorIssuer{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue creates a signed operator token for the named operator.
func (o *OperatorIssuer) Issue(operator string) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    o.issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(o.ttl)),
			ID:        uuid.New().String(),
		},
		Operator: operator,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token, returning its claims.
func (o *OperatorIssuer) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return o.secret, nil
		},
		jwt.WithIssuer(o.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid operator token claims")
	}
	return claims, nil
}

// RequireOperator returns Gin middleware that enforces a Bearer operator
// token. On success the operator name is stored in the context under
// "operator".
func RequireOperator(issuer *OperatorIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator token required"})
			return
		}
		claims, err := issuer.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
			return
		}
		c.Set("operator", claims.Operator)
		c.Next()
	}
}
