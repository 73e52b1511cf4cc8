package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "agent_claims"

// AgentClaims are the JWT claims carried by authenticated agents.
type AgentClaims struct {
	AgentDID string `json:"agent_did"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken mints an agent token. Used by deployment tooling and tests.
func IssueToken(secret, agentDID, role string, ttl time.Duration) (string, error) {
	claims := AgentClaims{
		AgentDID: agentDID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentDID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &AgentClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(g.jwtSecret), nil
			})
		if err != nil || !token.Valid || claims.AgentDID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *AgentClaims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*AgentClaims); ok {
			return claims
		}
	}
	return &AgentClaims{}
}
