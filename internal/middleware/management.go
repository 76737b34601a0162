package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ErrCodeManagementToken = "management_token_invalid"
)

// RequireManagementToken guards the key-management routes. End-user
// session handling lives outside this service; the dashboard backend
// calls these routes with a shared token.
func RequireManagementToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Management-Token")
		if presented == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				presented = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		if token == "" || !hmac.Equal([]byte(presented), []byte(token)) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   ErrCodeManagementToken,
				"message": "A valid management token is required for this endpoint.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
