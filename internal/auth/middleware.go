package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyAuthenticated is set on requests that presented a valid token.
const ContextKeyAuthenticated = "relayAuthenticated"

// RequireToken rejects requests without a valid relay token. Websocket
// clients that cannot set headers may pass the token as ?token=.
func RequireToken(g *Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			header = c.GetHeader("X-Relay-Token")
		}
		if header == "" {
			header = c.Query("token")
		}
		if err := g.Check(header); err != nil {
			msg := "Relay token required. Include 'Authorization: Bearer <token>' header."
			if errors.Is(err, ErrInvalidToken) {
				msg = "Invalid relay token."
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}
		c.Set(ContextKeyAuthenticated, g.Enabled())
		c.Next()
	}
}
