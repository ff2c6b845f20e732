package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const keyIDContextKey = "auth_key_id"

// Middleware validates bearer API keys and stores the key id in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		keyID, err := s.ValidateKey(s.extractKey(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(keyIDContextKey, keyID)
		c.Next()
	}
}

// KeyIDFromContext retrieves the id of the key that authorized the request.
func KeyIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(keyIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok
}

func (s *Service) extractKey(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(c.GetHeader(s.keyHeader))
}
