package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zfogg/livecache/internal/auth"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"go.uber.org/zap"
)

// Auth reads a bearer token and stores the caller's id as "user_id". A
// missing token passes through anonymously; an invalid one is rejected.
// With a nil validator every request is anonymous.
func Auth(tokens auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims, err := tokens.Validate(tokenString)
		if err != nil {
			logger.Log.Debug("Rejected token", logger.WithIP(c.ClientIP()), zap.Error(err))
			apiErr := apperrors.Unauthorized("invalid or expired token")
			c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// RequireUser rejects anonymous requests
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetUserID(c) == "" {
			apiErr := apperrors.Unauthorized("authentication required")
			c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated caller, or ""
func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
