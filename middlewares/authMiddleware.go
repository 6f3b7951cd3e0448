package middlewares

import (
	"net/http"
	"strings"

	"civicsync/logging"
	authUtils "civicsync/utils"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "user_id"

// AuthMiddleware accepts "Bearer <token>" or a bare token and stores the
// token's user id under UserIDKey.
func AuthMiddleware(secret string) gin.HandlerFunc {
	log := logging.Component("auth")

	return func(c *gin.Context) {
		authHeader := c.Request.Header.Get("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization token provided"})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		userID, err := authUtils.ParseToken(secret, tokenString)
		if err != nil {
			log.Debug().Err(err).Msg("token validation failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization token"})
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}
