package middlewares

import (
	"net/http"
	"time"

	"civicsync/logging"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// IssueRateLimiter allows each user limit requests per window, counted in
// Redis under queuePrefix:<user id>. Runs after AuthMiddleware.
func IssueRateLimiter(rdb *redis.Client, queuePrefix string, limit int, window time.Duration) gin.HandlerFunc {
	log := logging.Component("ratelimit")

	return func(c *gin.Context) {
		userID := c.GetString(UserIDKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()

		// Create individual key for each user
		userKey := queuePrefix + ":" + userID

		count, err := rdb.Incr(ctx, userKey).Result()
		if err != nil {
			log.Error().Err(err).Msg("redis error incrementing count")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter unavailable"})
			c.Abort()
			return
		}

		// Set TTL only for the first increment
		if count == 1 {
			if err := rdb.Expire(ctx, userKey, window).Err(); err != nil {
				log.Error().Err(err).Msg("redis error setting TTL")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter unavailable"})
				c.Abort()
				return
			}
		}

		if count > int64(limit) {
			retryAfter, _ := rdb.TTL(ctx, userKey).Result()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
