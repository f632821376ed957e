package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gemchat/gemchat/internal/common"
	"github.com/gemchat/gemchat/internal/store/redisstore"
)

// RateLimit caps requests per client IP in a fixed redis-backed window.
// When redis is down the limiter fails open; throttling is best-effort and
// must never take the API with it.
func RateLimit(rds *redisstore.Store, window time.Duration, maxRequests int, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "rate_limit:" + c.ClientIP()

		current, err := rds.IncrWindow(c.Request.Context(), key, window)
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, skipping")
			c.Next()
			return
		}

		remaining := int64(maxRequests) - current
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", time.Now().Add(window).Format(time.RFC3339))

		if current > int64(maxRequests) {
			common.Fail(c, http.StatusTooManyRequests, 42900, "too many requests, please try again later")
			c.Abort()
			return
		}
		c.Next()
	}
}
