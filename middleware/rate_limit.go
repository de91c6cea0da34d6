package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/AnTengye/coitrack/pkg/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimit middleware limits requests per client IP
func RateLimit(limiter ratelimit.Limiter, rate int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		decision := limiter.Allow(c.Request.Context(), "ip:"+clientIP, rate)
		if decision.Allowed {
			c.Next()
			return
		}

		metrics.RateLimitRejectionsTotal.WithLabelValues("ip").Inc()
		logger.Warn(c.Request.Context(), "rate limit exceeded",
			"client_ip", clientIP,
			"count", decision.Count,
		)

		retryAfter := decision.RetryAfter(time.Now())
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Rate limit exceeded. Please try again later.",
		})
	}
}
