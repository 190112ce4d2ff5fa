package limiter

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware 在请求进入协调器之前做准入检查。
// 身份优先取网关注入的认证身份头，没有则退化为客户端IP。
func Middleware(l *Limiter, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		identity := c.GetHeader("X-User-ID")
		if identity == "" {
			identity = c.ClientIP()
		}

		decision := l.Check(identity, c.FullPath())
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "too many requests",
				"retry_after_seconds": retryAfter,
				"reset_at":            decision.ResetAt.Unix(),
			})
			return
		}

		c.Next()
	}
}
