package httpmiddleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendguard/internal/throttle"
)

// PerIPRule is the request budget applied to each client IP.
func PerIPRule(perMinute int) throttle.Rule {
	return throttle.Rule{Name: "http_ip", Limit: perMinute, Window: time.Minute, Block: time.Minute}
}

// TrustProxies limits which peers may set X-Forwarded-For and X-Real-IP. With
// no proxies the socket address is the client IP, so forwarded headers cannot
// move a caller into a fresh rate limit bucket.
func TrustProxies(r *gin.Engine, proxies []string) error {
	if len(proxies) == 0 {
		proxies = nil
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	return nil
}

// RateLimit enforces rule per client IP using the shared throttle store, so
// every API replica counts against the same window when Redis backs it.
func RateLimit(t *throttle.Throttle, rule throttle.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		d := t.Hit(c.Request.Context(), rule, "ip:"+ip, 1, "request rate exceeded")
		if d.Blocked {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit",
				"code":                "RATE_LIMITED",
				"retry_after_seconds": secs,
			})
			return
		}
		c.Next()
	}
}
