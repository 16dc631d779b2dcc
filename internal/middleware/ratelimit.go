package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"telemed/internal/config"
	appmetrics "telemed/internal/metrics"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket // ip -> bucket
	cfg     config.PathLimitConfig
}

func newLimiter(cfg config.PathLimitConfig) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst)
	l.buckets[key] = b
	return b
}

// RateLimitMiddleware 按客户端 IP 限流
// 先匹配第一个前缀命中的路径规则，否则回落到全局规则；未启用时直接放行。
func RateLimitMiddleware(rl config.RateLimitingConfig) gin.HandlerFunc {
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var pathLimiters []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		pathLimiters = append(pathLimiters, newLimiter(p))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter(config.PathLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[strings.TrimSpace(ip)] = struct{}{}
	}

	reject := func(c *gin.Context, prefix, msg string) {
		appmetrics.IncRateLimitDrop(prefix)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": msg,
		})
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelist[key]; ok {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		for _, pl := range pathLimiters {
			if strings.HasPrefix(path, pl.cfg.Prefix) {
				if !pl.bucket(key).allow() {
					reject(c, pl.cfg.Prefix, "rate limit exceeded (path)")
					return
				}
				c.Next()
				return
			}
		}

		if global != nil && !global.bucket(key).allow() {
			reject(c, "global", "rate limit exceeded")
			return
		}
		c.Next()
	}
}
