package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaymail/backend/internal/monitoring"
)

// Limiter 按 key 计数并判断是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int, error)
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter 进程内按 key 的令牌桶，单实例部署使用
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	burst    int
	idle     time.Duration
}

// NewLocalLimiter 创建进程内限流器，每分钟 perMinute 次，突发 burst 次
func NewLocalLimiter(perMinute, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*ipLimiter),
		r:        rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

// Allow 实现 Limiter
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.limiters[key]
	if !ok {
		v = &ipLimiter{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[key] = v
	}
	v.lastSeen = time.Now()

	allowed := v.limiter.Allow()
	remaining := int(v.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}

// Cleanup 定期移除长时间不活跃的 key，ctx 结束时退出
func (l *LocalLimiter) Cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune(time.Now())
		}
	}
}

func (l *LocalLimiter) prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, v := range l.limiters {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// RateLimit 按客户端 IP 限流。限流后端出错时放行并记录日志。
func RateLimit(limiter Limiter, log *zap.Logger, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			metrics.RecordRateLimitBlock(c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests",
			})
			return
		}

		c.Next()
	}
}
