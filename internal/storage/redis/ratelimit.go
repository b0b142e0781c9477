package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter 基于 Redis 的固定窗口计数器，多实例共享限额
type RateLimiter struct {
	client *Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRateLimiter 创建限流器，每个 key 在 window 内最多 limit 次
func NewRateLimiter(client *Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

// Allow 计数并判断是否放行，返回当前窗口剩余次数
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	windowID := time.Now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowID)

	pipe := l.client.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit counter: %w", err)
	}

	count := incr.Val()
	if count > l.limit {
		return false, 0, nil
	}
	return true, int(l.limit - count), nil
}
