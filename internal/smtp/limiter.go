package smtp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流：全局并发上限 + 按来源 IP 的新建速率
type ConnectionLimiter struct {
	maxConns int
	perIP    rate.Limit
	burst    int

	mu       sync.Mutex
	current  int
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - perMinute: 每个 IP 每分钟最大新建连接数
func NewConnectionLimiter(maxConns, perMinute int) *ConnectionLimiter {
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		perIP:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		limiters: make(map[string]*ipLimiter),
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 检查连接数限制
	if l.maxConns > 0 && l.current >= l.maxConns {
		return false
	}

	v, ok := l.limiters[ip]
	if !ok {
		v = &ipLimiter{limiter: rate.NewLimiter(l.perIP, l.burst)}
		l.limiters[ip] = v
	}
	v.lastSeen = time.Now()

	// 检查速率限制
	if !v.limiter.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Prune 移除 idle 时间内未出现的 IP
func (l *ConnectionLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-idle)
	for ip, v := range l.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}
