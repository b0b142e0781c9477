package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc 函数适配器
type PingerFunc func(ctx context.Context) error

// Ping 实现 Pinger
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker 存活与就绪检查
type HealthChecker struct {
	health  healthcheck.Handler
	logger  *zap.Logger
	timeout time.Duration
}

// NewHealthChecker 创建健康检查器，存活检查只看进程自身
func NewHealthChecker(logger *zap.Logger, timeout time.Duration) *HealthChecker {
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		logger:  logger,
		timeout: timeout,
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddDependency 注册就绪检查依赖
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	hc.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	})
}

// LiveHandler 存活检查端点
func (hc *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(hc.health.LiveEndpoint)
}

// ReadyHandler 就绪检查端点
func (hc *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(hc.health.ReadyEndpoint)
}
