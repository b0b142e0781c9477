package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// ErrSweepInProgress 上一次清理尚未结束
var ErrSweepInProgress = errors.New("sweep already in progress")

// Locker 跨实例互斥锁，获取成功时返回释放函数
type Locker interface {
	TryLock(ctx context.Context) (func(context.Context) error, bool, error)
}

// Sweeper 周期性停用已过期的临时地址
type Sweeper struct {
	store    storage.AddressRepository
	locker   Locker
	interval time.Duration
	guard    storeGuard
	now      Clock
	running  atomic.Bool
	log      *zap.Logger
	metrics  *monitoring.Metrics
}

// NewSweeper 创建清理任务，locker 可为 nil
func NewSweeper(store storage.AddressRepository, locker Locker, interval, storeTimeout time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Sweeper {
	return &Sweeper{
		store:    store,
		locker:   locker,
		interval: interval,
		guard:    storeGuard{timeout: storeTimeout},
		now:      utcNow,
		log:      log,
		metrics:  metrics,
	}
}

// SetClock 替换时钟
func (s *Sweeper) SetClock(now Clock) {
	s.now = now
}

// Sweep 执行一次批量停用，返回停用数量。与正在进行的清理重叠时返回 ErrSweepInProgress。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			s.metrics.RecordSweep(false)
			return 0, err
		}
		if !ok {
			return 0, ErrSweepInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	count, err := s.store.BulkDeactivateExpiredTemporary(sctx, s.now())
	if err != nil {
		s.metrics.RecordSweep(false)
		return 0, storeErr(err)
	}

	s.metrics.RecordSweep(true)
	s.metrics.RecordAddressesDeactivated("expired", count)
	return count, nil
}

// Run 启动时先清理一次，之后按固定间隔清理，直到 ctx 取消。单次失败只记录日志。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	count, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.log.Debug("sweep skipped, previous run still active")
	case err != nil:
		s.log.Error("expiration sweep failed", zap.Error(err))
	case count > 0:
		s.log.Info("expired temporary addresses deactivated", zap.Int("count", count))
	}
}
