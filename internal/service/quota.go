package service

import (
	"context"
	"time"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// QuotaTracker 按等级计算额度，并在存储层原子地检查并预留每日用量
type QuotaTracker struct {
	free domain.Limits
	pro  domain.Limits
}

// NewQuotaTracker 根据配置创建额度跟踪器，负数额度视为不限
func NewQuotaTracker(cfg config.LimitsConfig) *QuotaTracker {
	return &QuotaTracker{
		free: domain.Limits{Permanent: normalizeLimit(cfg.FreePermanent), Temporary: normalizeLimit(cfg.FreeTemporary)},
		pro:  domain.Limits{Permanent: normalizeLimit(cfg.ProPermanent), Temporary: normalizeLimit(cfg.ProTemporary)},
	}
}

func normalizeLimit(v int) int {
	if v < 0 {
		return domain.Unlimited
	}
	return v
}

// LimitsFor 返回账户等级对应的额度
func (q *QuotaTracker) LimitsFor(account *domain.Account) domain.Limits {
	if account.IsPro {
		return q.pro
	}
	return q.free
}

// CheckAndReserve 在当日计数未达上限时递增计数并返回 true，已达上限时不做修改。
// 传入事务句柄时，预留随事务一同提交或回滚。
func (q *QuotaTracker) CheckAndReserve(ctx context.Context, usage storage.UsageRepository, accountID string, kind domain.AddressKind, limit int, now time.Time) (bool, error) {
	allowed, err := usage.ReserveUsageAtomic(ctx, accountID, domain.DateKey(now), kind, limit)
	if err != nil {
		return false, storeErr(err)
	}
	return allowed, nil
}

// Usage 返回当日用量
func (q *QuotaTracker) Usage(ctx context.Context, usage storage.UsageRepository, accountID string, now time.Time) (*domain.UsageCounter, error) {
	counter, err := usage.GetUsageCounterForToday(ctx, accountID, domain.DateKey(now))
	if err != nil {
		return nil, storeErr(err)
	}
	return counter, nil
}
