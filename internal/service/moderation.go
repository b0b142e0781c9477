package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// ModerationService 管理员对账户的状态变更，所有操作均幂等
type ModerationService struct {
	store   storage.Store
	guard   storeGuard
	now     Clock
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewModerationService 创建管理服务
func NewModerationService(store storage.Store, storeTimeout time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *ModerationService {
	return &ModerationService{
		store:   store,
		guard:   storeGuard{timeout: storeTimeout},
		now:     utcNow,
		log:     log,
		metrics: metrics,
	}
}

// Ban 封禁账户：isBanned = true 且 isActive = false
func (s *ModerationService) Ban(ctx context.Context, externalID string) (*domain.Account, error) {
	banned, active := true, false
	account, err := s.patch(ctx, externalID, domain.AccountPatch{IsBanned: &banned, IsActive: &active})
	if err != nil {
		return nil, err
	}
	s.log.Info("account banned", zap.String("accountID", account.ID))
	return account, nil
}

// Promote 升级为 Pro，没有降级路径
func (s *ModerationService) Promote(ctx context.Context, externalID string) (*domain.Account, error) {
	pro := true
	account, err := s.patch(ctx, externalID, domain.AccountPatch{IsPro: &pro})
	if err != nil {
		return nil, err
	}
	s.log.Info("account promoted", zap.String("accountID", account.ID))
	return account, nil
}

// SetRole 设置账户角色
func (s *ModerationService) SetRole(ctx context.Context, externalID string, role domain.AccountRole) (*domain.Account, error) {
	if !role.Valid() {
		return nil, domain.Invalid("role", "must be user or admin")
	}
	account, err := s.patch(ctx, externalID, domain.AccountPatch{Role: &role})
	if err != nil {
		return nil, err
	}
	s.log.Info("account role changed", zap.String("accountID", account.ID), zap.String("role", string(role)))
	return account, nil
}

// DeleteAccount 在同一事务中停用账户的全部地址并停用账户，返回本次停用的地址数
func (s *ModerationService) DeleteAccount(ctx context.Context, externalID string) (int, error) {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	account, err := s.store.GetAccountByExternalID(sctx, externalID)
	if err != nil {
		return 0, storeErr(err)
	}

	var deactivated int
	err = s.store.WithinTx(sctx, func(tx storage.Store) error {
		if _, err := tx.LockAccount(sctx, account.ID); err != nil {
			return err
		}
		n, err := tx.DeactivateAddressesForAccount(sctx, account.ID)
		if err != nil {
			return err
		}
		active := false
		if _, err := tx.UpdateAccount(sctx, account.ID, domain.AccountPatch{IsActive: &active}); err != nil {
			return err
		}
		deactivated = n
		return nil
	})
	if err != nil {
		return 0, storeErr(err)
	}

	s.metrics.RecordAddressesDeactivated("account_deleted", deactivated)
	s.log.Info("account deleted",
		zap.String("accountID", account.ID),
		zap.Int("addressesDeactivated", deactivated),
	)
	return deactivated, nil
}

// Stats 账户统计
func (s *ModerationService) Stats(ctx context.Context) (*domain.AccountStats, error) {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	accounts, err := s.store.ListAllAccounts(sctx)
	if err != nil {
		return nil, storeErr(err)
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	stats := &domain.AccountStats{Total: len(accounts)}
	for i := range accounts {
		a := &accounts[i]
		if a.IsActive {
			stats.Active++
		}
		if a.IsPro {
			stats.Pro++
		}
		if a.IsBanned {
			stats.Banned++
		}
		if a.IsVerified {
			stats.Verified++
		}
		if !a.CreatedAt.Before(today) {
			stats.JoinedToday++
		}
		if !a.CreatedAt.Before(weekAgo) {
			stats.JoinedWeek++
		}
	}
	return stats, nil
}

func (s *ModerationService) patch(ctx context.Context, externalID string, patch domain.AccountPatch) (*domain.Account, error) {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	account, err := s.store.GetAccountByExternalID(sctx, externalID)
	if err != nil {
		return nil, storeErr(err)
	}
	updated, err := s.store.UpdateAccount(sctx, account.ID, patch)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated, nil
}
