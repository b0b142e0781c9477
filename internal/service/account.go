package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/pool"
	"relaymail/backend/internal/storage"
)

// AccountService 账户注册、验证与概览
type AccountService struct {
	store     storage.Store
	verifier  *VerificationManager
	channel   NotificationChannel
	workers   *pool.WorkerPool
	quota     *QuotaTracker
	addresses *AddressService
	guard     storeGuard
	log       *zap.Logger
	metrics   *monitoring.Metrics
}

// NewAccountService 创建账户服务
func NewAccountService(
	store storage.Store,
	verifier *VerificationManager,
	channel NotificationChannel,
	workers *pool.WorkerPool,
	quota *QuotaTracker,
	addresses *AddressService,
	storeTimeout time.Duration,
	log *zap.Logger,
	metrics *monitoring.Metrics,
) *AccountService {
	return &AccountService{
		store:     store,
		verifier:  verifier,
		channel:   channel,
		workers:   workers,
		quota:     quota,
		addresses: addresses,
		guard:     storeGuard{timeout: storeTimeout},
		log:       log,
		metrics:   metrics,
	}
}

// RegisterInput 注册输入
type RegisterInput struct {
	FullName         string
	ExternalUsername string
	ExternalID       string
}

// Register 创建未验证账户，并在后台签发验证码
func (s *AccountService) Register(ctx context.Context, input RegisterInput) (*domain.Account, error) {
	fullName := strings.TrimSpace(input.FullName)
	handle := domain.NormalizeHandle(input.ExternalUsername)
	externalID := strings.TrimSpace(input.ExternalID)

	if err := domain.ValidateFullName(fullName); err != nil {
		return nil, err
	}
	if err := domain.ValidateHandle(handle); err != nil {
		return nil, err
	}
	if err := domain.ValidateExternalID(externalID); err != nil {
		return nil, err
	}

	now := utcNow()
	account := &domain.Account{
		ID:               uuid.NewString(),
		FullName:         fullName,
		ExternalUsername: handle,
		ExternalID:       externalID,
		Role:             domain.RoleUser,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	sctx, cancel := s.guard.ctx(ctx)
	err := s.store.CreateAccount(sctx, account)
	cancel()
	if err != nil {
		return nil, storeErr(err)
	}

	s.metrics.RecordRegistration()
	s.log.Info("account registered",
		zap.String("accountID", account.ID),
		zap.String("externalID", account.ExternalID),
	)

	accountID, target := account.ID, account.ExternalID
	submitted := s.workers.TrySubmit(func(ctx context.Context) {
		if err := s.sendChallenge(ctx, accountID, target); err != nil {
			s.log.Error("failed to deliver verification code",
				zap.String("accountID", accountID),
				zap.Error(err),
			)
		}
	})
	if !submitted {
		s.log.Warn("verification queue full, code must be resent", zap.String("accountID", accountID))
	}

	return account, nil
}

// ResendCode 重新签发验证码并同步发送。已验证账户以此登录，验证成功后获得新的会话令牌。
func (s *AccountService) ResendCode(ctx context.Context, externalID string) error {
	account, err := s.Get(ctx, externalID)
	if err != nil {
		return err
	}
	if !account.ReceivesMail() {
		return domain.ErrAccountNotEligible
	}
	if err := s.verifier.CheckCooldown(account); err != nil {
		return err
	}
	return s.sendChallenge(ctx, account.ID, account.ExternalID)
}

func (s *AccountService) sendChallenge(ctx context.Context, accountID, externalID string) error {
	code, err := s.verifier.IssueChallenge(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.channel.SendText(ctx, externalID, FormatVerification(code, s.verifier.TTL())); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelDelivery, err)
	}
	return nil
}

// Verify 校验注册或登录验证码，成功时返回最新账户
func (s *AccountService) Verify(ctx context.Context, externalID, code string) (bool, *domain.Account, error) {
	account, err := s.Get(ctx, externalID)
	if err != nil {
		return false, nil, err
	}
	if !account.ReceivesMail() {
		return false, nil, domain.ErrAccountNotEligible
	}

	ok, err := s.verifier.ConsumeChallenge(ctx, account.ID, strings.TrimSpace(code))
	if err != nil || !ok {
		return false, nil, err
	}

	s.log.Info("account verified", zap.String("accountID", account.ID))
	account, err = s.Get(ctx, externalID)
	if err != nil {
		return true, nil, err
	}
	return true, account, nil
}

// Get 根据外部身份 ID 获取账户
func (s *AccountService) Get(ctx context.Context, externalID string) (*domain.Account, error) {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	account, err := s.store.GetAccountByExternalID(sctx, strings.TrimSpace(externalID))
	if err != nil {
		return nil, storeErr(err)
	}
	return account, nil
}

// AccountOverview 账户概览：可用地址、当日用量与额度
type AccountOverview struct {
	Account   *domain.Account  `json:"account"`
	Addresses []domain.Address `json:"emails"`
	Usage     UsageSummary     `json:"usage"`
	Limits    domain.Limits    `json:"limits"`
}

// UsageSummary 当日用量
type UsageSummary struct {
	Date      string `json:"date"`
	Permanent int    `json:"permanent"`
	Temporary int    `json:"temporary"`
}

// Overview 返回账户概览
func (s *AccountService) Overview(ctx context.Context, externalID string) (*AccountOverview, error) {
	account, err := s.Get(ctx, externalID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	addresses, err := s.addresses.listForAccount(sctx, account.ID)
	if err != nil {
		return nil, err
	}

	now := utcNow()
	counter, err := s.quota.Usage(sctx, s.store, account.ID, now)
	if err != nil {
		return nil, err
	}

	return &AccountOverview{
		Account:   account,
		Addresses: addresses,
		Usage: UsageSummary{
			Date:      domain.DateKey(now),
			Permanent: counter.Count(domain.KindPermanent),
			Temporary: counter.Count(domain.KindTemporary),
		},
		Limits: s.quota.LimitsFor(account),
	}, nil
}
