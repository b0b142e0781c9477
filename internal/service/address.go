package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

const (
	tempPrefix       = "temp_"
	tempSuffixLength = 6
	base36Alphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// AddressService 地址生命周期管理：生成、唯一性校验、创建与软删除
type AddressService struct {
	store     storage.Store
	quota     *QuotaTracker
	domains   *DomainService
	validator *domain.EmailValidator
	tempTTL   time.Duration
	attempts  int
	guard     storeGuard
	now       Clock
	log       *zap.Logger
	metrics   *monitoring.Metrics

	stampMu   sync.Mutex
	lastStamp int64
}

// NewAddressService 创建地址服务
func NewAddressService(store storage.Store, quota *QuotaTracker, domains *DomainService, cfg config.MailboxConfig, storeTimeout time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *AddressService {
	attempts := cfg.MaxGenerateAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &AddressService{
		store:     store,
		quota:     quota,
		domains:   domains,
		validator: domain.NewEmailValidator(),
		tempTTL:   cfg.TempTTL,
		attempts:  attempts,
		guard:     storeGuard{timeout: storeTimeout},
		now:       utcNow,
		log:       log,
		metrics:   metrics,
	}
}

// SetClock 替换时钟
func (s *AddressService) SetClock(now Clock) {
	s.now = now
}

// CreateAddressInput 创建地址的输入
type CreateAddressInput struct {
	ExternalID string
	Kind       domain.AddressKind
	Domain     string
	Prefix     string // 仅永久地址可用
}

// Create 创建地址。额度预留与地址写入在同一事务中完成，写入失败时预留随之回滚。
func (s *AddressService) Create(ctx context.Context, input CreateAddressInput) (*domain.Address, error) {
	if !input.Kind.Valid() {
		return nil, domain.Invalid("kind", "must be permanent or temporary")
	}
	mailDomain := strings.ToLower(strings.TrimSpace(input.Domain))
	if mailDomain == "" {
		return nil, domain.Invalid("domain", "required")
	}

	prefix := domain.SanitizePrefix(input.Prefix)
	if prefix != "" {
		if input.Kind == domain.KindTemporary {
			return nil, domain.Invalid("prefix", "custom prefix is only available for permanent addresses")
		}
		if err := s.validator.ValidateLocalPart(prefix); err != nil {
			return nil, err
		}
	}

	sctx, cancel := s.guard.ctx(ctx)
	account, err := s.store.GetAccountByExternalID(sctx, input.ExternalID)
	cancel()
	if err != nil {
		return nil, storeErr(err)
	}
	if !account.Eligible() {
		return nil, domain.ErrAccountNotEligible
	}

	allowed, err := s.domains.IsAllowed(ctx, mailDomain, account.IsPro)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domain.ErrDomainNotAllowed
	}

	limit := s.quota.LimitsFor(account).For(input.Kind)

	// 只有随机生成的临时地址在冲突时重新生成
	attempts := 1
	if input.Kind == domain.KindTemporary {
		attempts = s.attempts
	}

	for i := 0; i < attempts; i++ {
		localPart, err := s.localPart(account, input.Kind, prefix)
		if err != nil {
			return nil, err
		}

		address, err := s.persist(ctx, account.ID, input.Kind, localPart, mailDomain, limit)
		if errors.Is(err, domain.ErrAddressAlreadyExists) && input.Kind == domain.KindTemporary {
			s.log.Debug("temporary address collision, regenerating", zap.String("localPart", localPart))
			continue
		}
		if err != nil {
			var quotaErr *domain.QuotaExceededError
			if errors.As(err, &quotaErr) {
				s.metrics.RecordQuotaRejection(string(input.Kind))
			}
			return nil, err
		}

		s.metrics.RecordAddressCreated(string(input.Kind))
		s.log.Info("address created",
			zap.String("accountID", account.ID),
			zap.String("address", address.Address),
			zap.String("kind", string(address.Kind)),
		)
		return address, nil
	}

	return nil, fmt.Errorf("%w: could not generate a unique temporary address", domain.ErrAddressAlreadyExists)
}

// persist 在单个事务内：锁定账户、复核资格、检查并预留额度、确认唯一后写入地址
func (s *AddressService) persist(ctx context.Context, accountID string, kind domain.AddressKind, localPart, mailDomain string, limit int) (*domain.Address, error) {
	now := s.now()
	address := &domain.Address{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Address:   domain.ComposeAddress(localPart, mailDomain),
		LocalPart: localPart,
		Domain:    mailDomain,
		Kind:      kind,
		IsActive:  true,
		CreatedAt: now,
	}
	if kind == domain.KindTemporary {
		expiresAt := now.Add(s.tempTTL)
		address.ExpiresAt = &expiresAt
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	err := s.store.WithinTx(sctx, func(tx storage.Store) error {
		locked, err := tx.LockAccount(sctx, accountID)
		if err != nil {
			return err
		}
		if !locked.Eligible() {
			return domain.ErrAccountNotEligible
		}

		if kind == domain.KindPermanent && limit != domain.Unlimited {
			active, err := tx.CountActiveAddresses(sctx, accountID, kind)
			if err != nil {
				return err
			}
			if active >= limit {
				return &domain.QuotaExceededError{Kind: kind, Limit: limit}
			}
		}

		ok, err := s.quota.CheckAndReserve(sctx, tx, accountID, kind, limit, now)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.QuotaExceededError{Kind: kind, Limit: limit}
		}

		exists, err := tx.AddressExists(sctx, address.Address)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrAddressAlreadyExists
		}

		// 唯一约束兜底并发创建
		return tx.CreateAddress(sctx, address)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return address, nil
}

// localPart 生成候选本地部分
func (s *AddressService) localPart(account *domain.Account, kind domain.AddressKind, prefix string) (string, error) {
	if kind == domain.KindTemporary {
		suffix, err := randomBase36(tempSuffixLength)
		if err != nil {
			return "", err
		}
		return tempPrefix + suffix, nil
	}
	if prefix != "" {
		return prefix, nil
	}
	handle := domain.HandleKeyOf(account.ExternalUsername)
	return fmt.Sprintf("%s_%d", handle, s.nextStamp()), nil
}

// nextStamp 返回严格递增的毫秒时间戳
func (s *AddressService) nextStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	stamp := s.now().UnixMilli()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	s.lastStamp = stamp
	return stamp
}

// Delete 软删除地址。地址不存在、已停用或不属于请求者时均视为成功。
func (s *AddressService) Delete(ctx context.Context, externalID, addressID string) error {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	account, err := s.store.GetAccountByExternalID(sctx, externalID)
	if err != nil {
		return storeErr(err)
	}

	address, err := s.store.GetAddress(sctx, addressID)
	if errors.Is(err, domain.ErrAddressNotFound) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	if address.AccountID != account.ID {
		return nil
	}

	changed, err := s.store.DeactivateAddress(sctx, addressID)
	if err != nil {
		return storeErr(err)
	}
	if changed {
		s.metrics.RecordAddressesDeactivated("user", 1)
		s.log.Info("address deactivated", zap.String("addressID", addressID), zap.String("accountID", account.ID))
	}
	return nil
}

// List 返回账户当前可用的地址
func (s *AddressService) List(ctx context.Context, externalID string) ([]domain.Address, error) {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	account, err := s.store.GetAccountByExternalID(sctx, externalID)
	if err != nil {
		return nil, storeErr(err)
	}
	return s.listForAccount(sctx, account.ID)
}

func (s *AddressService) listForAccount(ctx context.Context, accountID string) ([]domain.Address, error) {
	addresses, err := s.store.ListActiveAddressesForAccount(ctx, accountID)
	if err != nil {
		return nil, storeErr(err)
	}

	now := s.now()
	out := addresses[:0]
	for _, a := range addresses {
		if a.Deliverable(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func randomBase36(n int) (string, error) {
	max := big.NewInt(int64(len(base36Alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = base36Alphabet[idx.Int64()]
	}
	return string(buf), nil
}
