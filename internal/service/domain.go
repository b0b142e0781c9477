package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/cache"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

const domainCacheTTL = 30 * time.Second

// DomainService 管理可分配域名目录
type DomainService struct {
	store     storage.DomainRepository
	guard     storeGuard
	log       *zap.Logger
	cache     *cache.TTLCache[[]domain.MailDomain]
	validator *domain.EmailValidator
}

// NewDomainService 创建域名目录服务
func NewDomainService(store storage.DomainRepository, storeTimeout time.Duration, log *zap.Logger) *DomainService {
	return &DomainService{
		store:     store,
		guard:     storeGuard{timeout: storeTimeout},
		log:       log,
		cache:     cache.NewTTLCache[[]domain.MailDomain](domainCacheTTL),
		validator: domain.NewEmailValidator(),
	}
}

// Seed 把配置中的基础域名和高级域名写入目录
func (s *DomainService) Seed(ctx context.Context, base, premium []string) error {
	for _, name := range base {
		if err := s.Save(ctx, name, false, true); err != nil {
			return err
		}
	}
	for _, name := range premium {
		if err := s.Save(ctx, name, true, true); err != nil {
			return err
		}
	}
	s.log.Info("domain catalogue seeded", zap.Strings("base", base), zap.Strings("premium", premium))
	return nil
}

// Save 新增或更新域名
func (s *DomainService) Save(ctx context.Context, name string, premium, active bool) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if err := s.validator.ValidateDomain(name); err != nil {
		return err
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()
	if err := s.store.SaveDomain(sctx, &domain.MailDomain{
		Domain:    name,
		IsPremium: premium,
		IsActive:  active,
		CreatedAt: utcNow(),
	}); err != nil {
		return storeErr(err)
	}
	s.cache.Invalidate()
	return nil
}

// List 返回全部域名
func (s *DomainService) List(ctx context.Context) ([]domain.MailDomain, error) {
	if cached, ok := s.cache.Get(); ok {
		return cached, nil
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()
	domains, err := s.store.ListDomains(sctx)
	if err != nil {
		return nil, storeErr(err)
	}
	s.cache.Set(domains)
	return domains, nil
}

// AllowedFor 返回指定等级可用的域名
func (s *DomainService) AllowedFor(ctx context.Context, isPro bool) ([]string, error) {
	domains, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(domains))
	for i := range domains {
		if domains[i].AvailableTo(isPro) {
			out = append(out, domains[i].Domain)
		}
	}
	return out, nil
}

// IsAllowed 判断域名对指定等级是否可用
func (s *DomainService) IsAllowed(ctx context.Context, name string, isPro bool) (bool, error) {
	d, err := s.find(ctx, name)
	if err != nil || d == nil {
		return false, err
	}
	return d.AvailableTo(isPro), nil
}

// IsManaged 判断域名是否由本系统接收邮件
func (s *DomainService) IsManaged(ctx context.Context, name string) (bool, error) {
	d, err := s.find(ctx, name)
	if err != nil || d == nil {
		return false, err
	}
	return d.IsActive, nil
}

func (s *DomainService) find(ctx context.Context, name string) (*domain.MailDomain, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	domains, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range domains {
		if domains[i].Domain == name {
			return &domains[i], nil
		}
	}
	return nil, nil
}
