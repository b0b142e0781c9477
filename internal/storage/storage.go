package storage

import (
	"context"
	"time"

	"relaymail/backend/internal/domain"
)

// AccountRepository 定义账户数据存取操作。
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccountByID(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) // 大小写不敏感
	// LockAccount 在事务内对账户加行锁后读取；事务外等价于 GetAccountByID
	LockAccount(ctx context.Context, id string) (*domain.Account, error)
	UpdateAccount(ctx context.Context, id string, patch domain.AccountPatch) (*domain.Account, error)
	// CompleteVerification 仅当当前挑战哈希仍为 hash 时标记已验证并清除挑战
	CompleteVerification(ctx context.Context, id, hash string, at time.Time) (bool, error)
	// ClearChallenge 仅当当前挑战哈希仍为 hash 时清除挑战
	ClearChallenge(ctx context.Context, id, hash string) error
	// RecordFailedAttempt 仅当当前挑战哈希仍为 hash 时累加错误次数，达到 maxAttempts 时清除挑战并返回 true
	RecordFailedAttempt(ctx context.Context, id, hash string, maxAttempts int) (bool, error)
	ListAllAccounts(ctx context.Context) ([]domain.Account, error)
}

// AddressRepository 定义地址数据存取操作。
type AddressRepository interface {
	// CreateAddress 依赖存储层唯一约束，冲突时返回 domain.ErrAddressAlreadyExists
	CreateAddress(ctx context.Context, address *domain.Address) error
	GetAddress(ctx context.Context, id string) (*domain.Address, error)
	// AddressExists 检查地址字符串是否被占用（包括已停用地址）
	AddressExists(ctx context.Context, address string) (bool, error)
	// FindAddressByString 只返回活跃地址
	FindAddressByString(ctx context.Context, address string) (*domain.Address, error)
	ListActiveAddressesForAccount(ctx context.Context, accountID string) ([]domain.Address, error)
	CountActiveAddresses(ctx context.Context, accountID string, kind domain.AddressKind) (int, error)
	// DeactivateAddress 返回是否发生了状态变化
	DeactivateAddress(ctx context.Context, id string) (bool, error)
	DeactivateAddressesForAccount(ctx context.Context, accountID string) (int, error)
	BulkDeactivateExpiredTemporary(ctx context.Context, now time.Time) (int, error)
}

// UsageRepository 定义每日用量计数操作。
type UsageRepository interface {
	GetUsageCounterForToday(ctx context.Context, accountID, dateKey string) (*domain.UsageCounter, error)
	// ReserveUsageAtomic 原子地检查并递增计数；limit 为 domain.Unlimited 时不做比较
	ReserveUsageAtomic(ctx context.Context, accountID, dateKey string, kind domain.AddressKind, limit int) (bool, error)
}

// InboundRepository 定义入站邮件记录操作。
type InboundRepository interface {
	AppendInboundMessage(ctx context.Context, msg *domain.InboundMessage) error
	GetInboundMessage(ctx context.Context, id string) (*domain.InboundMessage, error)
	// MarkInboundForwarded 仅在 false -> true 时返回 true
	MarkInboundForwarded(ctx context.Context, id string) (bool, error)
}

// DomainRepository 定义域名目录操作。
type DomainRepository interface {
	SaveDomain(ctx context.Context, d *domain.MailDomain) error
	ListDomains(ctx context.Context) ([]domain.MailDomain, error)
}

// Store 聚合所有存储接口
type Store interface {
	AccountRepository
	AddressRepository
	UsageRepository
	InboundRepository
	DomainRepository

	// WithinTx 在单个事务中执行 fn，fn 返回错误时全部回滚
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	Health(ctx context.Context) error
	Close() error
}
