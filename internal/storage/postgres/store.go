package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig 默认连接池参数
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}
}

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL / MySQL / SQLite
type Store struct {
	db   *gorm.DB
	inTx bool
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, pool PoolConfig) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), pool)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, pool PoolConfig) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), pool)
}

// NewSQLiteStore 创建 SQLite 存储实例，SQLite 只允许单连接写入
func NewSQLiteStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(sqlite.Open(dsn), PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
}

// Open 按数据库类型创建存储实例
func Open(dbType, dsn string, pool PoolConfig) (*Store, error) {
	switch dbType {
	case "postgres", "postgresql":
		return NewStore(dsn, pool)
	case "mysql":
		return NewMySQLStore(dsn, pool)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, pool PoolConfig) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.Address{},
		&domain.UsageCounter{},
		&domain.InboundMessage{},
		&domain.MailDomain{},
	)
}

// WithinTx 在数据库事务中执行 fn；已处于事务中时直接复用
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Store{db: tx, inTx: true})
		return fnErr
	})
	if err != nil && fnErr != nil {
		return fnErr
	}
	return translate(err)
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== Account Repository ==========

// CreateAccount 创建账户，外部ID或用户名重复时返回 ErrAccountExists
func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	account.HandleKey = domain.HandleKeyOf(account.ExternalUsername)
	err := s.db.WithContext(ctx).Create(account).Error
	if isDuplicate(err) {
		return domain.ErrAccountExists
	}
	return translate(err)
}

// GetAccountByID 根据 ID 获取账户
func (s *Store) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	return s.firstAccount(s.db.WithContext(ctx), "id = ?", id)
}

// GetAccountByExternalID 根据外部身份 ID 获取账户
func (s *Store) GetAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error) {
	return s.firstAccount(s.db.WithContext(ctx), "external_id = ?", externalID)
}

// GetAccountByHandle 根据用户名获取账户（大小写不敏感）
func (s *Store) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	return s.firstAccount(s.db.WithContext(ctx), "handle_key = ?", domain.HandleKeyOf(handle))
}

// LockAccount 事务内使用 SELECT ... FOR UPDATE 读取账户
func (s *Store) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	q := s.db.WithContext(ctx)
	if s.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.firstAccount(q, "id = ?", id)
}

func (s *Store) firstAccount(q *gorm.DB, cond string, arg interface{}) (*domain.Account, error) {
	var account domain.Account
	err := q.Where(cond, arg).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

// UpdateAccount 只更新补丁中出现的列
func (s *Store) UpdateAccount(ctx context.Context, id string, patch domain.AccountPatch) (*domain.Account, error) {
	cols := patch.Columns()
	cols["updated_at"] = time.Now().UTC()

	err := s.db.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", id).Updates(cols).Error
	if err != nil {
		return nil, translate(err)
	}
	return s.GetAccountByID(ctx, id)
}

// CompleteVerification 以挑战哈希为前置条件原子地完成验证
func (s *Store) CompleteVerification(ctx context.Context, id, hash string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ? AND verification_hash = ?", id, hash).
		Updates(map[string]interface{}{
			"is_verified":             true,
			"verification_hash":       nil,
			"verification_expires_at": nil,
			"verification_attempts":   0,
			"last_verified_at":        at,
			"updated_at":              time.Now().UTC(),
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClearChallenge 以挑战哈希为前置条件清除挑战
func (s *Store) ClearChallenge(ctx context.Context, id, hash string) error {
	err := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ? AND verification_hash = ?", id, hash).
		Updates(map[string]interface{}{
			"verification_hash":       nil,
			"verification_expires_at": nil,
			"verification_attempts":   0,
		}).Error
	return translate(err)
}

// RecordFailedAttempt 原子地累加错误次数，达到上限时以同样的哈希条件清除挑战
func (s *Store) RecordFailedAttempt(ctx context.Context, id, hash string, maxAttempts int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ? AND verification_hash = ?", id, hash).
		Update("verification_attempts", gorm.Expr("verification_attempts + 1"))
	if res.Error != nil {
		return false, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	res = s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ? AND verification_hash = ? AND verification_attempts >= ?", id, hash, maxAttempts).
		Updates(map[string]interface{}{
			"verification_hash":       nil,
			"verification_expires_at": nil,
			"verification_attempts":   0,
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListAllAccounts 返回全部账户
func (s *Store) ListAllAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&accounts).Error; err != nil {
		return nil, translate(err)
	}
	return accounts, nil
}

// ========== Address Repository ==========

// CreateAddress 插入地址；在事务中使用保存点，唯一冲突不会破坏外层事务
func (s *Store) CreateAddress(ctx context.Context, address *domain.Address) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(address).Error
	})
	if isDuplicate(err) {
		return domain.ErrAddressAlreadyExists
	}
	return translate(err)
}

// GetAddress 根据 ID 获取地址
func (s *Store) GetAddress(ctx context.Context, id string) (*domain.Address, error) {
	var address domain.Address
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAddressNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &address, nil
}

// AddressExists 检查地址是否被占用（包括已停用地址）
func (s *Store) AddressExists(ctx context.Context, address string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Address{}).Where("address = ?", address).Count(&count).Error; err != nil {
		return false, translate(err)
	}
	return count > 0, nil
}

// FindAddressByString 查找活跃地址
func (s *Store) FindAddressByString(ctx context.Context, address string) (*domain.Address, error) {
	var found domain.Address
	err := s.db.WithContext(ctx).Where("address = ? AND is_active = ?", address, true).First(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAddressNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &found, nil
}

// ListActiveAddressesForAccount 列出账户的活跃地址
func (s *Store) ListActiveAddressesForAccount(ctx context.Context, accountID string) ([]domain.Address, error) {
	addresses := make([]domain.Address, 0)
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Order("created_at ASC").
		Find(&addresses).Error
	if err != nil {
		return nil, translate(err)
	}
	return addresses, nil
}

// CountActiveAddresses 统计账户某类型的活跃地址数
func (s *Store) CountActiveAddresses(ctx context.Context, accountID string, kind domain.AddressKind) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Address{}).
		Where("account_id = ? AND kind = ? AND is_active = ?", accountID, kind, true).
		Count(&count).Error
	if err != nil {
		return 0, translate(err)
	}
	return int(count), nil
}

// DeactivateAddress 停用地址，已停用或不存在时返回 false
func (s *Store) DeactivateAddress(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Address{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeactivateAddressesForAccount 停用账户的全部地址
func (s *Store) DeactivateAddressesForAccount(ctx context.Context, accountID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&domain.Address{}).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Update("is_active", false)
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// BulkDeactivateExpiredTemporary 单条语句停用所有已过期的临时地址
func (s *Store) BulkDeactivateExpiredTemporary(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&domain.Address{}).
		Where("kind = ? AND is_active = ? AND expires_at IS NOT NULL AND expires_at < ?", domain.KindTemporary, true, now).
		Update("is_active", false)
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// ========== Usage Repository ==========

// GetUsageCounterForToday 获取指定日期的用量，不存在时返回零值计数
func (s *Store) GetUsageCounterForToday(ctx context.Context, accountID, dateKey string) (*domain.UsageCounter, error) {
	var counter domain.UsageCounter
	err := s.db.WithContext(ctx).Where("account_id = ? AND date_key = ?", accountID, dateKey).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.UsageCounter{AccountID: accountID, DateKey: dateKey}, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return &counter, nil
}

// ReserveUsageAtomic 先确保计数行存在，再用带条件的 UPDATE 原子递增。
// 条件更新由数据库行锁串行化，RowsAffected 为 1 表示预留成功。
func (s *Store) ReserveUsageAtomic(ctx context.Context, accountID, dateKey string, kind domain.AddressKind, limit int) (bool, error) {
	db := s.db.WithContext(ctx)

	seed := &domain.UsageCounter{AccountID: accountID, DateKey: dateKey}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return false, translate(err)
	}

	column := domain.CounterColumn(kind)
	q := db.Model(&domain.UsageCounter{}).Where("account_id = ? AND date_key = ?", accountID, dateKey)
	if limit != domain.Unlimited {
		q = q.Where(column+" < ?", limit)
	}

	res := q.UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ========== Inbound Repository ==========

// AppendInboundMessage 追加入站邮件记录
func (s *Store) AppendInboundMessage(ctx context.Context, msg *domain.InboundMessage) error {
	return translate(s.db.WithContext(ctx).Create(msg).Error)
}

// GetInboundMessage 获取入站邮件记录
func (s *Store) GetInboundMessage(ctx context.Context, id string) (*domain.InboundMessage, error) {
	var msg domain.InboundMessage
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// MarkInboundForwarded 标记已转发，仅 false -> true 时返回 true
func (s *Store) MarkInboundForwarded(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.InboundMessage{}).
		Where("id = ? AND forwarded_to_channel = ?", id, false).
		Update("forwarded_to_channel", true)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := s.GetInboundMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ========== Domain Repository ==========

// SaveDomain 新增或更新域名
func (s *Store) SaveDomain(ctx context.Context, d *domain.MailDomain) error {
	d.Domain = strings.ToLower(strings.TrimSpace(d.Domain))
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_premium", "is_active"}),
	}).Create(d).Error
	return translate(err)
}

// ListDomains 返回全部域名
func (s *Store) ListDomains(ctx context.Context) ([]domain.MailDomain, error) {
	var domains []domain.MailDomain
	if err := s.db.WithContext(ctx).Order("domain ASC").Find(&domains).Error; err != nil {
		return nil, translate(err)
	}
	return domains, nil
}
