package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// Store 使用内存保存账户、地址与用量数据，主要用于开发验证与测试。
//
// 所有操作由一把互斥锁串行化；WithinTx 在持锁期间执行回调并记录撤销日志，
// 回调出错时按逆序回放撤销日志。
type Store struct {
	mu   sync.Mutex
	data *dataset
}

type usageKey struct {
	accountID string
	dateKey   string
}

type dataset struct {
	accounts   map[string]*domain.Account
	byExternal map[string]string // externalID -> accountID
	byHandle   map[string]string // handleKey -> accountID
	addresses  map[string]*domain.Address
	byAddress  map[string]string // address -> addressID（含已停用）
	usage      map[usageKey]*domain.UsageCounter
	inbound    map[string]*domain.InboundMessage
	domains    map[string]*domain.MailDomain
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		data: &dataset{
			accounts:   make(map[string]*domain.Account),
			byExternal: make(map[string]string),
			byHandle:   make(map[string]string),
			addresses:  make(map[string]*domain.Address),
			byAddress:  make(map[string]string),
			usage:      make(map[usageKey]*domain.UsageCounter),
			inbound:    make(map[string]*domain.InboundMessage),
			domains:    make(map[string]*domain.MailDomain),
		},
	}
}

var _ storage.Store = (*Store)(nil)

// view 返回直接操作数据集的视图；undo 为 nil 时不记录撤销
func (s *Store) view(undo *[]func()) *txView {
	return &txView{data: s.data, undo: undo}
}

// WithinTx 在持锁状态下执行 fn，失败时回滚所有修改。
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	tx := s.view(&undo)

	defer func() {
		if r := recover(); r != nil {
			rollback(undo)
			panic(r)
		}
		if err != nil {
			rollback(undo)
		}
	}()

	return fn(tx)
}

func rollback(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Health 内存存储始终可用。
func (s *Store) Health(ctx context.Context) error { return nil }

// Close 内存存储无需释放资源。
func (s *Store) Close() error { return nil }

// ========== 非事务入口：每次调用持锁执行单个操作 ==========

func (s *Store) locked(ctx context.Context) (*txView, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	s.mu.Lock()
	return s.view(nil), s.mu.Unlock, nil
}

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return v.CreateAccount(ctx, account)
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.GetAccountByID(ctx, id)
}

func (s *Store) GetAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.GetAccountByExternalID(ctx, externalID)
}

func (s *Store) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.GetAccountByHandle(ctx, handle)
}

func (s *Store) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.GetAccountByID(ctx, id)
}

func (s *Store) UpdateAccount(ctx context.Context, id string, patch domain.AccountPatch) (*domain.Account, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.UpdateAccount(ctx, id, patch)
}

func (s *Store) CompleteVerification(ctx context.Context, id, hash string, at time.Time) (bool, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return v.CompleteVerification(ctx, id, hash, at)
}

func (s *Store) ClearChallenge(ctx context.Context, id, hash string) error {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return v.ClearChallenge(ctx, id, hash)
}

func (s *Store) RecordFailedAttempt(ctx context.Context, id, hash string, maxAttempts int) (bool, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return v.RecordFailedAttempt(ctx, id, hash, maxAttempts)
}

func (s *Store) ListAllAccounts(ctx context.Context) ([]domain.Account, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.ListAllAccounts(ctx)
}

func (s *Store) CreateAddress(ctx context.Context, address *domain.Address) error {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return v.CreateAddress(ctx, address)
}

func (s *Store) GetAddress(ctx context.Context, id string) (*domain.Address, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.GetAddress(ctx, id)
}

func (s *Store) AddressExists(ctx context.Context, address string) (bool, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return v.AddressExists(ctx, address)
}

func (s *Store) FindAddressByString(ctx context.Context, address string) (*domain.Address, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.FindAddressByString(ctx, address)
}

func (s *Store) ListActiveAddressesForAccount(ctx context.Context, accountID string) ([]domain.Address, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.ListActiveAddressesForAccount(ctx, accountID)
}

func (s *Store) CountActiveAddresses(ctx context.Context, accountID string, kind domain.AddressKind) (int, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return v.CountActiveAddresses(ctx, accountID, kind)
}

func (s *Store) DeactivateAddress(ctx context.Context, id string) (bool, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return v.DeactivateAddress(ctx, id)
}

func (s *Store) DeactivateAddressesForAccount(ctx context.Context, accountID string) (int, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return v.DeactivateAddressesForAccount(ctx, accountID)
}

func (s *Store) BulkDeactivateExpiredTemporary(ctx context.Context, now time.Time) (int, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return v.BulkDeactivateExpiredTemporary(ctx, now)
}

func (s *Store) GetUsageCounterForToday(ctx context.Context, accountID, dateKey string) (*domain.UsageCounter, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.GetUsageCounterForToday(ctx, accountID, dateKey)
}

func (s *Store) ReserveUsageAtomic(ctx context.Context, accountID, dateKey string, kind domain.AddressKind, limit int) (bool, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return v.ReserveUsageAtomic(ctx, accountID, dateKey, kind, limit)
}

func (s *Store) AppendInboundMessage(ctx context.Context, msg *domain.InboundMessage) error {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return v.AppendInboundMessage(ctx, msg)
}

func (s *Store) GetInboundMessage(ctx context.Context, id string) (*domain.InboundMessage, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.GetInboundMessage(ctx, id)
}

func (s *Store) MarkInboundForwarded(ctx context.Context, id string) (bool, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return v.MarkInboundForwarded(ctx, id)
}

func (s *Store) SaveDomain(ctx context.Context, d *domain.MailDomain) error {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return v.SaveDomain(ctx, d)
}

func (s *Store) ListDomains(ctx context.Context) ([]domain.MailDomain, error) {
	v, unlock, err := s.locked(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.ListDomains(ctx)
}

// sortAccounts 按创建时间排序，保证输出稳定
func sortAccounts(accounts []domain.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID < accounts[j].ID
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
}

func sortDomains(domains []domain.MailDomain) {
	sort.Slice(domains, func(i, j int) bool { return domains[i].Domain < domains[j].Domain })
}

func sortAddresses(addresses []domain.Address) {
	sort.Slice(addresses, func(i, j int) bool {
		if addresses[i].CreatedAt.Equal(addresses[j].CreatedAt) {
			return addresses[i].Address < addresses[j].Address
		}
		return addresses[i].CreatedAt.Before(addresses[j].CreatedAt)
	})
}
