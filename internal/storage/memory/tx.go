package memory

import (
	"context"
	"strings"
	"time"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// txView 在已持锁的前提下直接读写数据集，修改会记录到撤销日志。
type txView struct {
	data *dataset
	undo *[]func()
}

var _ storage.Store = (*txView)(nil)

func (v *txView) record(fn func()) {
	if v.undo != nil {
		*v.undo = append(*v.undo, fn)
	}
}

// WithinTx 嵌套事务直接复用外层事务
func (v *txView) WithinTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return fn(v)
}

func (v *txView) Health(ctx context.Context) error { return nil }
func (v *txView) Close() error                     { return nil }

// ========== Account ==========

func (v *txView) CreateAccount(ctx context.Context, account *domain.Account) error {
	d := v.data
	key := domain.HandleKeyOf(account.ExternalUsername)
	if _, ok := d.byExternal[account.ExternalID]; ok {
		return domain.ErrAccountExists
	}
	if _, ok := d.byHandle[key]; ok {
		return domain.ErrAccountExists
	}
	if _, ok := d.accounts[account.ID]; ok {
		return domain.ErrAccountExists
	}

	account.HandleKey = key
	stored := *account
	d.accounts[stored.ID] = &stored
	d.byExternal[stored.ExternalID] = stored.ID
	d.byHandle[key] = stored.ID

	v.record(func() {
		delete(d.accounts, stored.ID)
		delete(d.byExternal, stored.ExternalID)
		delete(d.byHandle, key)
	})
	return nil
}

func (v *txView) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	acc, ok := v.data.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (v *txView) GetAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error) {
	id, ok := v.data.byExternal[externalID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return v.GetAccountByID(ctx, id)
}

func (v *txView) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	id, ok := v.data.byHandle[domain.HandleKeyOf(handle)]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return v.GetAccountByID(ctx, id)
}

func (v *txView) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	return v.GetAccountByID(ctx, id)
}

func (v *txView) UpdateAccount(ctx context.Context, id string, patch domain.AccountPatch) (*domain.Account, error) {
	acc, ok := v.data.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	v.snapshotAccount(acc)

	patch.Apply(acc)
	acc.UpdatedAt = time.Now().UTC()

	out := *acc
	return &out, nil
}

func (v *txView) CompleteVerification(ctx context.Context, id, hash string, at time.Time) (bool, error) {
	acc, ok := v.data.accounts[id]
	if !ok {
		return false, domain.ErrAccountNotFound
	}
	if acc.VerificationHash == nil || *acc.VerificationHash != hash {
		return false, nil
	}
	v.snapshotAccount(acc)

	verifiedAt := at
	acc.IsVerified = true
	acc.VerificationHash = nil
	acc.VerificationExpiresAt = nil
	acc.VerificationAttempts = 0
	acc.LastVerifiedAt = &verifiedAt
	acc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (v *txView) ClearChallenge(ctx context.Context, id, hash string) error {
	acc, ok := v.data.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if acc.VerificationHash == nil || *acc.VerificationHash != hash {
		return nil
	}
	v.snapshotAccount(acc)

	acc.VerificationHash = nil
	acc.VerificationExpiresAt = nil
	acc.VerificationAttempts = 0
	return nil
}

func (v *txView) RecordFailedAttempt(ctx context.Context, id, hash string, maxAttempts int) (bool, error) {
	acc, ok := v.data.accounts[id]
	if !ok {
		return false, domain.ErrAccountNotFound
	}
	if acc.VerificationHash == nil || *acc.VerificationHash != hash {
		return false, nil
	}
	v.snapshotAccount(acc)

	acc.VerificationAttempts++
	if acc.VerificationAttempts < maxAttempts {
		return false, nil
	}
	acc.VerificationHash = nil
	acc.VerificationExpiresAt = nil
	acc.VerificationAttempts = 0
	return true, nil
}

func (v *txView) snapshotAccount(acc *domain.Account) {
	before := *acc
	v.record(func() { *acc = before })
}

func (v *txView) ListAllAccounts(ctx context.Context) ([]domain.Account, error) {
	out := make([]domain.Account, 0, len(v.data.accounts))
	for _, acc := range v.data.accounts {
		out = append(out, *acc)
	}
	sortAccounts(out)
	return out, nil
}

// ========== Address ==========

func (v *txView) CreateAddress(ctx context.Context, address *domain.Address) error {
	d := v.data
	if _, ok := d.byAddress[address.Address]; ok {
		return domain.ErrAddressAlreadyExists
	}
	if _, ok := d.addresses[address.ID]; ok {
		return domain.ErrAddressAlreadyExists
	}

	stored := *address
	d.addresses[stored.ID] = &stored
	d.byAddress[stored.Address] = stored.ID

	v.record(func() {
		delete(d.addresses, stored.ID)
		delete(d.byAddress, stored.Address)
	})
	return nil
}

func (v *txView) GetAddress(ctx context.Context, id string) (*domain.Address, error) {
	addr, ok := v.data.addresses[id]
	if !ok {
		return nil, domain.ErrAddressNotFound
	}
	out := *addr
	return &out, nil
}

func (v *txView) AddressExists(ctx context.Context, address string) (bool, error) {
	_, ok := v.data.byAddress[address]
	return ok, nil
}

func (v *txView) FindAddressByString(ctx context.Context, address string) (*domain.Address, error) {
	id, ok := v.data.byAddress[address]
	if !ok {
		return nil, domain.ErrAddressNotFound
	}
	addr := v.data.addresses[id]
	if !addr.IsActive {
		return nil, domain.ErrAddressNotFound
	}
	out := *addr
	return &out, nil
}

func (v *txView) ListActiveAddressesForAccount(ctx context.Context, accountID string) ([]domain.Address, error) {
	out := make([]domain.Address, 0)
	for _, addr := range v.data.addresses {
		if addr.AccountID == accountID && addr.IsActive {
			out = append(out, *addr)
		}
	}
	sortAddresses(out)
	return out, nil
}

func (v *txView) CountActiveAddresses(ctx context.Context, accountID string, kind domain.AddressKind) (int, error) {
	count := 0
	for _, addr := range v.data.addresses {
		if addr.AccountID == accountID && addr.Kind == kind && addr.IsActive {
			count++
		}
	}
	return count, nil
}

func (v *txView) DeactivateAddress(ctx context.Context, id string) (bool, error) {
	addr, ok := v.data.addresses[id]
	if !ok || !addr.IsActive {
		return false, nil
	}
	v.deactivateLocked(addr)
	return true, nil
}

func (v *txView) DeactivateAddressesForAccount(ctx context.Context, accountID string) (int, error) {
	count := 0
	for _, addr := range v.data.addresses {
		if addr.AccountID == accountID && addr.IsActive {
			v.deactivateLocked(addr)
			count++
		}
	}
	return count, nil
}

func (v *txView) BulkDeactivateExpiredTemporary(ctx context.Context, now time.Time) (int, error) {
	count := 0
	for _, addr := range v.data.addresses {
		if addr.Kind == domain.KindTemporary && addr.IsActive && addr.ExpiresAt != nil && addr.ExpiresAt.Before(now) {
			v.deactivateLocked(addr)
			count++
		}
	}
	return count, nil
}

func (v *txView) deactivateLocked(addr *domain.Address) {
	addr.IsActive = false
	v.record(func() { addr.IsActive = true })
}

// ========== Usage ==========

func (v *txView) GetUsageCounterForToday(ctx context.Context, accountID, dateKey string) (*domain.UsageCounter, error) {
	counter, ok := v.data.usage[usageKey{accountID, dateKey}]
	if !ok {
		return &domain.UsageCounter{AccountID: accountID, DateKey: dateKey}, nil
	}
	out := *counter
	return &out, nil
}

func (v *txView) ReserveUsageAtomic(ctx context.Context, accountID, dateKey string, kind domain.AddressKind, limit int) (bool, error) {
	key := usageKey{accountID, dateKey}
	counter, ok := v.data.usage[key]
	if !ok {
		counter = &domain.UsageCounter{AccountID: accountID, DateKey: dateKey, CreatedAt: time.Now().UTC()}
	}

	if limit != domain.Unlimited && counter.Count(kind) >= limit {
		return false, nil
	}

	if !ok {
		v.data.usage[key] = counter
		v.record(func() { delete(v.data.usage, key) })
	} else {
		before := *counter
		v.record(func() { *counter = before })
	}

	if kind == domain.KindTemporary {
		counter.TempCount++
	} else {
		counter.PermanentCount++
	}
	return true, nil
}

// ========== Inbound ==========

func (v *txView) AppendInboundMessage(ctx context.Context, msg *domain.InboundMessage) error {
	stored := *msg
	v.data.inbound[stored.ID] = &stored
	v.record(func() { delete(v.data.inbound, stored.ID) })
	return nil
}

func (v *txView) GetInboundMessage(ctx context.Context, id string) (*domain.InboundMessage, error) {
	msg, ok := v.data.inbound[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

func (v *txView) MarkInboundForwarded(ctx context.Context, id string) (bool, error) {
	msg, ok := v.data.inbound[id]
	if !ok {
		return false, domain.ErrMessageNotFound
	}
	if msg.ForwardedToChannel {
		return false, nil
	}
	msg.ForwardedToChannel = true
	v.record(func() { msg.ForwardedToChannel = false })
	return true, nil
}

// ========== Domain ==========

func (v *txView) SaveDomain(ctx context.Context, d *domain.MailDomain) error {
	name := strings.ToLower(d.Domain)
	prev, existed := v.data.domains[name]

	stored := *d
	stored.Domain = name
	if existed && !prev.CreatedAt.IsZero() {
		stored.CreatedAt = prev.CreatedAt
	}
	v.data.domains[name] = &stored

	v.record(func() {
		if existed {
			v.data.domains[name] = prev
		} else {
			delete(v.data.domains, name)
		}
	})
	return nil
}

func (v *txView) ListDomains(ctx context.Context) ([]domain.MailDomain, error) {
	out := make([]domain.MailDomain, 0, len(v.data.domains))
	for _, d := range v.data.domains {
		out = append(out, *d)
	}
	sortDomains(out)
	return out, nil
}
