package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedAccount(t *testing.T, store *Store, id, externalID, handle string) {
	t.Helper()
	require.NoError(t, store.CreateAccount(context.Background(), &domain.Account{
		ID:               id,
		FullName:         "Test User",
		ExternalUsername: handle,
		ExternalID:       externalID,
		Role:             domain.RoleUser,
		IsActive:         true,
	}))
}

func TestSQLStore_Accounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedAccount(t, store, "acc-1", "123", "JohnDoe")

	t.Run("大小写不敏感查询用户名", func(t *testing.T) {
		acc, err := store.GetAccountByHandle(ctx, "@JOHNDOE")
		require.NoError(t, err)
		assert.Equal(t, "acc-1", acc.ID)
		assert.False(t, acc.IsVerified)
		assert.True(t, acc.IsActive)
	})

	t.Run("重复账户", func(t *testing.T) {
		err := store.CreateAccount(ctx, &domain.Account{ID: "acc-2", ExternalID: "123", ExternalUsername: "other"})
		assert.ErrorIs(t, err, domain.ErrAccountExists)

		err = store.CreateAccount(ctx, &domain.Account{ID: "acc-3", ExternalID: "999", ExternalUsername: "johndoe"})
		assert.ErrorIs(t, err, domain.ErrAccountExists)
	})

	t.Run("布尔字段可以写回 false", func(t *testing.T) {
		banned, active := true, false
		acc, err := store.UpdateAccount(ctx, "acc-1", domain.AccountPatch{IsBanned: &banned, IsActive: &active})
		require.NoError(t, err)
		assert.True(t, acc.IsBanned)
		assert.False(t, acc.IsActive)
	})

	t.Run("验证码比较后更新", func(t *testing.T) {
		hash := "bcrypt-hash"
		exp := time.Now().Add(10 * time.Minute)
		_, err := store.UpdateAccount(ctx, "acc-1", domain.AccountPatch{SetChallenge: true, VerificationHash: &hash, VerificationExpiresAt: &exp})
		require.NoError(t, err)

		ok, err := store.CompleteVerification(ctx, "acc-1", hash, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.CompleteVerification(ctx, "acc-1", hash, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		acc, err := store.GetAccountByID(ctx, "acc-1")
		require.NoError(t, err)
		assert.True(t, acc.IsVerified)
		assert.Nil(t, acc.VerificationHash)
		assert.Nil(t, acc.VerificationExpiresAt)
	})

	t.Run("错误次数达到上限清除挑战", func(t *testing.T) {
		hash := "attempt-hash"
		exp := time.Now().Add(10 * time.Minute)
		_, err := store.UpdateAccount(ctx, "acc-1", domain.AccountPatch{SetChallenge: true, VerificationHash: &hash, VerificationExpiresAt: &exp})
		require.NoError(t, err)

		cleared, err := store.RecordFailedAttempt(ctx, "acc-1", "stale-hash", 2)
		require.NoError(t, err)
		assert.False(t, cleared, "哈希不匹配时不计数")

		cleared, err = store.RecordFailedAttempt(ctx, "acc-1", hash, 2)
		require.NoError(t, err)
		assert.False(t, cleared)
		acc, err := store.GetAccountByID(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, 1, acc.VerificationAttempts)

		cleared, err = store.RecordFailedAttempt(ctx, "acc-1", hash, 2)
		require.NoError(t, err)
		assert.True(t, cleared)
		acc, err = store.GetAccountByID(ctx, "acc-1")
		require.NoError(t, err)
		assert.Nil(t, acc.VerificationHash)
		assert.Zero(t, acc.VerificationAttempts)
	})

	t.Run("不存在的账户", func(t *testing.T) {
		_, err := store.GetAccountByExternalID(ctx, "404")
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestSQLStore_Addresses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, a := range []*domain.Address{
		{ID: "a1", AccountID: "acc-1", Address: "alice@example.com", Kind: domain.KindPermanent, IsActive: true},
		{ID: "a2", AccountID: "acc-1", Address: "temp_old@example.com", Kind: domain.KindTemporary, IsActive: true, ExpiresAt: &past},
		{ID: "a3", AccountID: "acc-1", Address: "temp_new@example.com", Kind: domain.KindTemporary, IsActive: true, ExpiresAt: &future},
	} {
		require.NoError(t, store.CreateAddress(ctx, a))
	}

	err := store.CreateAddress(ctx, &domain.Address{ID: "a4", AccountID: "acc-2", Address: "alice@example.com", Kind: domain.KindPermanent, IsActive: true})
	assert.ErrorIs(t, err, domain.ErrAddressAlreadyExists)

	count, err := store.CountActiveAddresses(ctx, "acc-1", domain.KindTemporary)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	swept, err := store.BulkDeactivateExpiredTemporary(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	swept, err = store.BulkDeactivateExpiredTemporary(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	changed, err := store.DeactivateAddress(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.DeactivateAddress(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, changed)

	list, err := store.ListActiveAddressesForAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "temp_new@example.com", list[0].Address)

	n, err := store.DeactivateAddressesForAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_ReserveUsageAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	day := domain.DateKey(time.Now())

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ReserveUsageAtomic(ctx, "acc-1", day, domain.KindPermanent, 2)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2), allowed)

	counter, err := store.GetUsageCounterForToday(ctx, "acc-1", day)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.PermanentCount)
	assert.Equal(t, 0, counter.TempCount)

	for i := 0; i < 10; i++ {
		ok, err := store.ReserveUsageAtomic(ctx, "acc-1", day, domain.KindTemporary, domain.Unlimited)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	empty, err := store.GetUsageCounterForToday(ctx, "acc-none", day)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count(domain.KindTemporary))
}

func TestSQLStore_WithinTxRollback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	day := domain.DateKey(time.Now())
	require.NoError(t, store.CreateAddress(ctx, &domain.Address{ID: "a1", AccountID: "acc-1", Address: "taken@example.com", Kind: domain.KindPermanent, IsActive: true}))

	err := store.WithinTx(ctx, func(tx storage.Store) error {
		ok, err := tx.ReserveUsageAtomic(ctx, "acc-1", day, domain.KindPermanent, 2)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("reservation refused")
		}
		return tx.CreateAddress(ctx, &domain.Address{ID: "a2", AccountID: "acc-1", Address: "taken@example.com", Kind: domain.KindPermanent, IsActive: true})
	})
	assert.ErrorIs(t, err, domain.ErrAddressAlreadyExists)

	counter, err := store.GetUsageCounterForToday(ctx, "acc-1", day)
	require.NoError(t, err)
	assert.Equal(t, 0, counter.PermanentCount, "插入失败时预留一并回滚")
}

func TestSQLStore_InboundAndDomains(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AppendInboundMessage(ctx, &domain.InboundMessage{ID: "01J0000000000000000000000A", AddressID: "a1", From: "x@y.com", ReceivedAt: time.Now()}))

	changed, err := store.MarkInboundForwarded(ctx, "01J0000000000000000000000A")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MarkInboundForwarded(ctx, "01J0000000000000000000000A")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.MarkInboundForwarded(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	require.NoError(t, store.SaveDomain(ctx, &domain.MailDomain{Domain: "Example.com", IsActive: true}))
	require.NoError(t, store.SaveDomain(ctx, &domain.MailDomain{Domain: "example.com", IsActive: true, IsPremium: true}))

	domains, err := store.ListDomains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.True(t, domains[0].IsPremium)
}

func TestSQLStore_Health(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Health(context.Background()))
}

func TestOpen_UnsupportedType(t *testing.T) {
	_, err := Open("oracle", "", DefaultPoolConfig())
	assert.Error(t, err)
}
