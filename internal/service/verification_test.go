package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"relaymail/backend/internal/domain"
)

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)

		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
	}
}

func TestVerificationManager(t *testing.T) {
	ctx := context.Background()

	t.Run("正确验证码只能使用一次", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.seedAccount(t, "100", "alice", false)

		code, err := env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)

		stored, err := env.store.GetAccountByID(ctx, acc.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.VerificationHash)
		assert.NotEqual(t, code, *stored.VerificationHash, "只保存哈希")
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(*stored.VerificationHash), []byte(code)))

		ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, code)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = env.verifier.ConsumeChallenge(ctx, acc.ID, code)
		require.NoError(t, err)
		assert.False(t, ok, "重放被拒绝")

		stored, err = env.store.GetAccountByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsVerified)
		assert.Nil(t, stored.VerificationHash)
		require.NotNil(t, stored.LastVerifiedAt)
	})

	t.Run("错误或格式不合法的验证码", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.seedAccount(t, "101", "bob", false)
		code, err := env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)

		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		for _, c := range []string{wrong, "12345", "abcdef", ""} {
			ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, c)
			require.NoError(t, err)
			assert.False(t, ok, c)
		}

		ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, code)
		require.NoError(t, err)
		assert.True(t, ok, "未达上限的错误尝试不会清除挑战")
	})

	t.Run("错误次数达到上限后挑战作废", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.seedAccount(t, "104", "erin", false)
		code, err := env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)

		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		for i := 0; i < 3; i++ {
			ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, wrong)
			require.NoError(t, err)
			assert.False(t, ok)
		}

		stored, err := env.store.GetAccountByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.VerificationHash)

		ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, code)
		require.NoError(t, err)
		assert.False(t, ok, "正确验证码也不再可用")

		code, err = env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)
		stored, err = env.store.GetAccountByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.Zero(t, stored.VerificationAttempts, "新验证码重置错误次数")

		ok, err = env.verifier.ConsumeChallenge(ctx, acc.ID, code)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("冷却时间从签发时刻计算", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.seedAccount(t, "105", "frank", false)
		assert.NoError(t, env.verifier.CheckCooldown(acc), "没有挑战时不受限")

		_, err := env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)
		stored, err := env.store.GetAccountByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, env.verifier.CheckCooldown(stored), domain.ErrResendTooSoon)

		env.clock.Advance(59 * time.Second)
		assert.ErrorIs(t, env.verifier.CheckCooldown(stored), domain.ErrResendTooSoon)

		env.clock.Advance(time.Second)
		assert.NoError(t, env.verifier.CheckCooldown(stored))
	})

	t.Run("重新签发覆盖旧验证码", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.seedAccount(t, "102", "carol", false)

		first, err := env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)
		second, err := env.verifier.IssueChallenge(ctx, acc.ID)
		require.NoError(t, err)

		if first != second {
			ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, first)
			require.NoError(t, err)
			assert.False(t, ok)
		}
		ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("没有挑战时失败", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.seedAccount(t, "103", "dave", false)

		ok, err := env.verifier.ConsumeChallenge(ctx, acc.ID, "123456")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// 注册后 11 分钟提交正确验证码，验证失败且账户保持未验证
func TestVerificationManager_ExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.accounts.Register(ctx, RegisterInput{FullName: "Expired User", ExternalUsername: "expired_user", ExternalID: "123"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(env.channel.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	code := extractCode(t, env.channel.messages()[0].Text)

	env.clock.Advance(11 * time.Minute)

	ok, _, err := env.accounts.Verify(ctx, "123", code)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := env.store.GetAccountByExternalID(ctx, "123")
	require.NoError(t, err)
	assert.False(t, stored.IsVerified)
	assert.Nil(t, stored.VerificationHash, "过期挑战被清除")
}
