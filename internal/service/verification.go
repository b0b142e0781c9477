package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

const (
	codeMin   = 100000
	codeRange = 900000

	defaultMaxAttempts = 5
)

// VerificationManager 签发与校验一次性验证码
type VerificationManager struct {
	store       storage.AccountRepository
	ttl         time.Duration
	cost        int
	maxAttempts int
	cooldown    time.Duration
	now         Clock
	guard       storeGuard
	log         *zap.Logger
	metrics     *monitoring.Metrics
}

// NewVerificationManager 创建验证码管理器
func NewVerificationManager(store storage.AccountRepository, cfg config.VerificationConfig, storeTimeout time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *VerificationManager {
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &VerificationManager{
		store:       store,
		ttl:         cfg.CodeTTL,
		cost:        cost,
		maxAttempts: maxAttempts,
		cooldown:    cfg.ResendCooldown,
		now:         utcNow,
		guard:       storeGuard{timeout: storeTimeout},
		log:         log,
		metrics:     metrics,
	}
}

// SetClock 替换时钟
func (m *VerificationManager) SetClock(now Clock) {
	m.now = now
}

// TTL 验证码有效期
func (m *VerificationManager) TTL() time.Duration {
	return m.ttl
}

// CheckCooldown 距上次签发不足冷却时间时返回 ErrResendTooSoon
func (m *VerificationManager) CheckCooldown(account *domain.Account) error {
	issuedAt, ok := account.ChallengeIssuedAt(m.ttl)
	if !ok || m.cooldown <= 0 {
		return nil
	}
	if m.now().Sub(issuedAt) < m.cooldown {
		return domain.ErrResendTooSoon
	}
	return nil
}

// IssueChallenge 生成新验证码并覆盖旧挑战，返回明文供外部通道发送
func (m *VerificationManager) IssueChallenge(ctx context.Context, accountID string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.cost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	hashStr := string(hash)
	expiresAt := m.now().Add(m.ttl)

	sctx, cancel := m.guard.ctx(ctx)
	defer cancel()
	_, err = m.store.UpdateAccount(sctx, accountID, domain.AccountPatch{
		SetChallenge:          true,
		VerificationHash:      &hashStr,
		VerificationExpiresAt: &expiresAt,
	})
	if err != nil {
		return "", storeErr(err)
	}

	return code, nil
}

// ConsumeChallenge 校验验证码；无挑战、已过期或不匹配时返回 false。
// 过期挑战会被清除，错误次数达到上限时挑战作废，成功后挑战同样被清除，重放返回 false。
func (m *VerificationManager) ConsumeChallenge(ctx context.Context, accountID, code string) (bool, error) {
	if !domain.ValidCode(code) {
		m.metrics.RecordVerification("malformed")
		return false, nil
	}

	sctx, cancel := m.guard.ctx(ctx)
	account, err := m.store.GetAccountByID(sctx, accountID)
	cancel()
	if err != nil {
		return false, storeErr(err)
	}

	if account.VerificationHash == nil || account.VerificationExpiresAt == nil {
		m.metrics.RecordVerification("no_challenge")
		return false, nil
	}
	hash := *account.VerificationHash
	now := m.now()

	if now.After(*account.VerificationExpiresAt) {
		sctx, cancel := m.guard.ctx(ctx)
		defer cancel()
		if err := m.store.ClearChallenge(sctx, accountID, hash); err != nil {
			m.log.Warn("failed to clear expired challenge", zap.String("accountID", accountID), zap.Error(err))
		}
		m.metrics.RecordVerification("expired")
		return false, nil
	}

	// bcrypt 比较为常数时间
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		m.metrics.RecordVerification("mismatch")
		sctx, cancel := m.guard.ctx(ctx)
		defer cancel()
		cleared, err := m.store.RecordFailedAttempt(sctx, accountID, hash, m.maxAttempts)
		if err != nil {
			return false, storeErr(err)
		}
		if cleared {
			m.metrics.RecordVerification("locked")
			m.log.Warn("verification challenge revoked after repeated failures", zap.String("accountID", accountID))
		}
		return false, nil
	}

	sctx, cancel = m.guard.ctx(ctx)
	defer cancel()
	ok, err := m.store.CompleteVerification(sctx, accountID, hash, now)
	if err != nil {
		return false, storeErr(err)
	}
	if !ok {
		m.metrics.RecordVerification("replayed")
		return false, nil
	}

	m.metrics.RecordVerification("verified")
	return true, nil
}

// generateCode 生成 [100000, 999999] 上均匀分布的 6 位验证码
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}
