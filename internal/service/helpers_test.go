package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/pool"
	"relaymail/backend/internal/storage/memory"
)

type sentMessage struct {
	To   string
	Text string
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (c *fakeChannel) SendText(ctx context.Context, externalID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sentMessage{To: externalID, Text: text})
	return nil
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeChannel) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var codePattern = regexp.MustCompile(`code is: ([0-9]{6})`)

func extractCode(t *testing.T, text string) string {
	t.Helper()
	m := codePattern.FindStringSubmatch(text)
	require.Len(t, m, 2, "message should contain a code")
	return m[1]
}

var errChannelDown = errors.New("telegram unavailable")

type testEnv struct {
	store      *memory.Store
	channel    *fakeChannel
	clock      *fakeClock
	workers    *pool.WorkerPool
	metrics    *monitoring.Metrics
	verifier   *VerificationManager
	quota      *QuotaTracker
	domains    *DomainService
	addresses  *AddressService
	accounts   *AccountService
	forwarder  *Forwarder
	moderation *ModerationService
	sweeper    *Sweeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()
	store := memory.NewStore()
	channel := &fakeChannel{}
	clock := &fakeClock{now: time.Now().UTC()}
	metrics := monitoring.NewMetrics()

	workers := pool.NewWorkerPool(2, 16, log)
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)

	verifier := NewVerificationManager(store, config.VerificationConfig{
		CodeTTL:        10 * time.Minute,
		BcryptCost:     bcrypt.MinCost,
		MaxAttempts:    3,
		ResendCooldown: time.Minute,
	}, time.Second, log, metrics)
	verifier.SetClock(clock.Now)

	quota := NewQuotaTracker(config.LimitsConfig{FreePermanent: 2, ProPermanent: 20, FreeTemporary: 5, ProTemporary: -1})

	domains := NewDomainService(store, time.Second, log)
	require.NoError(t, domains.Seed(context.Background(), []string{"relay.mail"}, []string{"vip.mail"}))

	addresses := NewAddressService(store, quota, domains, config.MailboxConfig{TempTTL: 24 * time.Hour, MaxGenerateAttempts: 5}, time.Second, log, metrics)
	addresses.SetClock(clock.Now)

	forwarder := NewForwarder(store, channel, time.Second, log, metrics)
	forwarder.SetClock(clock.Now)

	sweeper := NewSweeper(store, nil, time.Hour, time.Second, log, metrics)
	sweeper.SetClock(clock.Now)

	moderation := NewModerationService(store, time.Second, log, metrics)
	moderation.now = clock.Now

	return &testEnv{
		store:      store,
		channel:    channel,
		clock:      clock,
		workers:    workers,
		metrics:    metrics,
		verifier:   verifier,
		quota:      quota,
		domains:    domains,
		addresses:  addresses,
		accounts:   NewAccountService(store, verifier, channel, workers, quota, addresses, time.Second, log, metrics),
		forwarder:  forwarder,
		moderation: moderation,
		sweeper:    sweeper,
	}
}

// seedAccount 直接写入一个已验证账户
func (e *testEnv) seedAccount(t *testing.T, externalID, handle string, pro bool) *domain.Account {
	t.Helper()
	account := &domain.Account{
		ID:               "acc-" + externalID,
		FullName:         "Test " + handle,
		ExternalUsername: handle,
		ExternalID:       externalID,
		Role:             domain.RoleUser,
		IsPro:            pro,
		IsActive:         true,
		IsVerified:       true,
		CreatedAt:        e.clock.Now(),
	}
	require.NoError(t, e.store.CreateAccount(context.Background(), account))
	return account
}
