package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	jwtpkg "relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/pool"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/storage/memory"
)

const webhookSecret = "webhook-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingChannel struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func (c *recordingChannel) SendText(_ context.Context, externalID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.sent == nil {
		c.sent = make(map[string][]string)
	}
	c.sent[externalID] = append(c.sent[externalID], text)
	return nil
}

func (c *recordingChannel) last(externalID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.sent[externalID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (c *recordingChannel) count(externalID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent[externalID])
}

func (c *recordingChannel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type apiEnv struct {
	router  *gin.Engine
	store   *memory.Store
	channel *recordingChannel
	tokens  *jwtpkg.Manager
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	log := zap.NewNop()
	metrics := monitoring.NewMetrics()
	store := memory.NewStore()
	channel := &recordingChannel{}

	workers := pool.NewWorkerPool(2, 16, log)
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)

	cfg := &config.Config{
		Webhook: config.WebhookConfig{Secret: webhookSecret, MaxBodyBytes: 64 * 1024},
		CORS:    config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
	timeout := time.Second

	verifier := service.NewVerificationManager(store, config.VerificationConfig{
		CodeTTL:     10 * time.Minute,
		BcryptCost:  bcrypt.MinCost,
		MaxAttempts: 5,
	}, timeout, log, metrics)
	quota := service.NewQuotaTracker(config.LimitsConfig{FreePermanent: 2, ProPermanent: 20, FreeTemporary: 5, ProTemporary: -1})
	domains := service.NewDomainService(store, timeout, log)
	require.NoError(t, domains.Seed(context.Background(), []string{"relay.mail"}, []string{"vip.mail"}))
	addresses := service.NewAddressService(store, quota, domains, config.MailboxConfig{TempTTL: time.Hour, MaxGenerateAttempts: 5}, timeout, log, metrics)
	accounts := service.NewAccountService(store, verifier, channel, workers, quota, addresses, timeout, log, metrics)
	tokens := jwtpkg.NewManager("router-test-secret-with-32-characters", "relaymail", time.Hour)

	router := NewRouter(RouterDependencies{
		Config:            cfg,
		AccountService:    accounts,
		AddressService:    addresses,
		DomainService:     domains,
		Forwarder:         service.NewForwarder(store, channel, timeout, log, metrics),
		ModerationService: service.NewModerationService(store, timeout, log, metrics),
		Sweeper:           service.NewSweeper(store, nil, time.Hour, timeout, log, metrics),
		JWTManager:        tokens,
		Accounts:          store,
		Metrics:           metrics,
		Logger:            log,
	})

	return &apiEnv{router: router, store: store, channel: channel, tokens: tokens}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) (int, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func (e *apiEnv) seed(t *testing.T, externalID, handle string, role domain.AccountRole) string {
	t.Helper()
	account := &domain.Account{
		ID:               "acc-" + externalID,
		FullName:         "Seeded " + handle,
		ExternalUsername: handle,
		ExternalID:       externalID,
		Role:             role,
		IsActive:         true,
		IsVerified:       true,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateAccount(context.Background(), account))
	token, err := e.tokens.GenerateToken(account)
	require.NoError(t, err)
	return token.AccessToken
}

var codeInText = regexp.MustCompile(`code is: ([0-9]{6})`)

func TestAccountLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/accounts/register", "", gin.H{
		"fullName":         "Alice Liddell",
		"externalUsername": "@alice_w",
		"externalId":       "424242",
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = env.do(t, http.MethodPost, "/v1/accounts/register", "", gin.H{
		"fullName":         "Alice Again",
		"externalUsername": "ALICE_W",
		"externalId":       "434343",
	})
	assert.Equal(t, http.StatusConflict, status, "用户名大小写不敏感唯一")

	require.Eventually(t, func() bool { return env.channel.count("424242") > 0 }, 2*time.Second, 10*time.Millisecond)
	m := codeInText.FindStringSubmatch(env.channel.last("424242"))
	require.Len(t, m, 2)

	t.Run("未验证账户不能创建地址", func(t *testing.T) {
		account, err := env.store.GetAccountByExternalID(context.Background(), "424242")
		require.NoError(t, err)
		token, err := env.tokens.GenerateToken(account)
		require.NoError(t, err)

		status, _ := env.do(t, http.MethodPost, "/v1/addresses", token.AccessToken, gin.H{"kind": "permanent", "domain": "relay.mail"})
		assert.Equal(t, http.StatusForbidden, status)
	})

	status, resp := env.do(t, http.MethodPost, "/v1/accounts/verify", "", gin.H{"externalId": "424242", "code": "000000"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, MsgInvalidCode, resp.Msg)

	status, resp = env.do(t, http.MethodPost, "/v1/accounts/verify", "", gin.H{"externalId": "424242", "code": m[1]})
	require.Equal(t, http.StatusOK, status)
	data := resp.Data.(map[string]interface{})
	token := data["token"].(map[string]interface{})["accessToken"].(string)
	require.NotEmpty(t, token)

	var firstID string
	t.Run("永久地址额度", func(t *testing.T) {
		status, resp := env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "permanent", "domain": "relay.mail", "prefix": "alice"})
		require.Equal(t, http.StatusCreated, status)
		firstID = resp.Data.(map[string]interface{})["id"].(string)
		assert.Equal(t, "alice@relay.mail", resp.Data.(map[string]interface{})["address"])

		status, _ = env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "permanent", "domain": "relay.mail", "prefix": "alice"})
		assert.Equal(t, http.StatusConflict, status)

		status, _ = env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "permanent", "domain": "relay.mail"})
		require.Equal(t, http.StatusCreated, status)

		status, resp = env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "permanent", "domain": "relay.mail"})
		assert.Equal(t, http.StatusTooManyRequests, status)
		assert.Equal(t, "Permanent email limit reached. Limit: 2", resp.Msg)
	})

	t.Run("免费账户不能使用高级域名", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "temporary", "domain": "vip.mail"})
		assert.Equal(t, http.StatusForbidden, status)
	})

	t.Run("临时地址不支持自定义前缀", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "temporary", "domain": "relay.mail", "prefix": "mine"})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("概览只允许本人访问", func(t *testing.T) {
		status, resp := env.do(t, http.MethodGet, "/v1/accounts/424242", token, nil)
		require.Equal(t, http.StatusOK, status)
		overview := resp.Data.(map[string]interface{})
		assert.Len(t, overview["emails"], 2)
		assert.EqualValues(t, 2, overview["usage"].(map[string]interface{})["permanent"])

		other := env.seed(t, "515151", "bob", domain.RoleUser)
		status, _ = env.do(t, http.MethodGet, "/v1/accounts/424242", other, nil)
		assert.Equal(t, http.StatusForbidden, status)

		status, _ = env.do(t, http.MethodGet, "/v1/accounts/424242", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("删除地址", func(t *testing.T) {
		status, _ := env.do(t, http.MethodDelete, "/v1/addresses/"+firstID, token, nil)
		assert.Equal(t, http.StatusNoContent, status)

		status, _ = env.do(t, http.MethodDelete, "/v1/addresses/"+firstID, token, nil)
		assert.Equal(t, http.StatusNoContent, status, "重复删除同样成功")

		status, resp := env.do(t, http.MethodGet, "/v1/accounts/424242/addresses", token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.EqualValues(t, 1, resp.Data.(map[string]interface{})["count"])
	})
}

// 令牌过期后，已验证账户通过重新发送验证码登录并获得新令牌
func TestReloginAfterTokenExpiry(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/accounts/register", "", gin.H{
		"fullName":         "Dana Scully",
		"externalUsername": "dana",
		"externalId":       "900",
	})
	require.Equal(t, http.StatusCreated, status)
	require.Eventually(t, func() bool { return env.channel.count("900") == 1 }, 2*time.Second, 10*time.Millisecond)

	verify := func(t *testing.T) string {
		t.Helper()
		m := codeInText.FindStringSubmatch(env.channel.last("900"))
		require.Len(t, m, 2)
		status, resp := env.do(t, http.MethodPost, "/v1/accounts/verify", "", gin.H{"externalId": "900", "code": m[1]})
		require.Equal(t, http.StatusOK, status)
		data := resp.Data.(map[string]interface{})
		return data["token"].(map[string]interface{})["accessToken"].(string)
	}

	first := verify(t)
	status, _ = env.do(t, http.MethodGet, "/v1/accounts/900", first, nil)
	require.Equal(t, http.StatusOK, status)

	env.tokens.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	status, _ = env.do(t, http.MethodGet, "/v1/accounts/900", first, nil)
	require.Equal(t, http.StatusUnauthorized, status, "令牌已过期")

	status, _ = env.do(t, http.MethodPost, "/v1/accounts/resend", "", gin.H{"externalId": "900"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, env.channel.count("900"))

	second := verify(t)
	assert.NotEqual(t, first, second)

	status, resp := env.do(t, http.MethodGet, "/v1/accounts/900", second, nil)
	require.Equal(t, http.StatusOK, status)
	account := resp.Data.(map[string]interface{})["account"].(map[string]interface{})
	assert.Equal(t, true, account["isVerified"])

	status, _ = env.do(t, http.MethodPost, "/v1/addresses", second, gin.H{"kind": "temporary", "domain": "relay.mail"})
	assert.Equal(t, http.StatusCreated, status)
}

func signed(t *testing.T, to, from, subject string) string {
	t.Helper()
	sig, err := SignPayload([]byte(webhookSecret), to, from, subject)
	require.NoError(t, err)
	return sig
}

func TestWebhook(t *testing.T) {
	env := newAPIEnv(t)
	token := env.seed(t, "777", "carol", domain.RoleUser)

	status, resp := env.do(t, http.MethodPost, "/v1/addresses", token, gin.H{"kind": "permanent", "domain": "relay.mail", "prefix": "carol"})
	require.Equal(t, http.StatusCreated, status)
	require.NotNil(t, resp.Data)

	post := func(to, subject, sig string) (int, Response) {
		return env.do(t, http.MethodPost, "/v1/webhook/email", "", gin.H{
			"to":        to,
			"from":      "sender@example.com",
			"subject":   subject,
			"text":      "hello there",
			"signature": sig,
		})
	}

	t.Run("签名错误", func(t *testing.T) {
		status, _ := post("carol@relay.mail", "Hi", "deadbeef")
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("未托管域名", func(t *testing.T) {
		status, _ := post("carol@elsewhere.org", "Hi", signed(t, "carol@elsewhere.org", "sender@example.com", "Hi"))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("未知收件人静默丢弃", func(t *testing.T) {
		status, resp := post("nobody@relay.mail", "Hi", signed(t, "nobody@relay.mail", "sender@example.com", "Hi"))
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, service.OutcomeDropped, resp.Data.(map[string]interface{})["outcome"])
	})

	t.Run("转发成功", func(t *testing.T) {
		status, resp := post("Carol@Relay.Mail", "<b>Hi</b> & bye", signed(t, "Carol@Relay.Mail", "sender@example.com", "<b>Hi</b> & bye"))
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, service.OutcomeForwarded, resp.Data.(map[string]interface{})["outcome"])
		assert.Contains(t, env.channel.last("777"), "hello there")
	})

	t.Run("通道失败返回 502", func(t *testing.T) {
		env.channel.setErr(errors.New("bot api down"))
		defer env.channel.setErr(nil)

		status, _ := post("carol@relay.mail", "Hi", signed(t, "carol@relay.mail", "sender@example.com", "Hi"))
		assert.Equal(t, http.StatusBadGateway, status)
	})

	t.Run("签名可通过请求头传递", func(t *testing.T) {
		raw, err := json.Marshal(gin.H{"to": "carol@relay.mail", "from": "sender@example.com", "subject": "Hdr", "text": "x"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/webhook/email", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signatureHeader, signed(t, "carol@relay.mail", "sender@example.com", "Hdr"))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAdminRoutes(t *testing.T) {
	env := newAPIEnv(t)
	admin := env.seed(t, "1", "admin_user", domain.RoleAdmin)
	user := env.seed(t, "2", "plain_user", domain.RoleUser)

	status, _ := env.do(t, http.MethodGet, "/v1/admin/stats", user, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, resp := env.do(t, http.MethodGet, "/v1/admin/stats", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, resp.Data.(map[string]interface{})["total"])

	status, resp = env.do(t, http.MethodPost, "/v1/admin/accounts/2/promote", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["isPro"])

	status, _ = env.do(t, http.MethodPost, "/v1/addresses", user, gin.H{"kind": "temporary", "domain": "vip.mail"})
	assert.Equal(t, http.StatusCreated, status, "Pro 账户可使用高级域名")

	status, _ = env.do(t, http.MethodPost, "/v1/admin/accounts/2/role", admin, gin.H{"role": "owner"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/v1/admin/accounts/2/ban", admin, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/v1/addresses", user, gin.H{"kind": "temporary", "domain": "relay.mail"})
	assert.Equal(t, http.StatusForbidden, status, "封禁后不能创建地址")

	status, resp = env.do(t, http.MethodDelete, "/v1/admin/accounts/2", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, resp.Data.(map[string]interface{})["addressesDeactivated"])

	status, _ = env.do(t, http.MethodPost, "/v1/admin/accounts/999/ban", admin, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = env.do(t, http.MethodPost, "/v1/admin/cleanup", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, resp.Data.(map[string]interface{})["deactivated"])

	status, _ = env.do(t, http.MethodPost, "/v1/admin/domains", admin, gin.H{"domain": "new.mail", "premium": true})
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodGet, "/v1/public/domains", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, resp.Data.(map[string]interface{})["count"])
}
