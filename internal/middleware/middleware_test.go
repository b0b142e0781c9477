package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

const testSecret = "middleware-test-secret-32-characters!"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAccounts map[string]*domain.Account

func (s stubAccounts) GetAccountByID(_ context.Context, id string) (*domain.Account, error) {
	if a, ok := s[id]; ok {
		return a, nil
	}
	return nil, domain.ErrAccountNotFound
}

func bearer(t *testing.T, m *jwt.Manager, account *domain.Account) string {
	t.Helper()
	token, err := m.GenerateToken(account)
	require.NoError(t, err)
	return "Bearer " + token.AccessToken
}

func TestRequireAuthAndAdmin(t *testing.T) {
	manager := jwt.NewManager(testSecret, "relaymail", time.Hour)
	admin := &domain.Account{ID: "admin-1", ExternalID: "1", Role: domain.RoleAdmin, IsActive: true}
	user := &domain.Account{ID: "user-1", ExternalID: "2", Role: domain.RoleUser, IsActive: true}
	// 令牌声称是管理员，但存储中已不是
	stale := &domain.Account{ID: "stale-1", ExternalID: "3", Role: domain.RoleUser, IsActive: true}
	accounts := stubAccounts{admin.ID: admin, user.ID: user, stale.ID: stale}

	r := gin.New()
	auth := NewJWTAuth(manager, zap.NewNop())
	adminAuth := NewAdminAuth(accounts, zap.NewNop())
	r.GET("/me", auth.RequireAuth(), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.ExternalID)
	})
	r.GET("/admin", auth.RequireAuth(), adminAuth.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	staleToken := bearer(t, manager, &domain.Account{ID: stale.ID, ExternalID: stale.ExternalID, Role: domain.RoleAdmin})

	cases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"缺少令牌", "/me", "", http.StatusUnauthorized},
		{"无效令牌", "/me", "Bearer nope", http.StatusUnauthorized},
		{"有效令牌", "/me", bearer(t, manager, user), http.StatusOK},
		{"普通用户访问管理接口", "/admin", bearer(t, manager, user), http.StatusForbidden},
		{"管理员访问管理接口", "/admin", bearer(t, manager, admin), http.StatusNoContent},
		{"过期角色以存储为准", "/admin", staleToken, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	metrics := monitoring.NewMetrics()
	r := gin.New()
	r.GET("/ping", RateLimit(NewLocalLimiter(60, 2), zap.NewNop(), metrics), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, int, error) {
	return false, 0, errors.New("redis down")
}

func TestRateLimit_BackendFailureAllows(t *testing.T) {
	r := gin.New()
	r.GET("/ping", RateLimit(failingLimiter{}, zap.NewNop(), nil), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLocalLimiter_Prune(t *testing.T) {
	l := NewLocalLimiter(60, 1)
	_, _, _ = l.Allow(context.Background(), "1.2.3.4")
	_, _, _ = l.Allow(context.Background(), "5.6.7.8")

	assert.Equal(t, 0, l.prune(time.Now()))
	assert.Equal(t, 2, l.prune(time.Now().Add(11*time.Minute)))
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/upload", BodySizeLimit(8), func(c *gin.Context) {
		var body struct{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRecoveryHandler(t *testing.T) {
	r := gin.New()
	r.Use(RecoveryHandler(zap.NewNop(), monitoring.NewMetrics()), SecurityHeaders())
	r.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
