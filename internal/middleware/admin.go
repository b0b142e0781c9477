package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

// AccountLookup 按内部 ID 读取账户
type AccountLookup interface {
	GetAccountByID(ctx context.Context, id string) (*domain.Account, error)
}

// AdminAuth 管理员权限中间件
type AdminAuth struct {
	accounts AccountLookup
	log      *zap.Logger
}

// NewAdminAuth 创建管理员权限中间件
func NewAdminAuth(accounts AccountLookup, log *zap.Logger) *AdminAuth {
	return &AdminAuth{accounts: accounts, log: log}
}

// RequireAdmin 要求管理员角色。令牌中的角色可能过期，以存储中的账户为准。
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "unauthorized"})
			return
		}

		account, err := a.accounts.GetAccountByID(c.Request.Context(), claims.AccountID)
		if err != nil {
			a.log.Warn("admin lookup failed", zap.String("accountID", claims.AccountID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "account not found"})
			return
		}

		if !account.IsAdmin() || account.IsBanned || !account.IsActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "msg": "admin access required"})
			return
		}

		c.Next()
	}
}
