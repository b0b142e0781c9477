package httptransport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	domain.ErrValidation:           "请求参数无效",
	domain.ErrAccountNotEligible:   "账户未验证、已停用或已封禁",
	domain.ErrAddressAlreadyExists: "该邮箱地址已被占用",
	domain.ErrDomainNotAllowed:     "当前账户等级无法使用该域名",
	domain.ErrTransientStore:       "存储暂时不可用，请稍后重试",
	domain.ErrChannelDelivery:      "消息通道投递失败，请稍后重试",
	domain.ErrResendTooSoon:        "验证码发送过于频繁，请稍后再试",
	domain.ErrAccountNotFound:      "账户不存在",
	domain.ErrAccountExists:        "该 Telegram 账户或用户名已注册",
	domain.ErrAddressNotFound:      "邮箱地址不存在",
	domain.ErrUnknownDomain:        "域名未托管",
	service.ErrSweepInProgress:     "清理任务正在进行",
}

// 通用错误消息
const (
	MsgInvalidRequest    = "请求参数格式错误"
	MsgAuthRequired      = "需要登录认证"
	MsgPermissionDenied  = "权限不足"
	MsgInvalidCode       = "验证码无效或已过期"
	MsgInvalidSignature  = "签名校验失败"
	MsgDomainListFailed  = "获取可用域名失败"
	MsgStatisticsFailed  = "获取统计数据失败"
	MsgInternalError     = "服务器内部错误，请稍后重试"
	MsgCodeSent          = "验证码已发送"
	MsgAddressRemoved    = "邮箱已删除"
	MsgVerified          = "验证成功"
	MsgCleanupCompleted  = "清理完成"
	MsgInboundDropped    = "收件地址不存在，已忽略"
	MsgInboundForwarded  = "邮件已转发"
	MsgAccountRegistered = "注册成功，验证码已通过 Telegram 发送"
)

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	var quotaErr *domain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return quotaMessage(quotaErr)
	}
	for sentinel, msg := range errorMessages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return MsgInternalError
}

func quotaMessage(err *domain.QuotaExceededError) string {
	if err.Kind == domain.KindTemporary {
		return fmt.Sprintf("Temporary email limit reached. Limit: %d per day", err.Limit)
	}
	return fmt.Sprintf("Permanent email limit reached. Limit: %d", err.Limit)
}

// statusFor 业务错误 -> HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownDomain):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotEligible), errors.Is(err, domain.ErrDomainNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrAddressNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAddressAlreadyExists), errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, service.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrResendTooSoon):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrChannelDelivery):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 按错误分类写出响应，未归类错误记录到 gin 上下文供请求日志输出
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	msg := GetErrorMessage(err)
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		msg = fmt.Sprintf("%s: %s %s", msg, vErr.Field, vErr.Reason)
	}
	Error(c, status, msg)
}
