package httptransport

import (
	"github.com/gin-gonic/gin"

	"relaymail/backend/internal/service"
)

// PublicHandler 公开API处理器（无需认证）
type PublicHandler struct {
	domains *service.DomainService
}

// NewPublicHandler 创建公开API处理器
func NewPublicHandler(domains *service.DomainService) *PublicHandler {
	return &PublicHandler{domains: domains}
}

type publicDomain struct {
	Domain  string `json:"domain"`
	Premium bool   `json:"premium"`
}

// GetAvailableDomains godoc
// @Summary 获取可用域名列表
// @Description 获取所有启用的域名，premium 域名仅 Pro 账户可用
// @Tags Public
// @Produce json
// @Success 200 {object} Response{data=object{domains=[]publicDomain,count=int}}
// @Router /v1/public/domains [get]
func (h *PublicHandler) GetAvailableDomains(c *gin.Context) {
	domains, err := h.domains.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		InternalError(c, MsgDomainListFailed)
		return
	}

	out := make([]publicDomain, 0, len(domains))
	for _, d := range domains {
		if d.IsActive {
			out = append(out, publicDomain{Domain: d.Domain, Premium: d.IsPremium})
		}
	}

	Success(c, gin.H{
		"domains": out,
		"count":   len(out),
	})
}
