package httptransport

import (
	"github.com/gin-gonic/gin"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/service"
)

// AdminHandler 管理API处理器
type AdminHandler struct {
	moderation *service.ModerationService
	accounts   *service.AccountService
	domains    *service.DomainService
	sweeper    *service.Sweeper
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(moderation *service.ModerationService, accounts *service.AccountService, domains *service.DomainService, sweeper *service.Sweeper) *AdminHandler {
	return &AdminHandler{
		moderation: moderation,
		accounts:   accounts,
		domains:    domains,
		sweeper:    sweeper,
	}
}

type setRoleRequest struct {
	Role string `json:"role" binding:"required,role"`
}

type saveDomainRequest struct {
	Domain  string `json:"domain" binding:"required,fqdn"`
	Premium bool   `json:"premium"`
	Active  *bool  `json:"active"`
}

// ========== 账户管理 ==========

// GetAccount godoc
// @Summary 获取账户概览
// @Tags Admin
// @Produce json
// @Param externalId path string true "Telegram 用户 ID"
// @Success 200 {object} Response{data=service.AccountOverview}
// @Failure 404 {object} Response
// @Router /v1/admin/accounts/{externalId} [get]
func (h *AdminHandler) GetAccount(c *gin.Context) {
	overview, err := h.accounts.Overview(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, overview)
}

// Ban godoc
// @Summary 封禁账户
// @Description 封禁后账户不能创建地址，也不再接收转发
// @Tags Admin
// @Param externalId path string true "Telegram 用户 ID"
// @Success 200 {object} Response{data=domain.Account}
// @Router /v1/admin/accounts/{externalId}/ban [post]
func (h *AdminHandler) Ban(c *gin.Context) {
	account, err := h.moderation.Ban(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		respondError(c, err)
		return
	}
	SuccessWithMsg(c, "账户已封禁", account)
}

// Promote godoc
// @Summary 升级为 Pro
// @Tags Admin
// @Param externalId path string true "Telegram 用户 ID"
// @Success 200 {object} Response{data=domain.Account}
// @Router /v1/admin/accounts/{externalId}/promote [post]
func (h *AdminHandler) Promote(c *gin.Context) {
	account, err := h.moderation.Promote(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		respondError(c, err)
		return
	}
	SuccessWithMsg(c, "账户已升级为 Pro", account)
}

// SetRole godoc
// @Summary 设置账户角色
// @Tags Admin
// @Accept json
// @Param externalId path string true "Telegram 用户 ID"
// @Param request body setRoleRequest true "角色"
// @Success 200 {object} Response{data=domain.Account}
// @Router /v1/admin/accounts/{externalId}/role [post]
func (h *AdminHandler) SetRole(c *gin.Context) {
	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	account, err := h.moderation.SetRole(c.Request.Context(), c.Param("externalId"), domain.AccountRole(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, account)
}

// DeleteAccount godoc
// @Summary 删除账户
// @Description 停用账户及其全部地址，历史记录保留
// @Tags Admin
// @Param externalId path string true "Telegram 用户 ID"
// @Success 200 {object} Response{data=object{addressesDeactivated=int}}
// @Router /v1/admin/accounts/{externalId} [delete]
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	count, err := h.moderation.DeleteAccount(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		respondError(c, err)
		return
	}
	SuccessWithMsg(c, "账户已删除", gin.H{"addressesDeactivated": count})
}

// ========== 系统 ==========

// GetStatistics godoc
// @Summary 账户统计
// @Tags Admin
// @Produce json
// @Success 200 {object} Response{data=domain.AccountStats}
// @Router /v1/admin/stats [get]
func (h *AdminHandler) GetStatistics(c *gin.Context) {
	stats, err := h.moderation.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		InternalError(c, MsgStatisticsFailed)
		return
	}
	Success(c, stats)
}

// Cleanup godoc
// @Summary 立即清理过期临时地址
// @Tags Admin
// @Success 200 {object} Response{data=object{deactivated=int}}
// @Failure 409 {object} Response
// @Router /v1/admin/cleanup [post]
func (h *AdminHandler) Cleanup(c *gin.Context) {
	count, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	SuccessWithMsg(c, MsgCleanupCompleted, gin.H{"deactivated": count})
}

// ListDomains godoc
// @Summary 域名列表
// @Tags Admin
// @Success 200 {object} Response{data=[]domain.MailDomain}
// @Router /v1/admin/domains [get]
func (h *AdminHandler) ListDomains(c *gin.Context) {
	domains, err := h.domains.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, domains)
}

// SaveDomain godoc
// @Summary 新增或更新域名
// @Tags Admin
// @Accept json
// @Param request body saveDomainRequest true "域名"
// @Success 200 {object} Response
// @Router /v1/admin/domains [post]
func (h *AdminHandler) SaveDomain(c *gin.Context) {
	var req saveDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if err := h.domains.Save(c.Request.Context(), req.Domain, req.Premium, active); err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"domain": req.Domain, "premium": req.Premium, "active": active})
}
