package httptransport

import (
	"github.com/gin-gonic/gin"

	jwtpkg "relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/service"
)

// AccountHandler 账户注册、验证与概览
type AccountHandler struct {
	accounts  *service.AccountService
	addresses *service.AddressService
	tokens    *jwtpkg.Manager
}

// NewAccountHandler 创建账户处理器
func NewAccountHandler(accounts *service.AccountService, addresses *service.AddressService, tokens *jwtpkg.Manager) *AccountHandler {
	return &AccountHandler{accounts: accounts, addresses: addresses, tokens: tokens}
}

type registerRequest struct {
	FullName         string `json:"fullName" binding:"required,max=128"`
	ExternalUsername string `json:"externalUsername" binding:"required,max=33"`
	ExternalID       string `json:"externalId" binding:"required,externalid"`
}

type verifyRequest struct {
	ExternalID string `json:"externalId" binding:"required,externalid"`
	Code       string `json:"code" binding:"required,len=6,numeric"`
}

type resendRequest struct {
	ExternalID string `json:"externalId" binding:"required,externalid"`
}

type verifyResponse struct {
	Account *domain.Account `json:"account"`
	Token   *jwtpkg.Token   `json:"token"`
}

// Register godoc
// @Summary 注册账户
// @Description 创建未验证账户，并通过 Telegram 发送验证码
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body registerRequest true "注册信息"
// @Success 201 {object} Response{data=domain.Account}
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /v1/accounts/register [post]
func (h *AccountHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	account, err := h.accounts.Register(c.Request.Context(), service.RegisterInput{
		FullName:         req.FullName,
		ExternalUsername: req.ExternalUsername,
		ExternalID:       req.ExternalID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	Created(c, account)
}

// Verify godoc
// @Summary 提交验证码
// @Description 验证成功后返回账户与访问令牌
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body verifyRequest true "验证码"
// @Success 200 {object} Response{data=verifyResponse}
// @Failure 400 {object} Response
// @Router /v1/accounts/verify [post]
func (h *AccountHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidCode)
		return
	}

	ok, account, err := h.accounts.Verify(c.Request.Context(), req.ExternalID, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		BadRequest(c, MsgInvalidCode)
		return
	}

	token, err := h.tokens.GenerateToken(account)
	if err != nil {
		respondError(c, err)
		return
	}

	SuccessWithMsg(c, MsgVerified, verifyResponse{Account: account, Token: token})
}

// Resend godoc
// @Summary 重新发送验证码
// @Description 未验证账户重新获取注册验证码；已验证账户获取登录验证码，验证后签发新令牌
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body resendRequest true "外部身份"
// @Success 200 {object} Response
// @Failure 403 {object} Response
// @Failure 429 {object} Response
// @Failure 502 {object} Response
// @Router /v1/accounts/resend [post]
func (h *AccountHandler) Resend(c *gin.Context) {
	var req resendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.accounts.ResendCode(c.Request.Context(), req.ExternalID); err != nil {
		respondError(c, err)
		return
	}

	SuccessWithMsg(c, MsgCodeSent, nil)
}

// Overview godoc
// @Summary 账户概览
// @Description 返回可用地址、当日用量与额度
// @Tags Accounts
// @Produce json
// @Param externalId path string true "Telegram 用户 ID"
// @Success 200 {object} Response{data=service.AccountOverview}
// @Security BearerAuth
// @Router /v1/accounts/{externalId} [get]
func (h *AccountHandler) Overview(c *gin.Context) {
	externalID := c.Param("externalId")
	if !requireSelfOrAdmin(c, externalID) {
		return
	}

	overview, err := h.accounts.Overview(c.Request.Context(), externalID)
	if err != nil {
		respondError(c, err)
		return
	}

	Success(c, overview)
}

// ListAddresses godoc
// @Summary 地址列表
// @Tags Accounts
// @Produce json
// @Param externalId path string true "Telegram 用户 ID"
// @Success 200 {object} Response{data=object{items=[]domain.Address,count=int}}
// @Security BearerAuth
// @Router /v1/accounts/{externalId}/addresses [get]
func (h *AccountHandler) ListAddresses(c *gin.Context) {
	externalID := c.Param("externalId")
	if !requireSelfOrAdmin(c, externalID) {
		return
	}

	addresses, err := h.addresses.List(c.Request.Context(), externalID)
	if err != nil {
		respondError(c, err)
		return
	}
	if addresses == nil {
		addresses = []domain.Address{}
	}

	Success(c, gin.H{
		"items": addresses,
		"count": len(addresses),
	})
}
