package httptransport

import (
	"github.com/gin-gonic/gin"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/service"
)

// AddressHandler 地址创建与删除
type AddressHandler struct {
	addresses *service.AddressService
}

// NewAddressHandler 创建地址处理器
func NewAddressHandler(addresses *service.AddressService) *AddressHandler {
	return &AddressHandler{addresses: addresses}
}

type createAddressRequest struct {
	Kind   string `json:"kind" binding:"required,kind"`
	Domain string `json:"domain" binding:"required,fqdn"`
	Prefix string `json:"prefix" binding:"omitempty,localpart"`
}

// Create godoc
// @Summary 创建地址
// @Description 创建永久或临时地址，受账户等级额度限制
// @Tags Addresses
// @Accept json
// @Produce json
// @Param request body createAddressRequest true "地址参数"
// @Success 201 {object} Response{data=domain.Address}
// @Failure 400 {object} Response
// @Failure 403 {object} Response
// @Failure 409 {object} Response
// @Failure 429 {object} Response
// @Security BearerAuth
// @Router /v1/addresses [post]
func (h *AddressHandler) Create(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	var req createAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	address, err := h.addresses.Create(c.Request.Context(), service.CreateAddressInput{
		ExternalID: claims.ExternalID,
		Kind:       domain.AddressKind(req.Kind),
		Domain:     req.Domain,
		Prefix:     req.Prefix,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	Created(c, address)
}

// Delete godoc
// @Summary 删除地址
// @Description 软删除地址；地址不存在或不属于当前账户时同样返回成功
// @Tags Addresses
// @Param id path string true "地址ID"
// @Success 204
// @Security BearerAuth
// @Router /v1/addresses/{id} [delete]
func (h *AddressHandler) Delete(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	if err := h.addresses.Delete(c.Request.Context(), claims.ExternalID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	NoContent(c)
}
