package httptransport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/service"
)

const signatureHeader = "X-Webhook-Signature"

// WebhookHandler 入站邮件 Webhook
type WebhookHandler struct {
	domains   *service.DomainService
	forwarder *service.Forwarder
	secret    []byte
	log       *zap.Logger
}

// NewWebhookHandler 创建 Webhook 处理器，secret 为空时不校验签名
func NewWebhookHandler(domains *service.DomainService, forwarder *service.Forwarder, secret string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		domains:   domains,
		forwarder: forwarder,
		secret:    []byte(secret),
		log:       log,
	}
}

type inboundEmailRequest struct {
	To        string `json:"to" binding:"required,email"`
	From      string `json:"from" binding:"required"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	MessageID string `json:"messageId"`
	Signature string `json:"signature"`
}

// ReceiveEmail godoc
// @Summary 接收入站邮件
// @Description 邮件传输层回调。未知收件人返回 200；需要上游重投的失败返回 5xx。
// @Tags Webhook
// @Accept json
// @Produce json
// @Param request body inboundEmailRequest true "归一化邮件"
// @Success 200 {object} Response{data=service.ForwardResult}
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 502 {object} Response
// @Failure 503 {object} Response
// @Router /v1/webhook/email [post]
func (h *WebhookHandler) ReceiveEmail(c *gin.Context) {
	var req inboundEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if len(h.secret) > 0 {
		signature := req.Signature
		if signature == "" {
			signature = c.GetHeader(signatureHeader)
		}
		if !h.validSignature(req, signature) {
			h.log.Warn("webhook signature mismatch", zap.String("to", req.To), zap.String("ip", c.ClientIP()))
			Unauthorized(c, MsgInvalidSignature)
			return
		}
	}

	to := domain.NormalizeAddress(req.To)
	_, mailDomain, ok := domain.SplitAddress(to)
	if !ok {
		respondError(c, domain.Invalid("to", "malformed address"))
		return
	}

	// 未托管的域名在进入转发器之前拒绝
	managed, err := h.domains.IsManaged(c.Request.Context(), mailDomain)
	if err != nil {
		respondError(c, err)
		return
	}
	if !managed {
		respondError(c, domain.ErrUnknownDomain)
		return
	}

	result, err := h.forwarder.HandleInbound(c.Request.Context(), domain.InboundMail{
		To:      to,
		From:    req.From,
		Subject: req.Subject,
		Text:    req.Text,
		HTML:    req.HTML,
	})
	if err != nil {
		h.log.Warn("inbound handling failed",
			zap.String("to", to),
			zap.String("messageId", req.MessageID),
			zap.Error(err),
		)
		respondError(c, err)
		return
	}

	msg := MsgInboundForwarded
	if result.Outcome == service.OutcomeDropped {
		msg = MsgInboundDropped
	}
	SuccessWithMsg(c, msg, result)
}

// validSignature 校验 HMAC-SHA256(secret, {"to","from","subject"}) 的十六进制签名
func (h *WebhookHandler) validSignature(req inboundEmailRequest, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := SignPayload(h.secret, req.To, req.From, req.Subject)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// SignPayload 计算 Webhook 签名，邮件传输层使用相同算法
func SignPayload(secret []byte, to, from, subject string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(struct {
		To      string `json:"to"`
		From    string `json:"from"`
		Subject string `json:"subject"`
	}{to, from, subject})
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
