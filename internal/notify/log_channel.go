package notify

import (
	"context"
	"regexp"

	"go.uber.org/zap"
)

// codePattern 匹配消息中的 6 位验证码
var codePattern = regexp.MustCompile(`\b[0-9]{6}\b`)

// LogChannel 未配置 Bot Token 时使用，只把消息写入日志，验证码会被遮盖
type LogChannel struct {
	log *zap.Logger
}

// NewLogChannel 创建日志通道
func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log}
}

// SendText 记录消息
func (c *LogChannel) SendText(ctx context.Context, externalID, text string) error {
	c.log.Info("notification (telegram disabled)",
		zap.String("externalID", externalID),
		zap.String("text", Redact(text)),
	)
	return nil
}

// Redact 遮盖文本中的验证码
func Redact(text string) string {
	return codePattern.ReplaceAllString(text, "******")
}
