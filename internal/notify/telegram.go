package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
)

// MaxMessageRunes Telegram 单条消息的最大字符数
const MaxMessageRunes = 4096

// permanentErrors Bot API 返回这些错误时重试无意义
var permanentErrors = []error{
	bot.ErrorBadRequest,
	bot.ErrorUnauthorized,
	bot.ErrorForbidden,
	bot.ErrorNotFound,
}

// TelegramClient 通过 Bot API 发送纯文本消息，限流和服务端错误时指数退避重试
type TelegramClient struct {
	bot        *bot.Bot
	maxRetries uint64
	baseDelay  time.Duration
	log        *zap.Logger
}

// NewTelegramClient 创建 Telegram 客户端，不在启动时调用 getMe
func NewTelegramClient(cfg config.TelegramConfig, log *zap.Logger) (*TelegramClient, error) {
	b, err := bot.New(cfg.BotToken,
		bot.WithServerURL(cfg.APIURL),
		bot.WithHTTPClient(cfg.Timeout, &http.Client{Timeout: cfg.Timeout}),
		bot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramClient{
		bot:        b,
		maxRetries: cfg.MaxRetries,
		baseDelay:  200 * time.Millisecond,
		log:        log,
	}, nil
}

// SendText 发送文本，超长文本拆分为多条按序发送
func (c *TelegramClient) SendText(ctx context.Context, chatID, text string) error {
	for _, chunk := range SplitMessage(text, MaxMessageRunes) {
		if err := c.send(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *TelegramClient) send(ctx context.Context, chatID, text string) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               text,
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &disablePreview},
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.bot.SendMessage(ctx, params)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		c.log.Warn("telegram transient error", zap.Error(err))
		return retry.RetryableError(err)
	})
}

func isPermanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// SplitMessage 按字符数拆分文本，优先在换行处断开
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
