package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaymail/backend/internal/domain"
)

// NotificationChannel 外部消息通道，向账户的外部身份发送文本
type NotificationChannel interface {
	SendText(ctx context.Context, externalID, text string) error
}

// Clock 返回当前时间，测试中可替换
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// storeGuard 为单次存储访问加上超时，并把超时映射为可重试错误
type storeGuard struct {
	timeout time.Duration
}

func (g storeGuard) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, g.timeout)
}

// storeErr 把上下文超时或取消归为 ErrTransientStore，其他错误原样返回
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransientStore) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}
