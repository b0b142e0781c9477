package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// 转发结果
const (
	OutcomeForwarded = "forwarded"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// ForwardResult 入站邮件处理结果
type ForwardResult struct {
	Outcome   string `json:"outcome"`
	MessageID string `json:"messageId,omitempty"`
}

// Forwarder 把入站邮件持久化后转发到账户的消息通道
type Forwarder struct {
	store   storage.Store
	channel NotificationChannel
	guard   storeGuard
	now     Clock
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewForwarder 创建转发器
func NewForwarder(store storage.Store, channel NotificationChannel, storeTimeout time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Forwarder {
	return &Forwarder{
		store:   store,
		channel: channel,
		guard:   storeGuard{timeout: storeTimeout},
		now:     utcNow,
		log:     log,
		metrics: metrics,
	}
}

// SetClock 替换时钟
func (f *Forwarder) SetClock(now Clock) {
	f.now = now
}

// HandleInbound 处理一封入站邮件。
// 未知、停用或过期的收件地址以及停用或封禁的账户静默丢弃；
// 通道投递失败时返回 ErrChannelDelivery，由上游重投。
func (f *Forwarder) HandleInbound(ctx context.Context, mail domain.InboundMail) (*ForwardResult, error) {
	to := domain.NormalizeAddress(mail.To)
	now := f.now()

	address, err := f.lookupAddress(ctx, to)
	if err != nil {
		return nil, err
	}
	if address == nil || !address.Deliverable(now) {
		return f.drop("unknown or inactive recipient", to), nil
	}

	account, err := f.lookupAccount(ctx, address.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.ReceivesMail() {
		return f.drop("recipient account not receiving mail", to), nil
	}

	msg := &domain.InboundMessage{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		AddressID:  address.ID,
		ToAddress:  address.Address,
		From:       mail.From,
		Subject:    mail.Subject,
		Body:       mail.Body(),
		ReceivedAt: now,
	}

	sctx, cancel := f.guard.ctx(ctx)
	err = f.store.AppendInboundMessage(sctx, msg)
	cancel()
	if err != nil {
		f.metrics.RecordInbound(OutcomeFailed)
		return nil, storeErr(err)
	}

	start := time.Now()
	err = f.channel.SendText(ctx, account.ExternalID, FormatForward(msg))
	f.metrics.ObserveChannelSend(time.Since(start))
	if err != nil {
		f.metrics.RecordInbound(OutcomeFailed)
		f.log.Warn("channel delivery failed",
			zap.String("messageID", msg.ID),
			zap.String("accountID", account.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrChannelDelivery, err)
	}

	sctx, cancel = f.guard.ctx(ctx)
	defer cancel()
	if _, err := f.store.MarkInboundForwarded(sctx, msg.ID); err != nil {
		f.metrics.RecordInbound(OutcomeFailed)
		return nil, storeErr(err)
	}

	f.metrics.RecordInbound(OutcomeForwarded)
	f.log.Info("inbound message forwarded",
		zap.String("messageID", msg.ID),
		zap.String("to", msg.ToAddress),
	)
	return &ForwardResult{Outcome: OutcomeForwarded, MessageID: msg.ID}, nil
}

func (f *Forwarder) lookupAddress(ctx context.Context, to string) (*domain.Address, error) {
	sctx, cancel := f.guard.ctx(ctx)
	defer cancel()

	address, err := f.store.FindAddressByString(sctx, to)
	if errors.Is(err, domain.ErrAddressNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return address, nil
}

func (f *Forwarder) lookupAccount(ctx context.Context, id string) (*domain.Account, error) {
	sctx, cancel := f.guard.ctx(ctx)
	defer cancel()

	account, err := f.store.GetAccountByID(sctx, id)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return account, nil
}

func (f *Forwarder) drop(reason, to string) *ForwardResult {
	f.metrics.RecordInbound(OutcomeDropped)
	f.log.Debug("inbound message dropped", zap.String("to", to), zap.String("reason", reason))
	return &ForwardResult{Outcome: OutcomeDropped}
}
