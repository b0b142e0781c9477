package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/service"
)

const defaultMaxMessageBytes = 10 << 20 // 10MB

// DomainChecker 判断域名是否由本系统接收
type DomainChecker interface {
	IsManaged(ctx context.Context, name string) (bool, error)
}

// InboundHandler 处理归一化后的入站邮件
type InboundHandler interface {
	HandleInbound(ctx context.Context, mail domain.InboundMail) (*service.ForwardResult, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本系统托管域名的邮件，不提供对外中继。
// 收件人是否存在由转发器判断，未知地址静默丢弃；
// 转发失败返回 4xx，由发件方 MTA 重投。
type Backend struct {
	domains   DomainChecker
	forwarder InboundHandler
	limiter   *ConnectionLimiter
	maxBytes  int64
	timeout   time.Duration
	log       *zap.Logger
}

// NewBackend 创建 SMTP Backend，limiter 为空时不限流。
func NewBackend(domains DomainChecker, forwarder InboundHandler, limiter *ConnectionLimiter, maxBytes int64, log *zap.Logger) *Backend {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Backend{
		domains:   domains,
		forwarder: forwarder,
		limiter:   limiter,
		maxBytes:  maxBytes,
		timeout:   30 * time.Second,
		log:       log,
	}
}

// NewServer 按配置创建 SMTP 服务器
func NewServer(backend *Backend, addr, hostname string, maxRecipients int) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = addr
	server.Domain = hostname
	server.ReadTimeout = 10 * time.Second
	server.WriteTimeout = 10 * time.Second
	server.MaxMessageBytes = backend.maxBytes
	server.MaxRecipients = maxRecipients
	return server
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := remoteIP(c)
	if b.limiter != nil {
		if !b.limiter.Acquire(remote) {
			b.log.Warn("smtp connection rejected by limiter", zap.String("ip", remote))
			return nil, &gosmtp.SMTPError{
				Code:         421,
				EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
				Message:      "too many connections, try again later",
			}
		}
	}
	return &session{backend: b, remote: remote}, nil
}

func remoteIP(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	addr := c.Conn().RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type session struct {
	backend     *Backend
	remote      string
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。域名不在托管列表中时返回 550，防止成为开放中继。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)

	_, recipientDomain, ok := domain.SplitAddress(addr)
	if !ok {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	managed, err := s.backend.domains.IsManaged(ctx, recipientDomain)
	if err != nil {
		s.backend.log.Warn("smtp domain lookup failed", zap.String("domain", recipientDomain), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure",
		}
	}
	if !managed {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，逐个收件人交给转发器。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.backend.maxBytes {
		return gosmtp.ErrDataTooLarge
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      fmt.Sprintf("malformed message: %v", err),
		}
	}

	from := s.fromAddress
	if from == "" {
		from = parsed.From
	}

	var failed error
	for _, rcpt := range s.recipients {
		ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
		result, err := s.backend.forwarder.HandleInbound(ctx, domain.InboundMail{
			To:      rcpt,
			From:    from,
			Subject: parsed.Subject,
			Text:    parsed.Text,
			HTML:    parsed.HTML,
		})
		cancel()

		if err != nil {
			s.backend.log.Warn("smtp inbound forwarding failed",
				zap.String("to", rcpt),
				zap.String("ip", s.remote),
				zap.Error(err),
			)
			failed = err
			continue
		}
		s.backend.log.Debug("smtp inbound handled", zap.String("to", rcpt), zap.String("outcome", result.Outcome))
	}

	if failed != nil {
		// 部分收件人失败时整封邮件要求重投，已转发的收件人可能收到重复通知
		code := gosmtp.EnhancedCode{4, 3, 0}
		if errors.Is(failed, domain.ErrChannelDelivery) {
			code = gosmtp.EnhancedCode{4, 4, 1}
		}
		return &gosmtp.SMTPError{Code: 451, EnhancedCode: code, Message: "temporary delivery failure, try again later"}
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil {
		s.backend.limiter.Release()
	}
	return nil
}
