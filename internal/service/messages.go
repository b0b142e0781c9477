package service

import (
	"fmt"
	"math"
	"time"

	"relaymail/backend/internal/domain"
)

const noSubject = "(No Subject)"

// FormatVerification 生成验证码通知文本
func FormatVerification(code string, ttl time.Duration) string {
	minutes := int(math.Ceil(ttl.Minutes()))
	return fmt.Sprintf(`
🔐 Verification Code

Your verification code is: %s

Enter this code on the website to complete your registration.

⚠️ This code will expire in %d minutes.
🔒 Keep this code private and secure.`, code, minutes)
}

// FormatForward 生成转发邮件通知文本，正文原样保留
func FormatForward(msg *domain.InboundMessage) string {
	subject := msg.Subject
	if subject == "" {
		subject = noSubject
	}
	return fmt.Sprintf(`
📧 New Email Received

📬 To: %s
👤 From: %s
📋 Subject: %s

📄 Message:
%s

---
Powered by RelayMail`, msg.ToAddress, msg.From, subject, msg.Body)
}
