package domain

import (
	"fmt"
	"time"
)

// AddressKind 地址类型
type AddressKind string

const (
	KindPermanent AddressKind = "permanent"
	KindTemporary AddressKind = "temporary"
)

// Valid 判断地址类型是否合法
func (k AddressKind) Valid() bool {
	return k == KindPermanent || k == KindTemporary
}

// Address 表示分配给账户的邮件地址
type Address struct {
	ID        string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string      `json:"accountId" gorm:"type:varchar(36);index;not null"`
	Address   string      `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	LocalPart string      `json:"localPart" gorm:"type:varchar(64)"`
	Domain    string      `json:"domain" gorm:"type:varchar(100);index"`
	Kind      AddressKind `json:"kind" gorm:"type:varchar(20);index;not null"`
	IsActive  bool        `json:"isActive" gorm:"not null;index"`
	CreatedAt time.Time   `json:"createdAt"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty" gorm:"index"`
}

// Expired 判断临时地址是否已过期
func (a *Address) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Deliverable 判断地址当前是否可以接收邮件
func (a *Address) Deliverable(now time.Time) bool {
	return a.IsActive && !a.Expired(now)
}

// ComposeAddress 拼接完整地址
func ComposeAddress(localPart, domain string) string {
	return fmt.Sprintf("%s@%s", localPart, domain)
}
