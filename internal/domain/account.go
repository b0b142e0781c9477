package domain

import (
	"strings"
	"time"
)

// AccountRole 账户角色
type AccountRole string

const (
	RoleUser  AccountRole = "user"
	RoleAdmin AccountRole = "admin"
)

// Valid 判断角色取值是否合法
func (r AccountRole) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account 表示绑定到外部消息身份（Telegram）的账户
type Account struct {
	ID                    string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FullName              string      `json:"fullName" gorm:"type:varchar(255);not null"`
	ExternalUsername      string      `json:"externalUsername" gorm:"type:varchar(64);not null"`
	HandleKey             string      `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"` // 小写用户名，保证大小写不敏感唯一
	ExternalID            string      `json:"externalId" gorm:"type:varchar(64);uniqueIndex;not null"`
	Role                  AccountRole `json:"role" gorm:"type:varchar(20);default:'user';index"`
	IsPro                 bool        `json:"isPro" gorm:"not null"`
	IsActive              bool        `json:"isActive" gorm:"not null"`
	IsBanned              bool        `json:"isBanned" gorm:"not null"`
	IsVerified            bool        `json:"isVerified" gorm:"not null"`
	VerificationHash      *string     `json:"-" gorm:"type:varchar(100)"`
	VerificationExpiresAt *time.Time  `json:"-"`
	VerificationAttempts  int         `json:"-" gorm:"not null;default:0"` // 当前验证码的错误次数
	LastVerifiedAt        *time.Time  `json:"lastVerifiedAt,omitempty"`
	CreatedAt             time.Time   `json:"createdAt" gorm:"index"`
	UpdatedAt             time.Time   `json:"updatedAt"`
}

// IsAdmin 判断账户是否具备管理员能力
func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Eligible 判断账户是否可以创建地址
func (a *Account) Eligible() bool {
	return a.IsVerified && a.IsActive && !a.IsBanned
}

// ReceivesMail 判断账户是否接收转发邮件
func (a *Account) ReceivesMail() bool {
	return a.IsActive && !a.IsBanned
}

// HasLiveChallenge 判断当前是否存在未过期的验证码
func (a *Account) HasLiveChallenge(now time.Time) bool {
	return a.VerificationHash != nil && a.VerificationExpiresAt != nil && !now.After(*a.VerificationExpiresAt)
}

// ChallengeIssuedAt 返回当前验证码的签发时间
func (a *Account) ChallengeIssuedAt(ttl time.Duration) (time.Time, bool) {
	if a.VerificationHash == nil || a.VerificationExpiresAt == nil {
		return time.Time{}, false
	}
	return a.VerificationExpiresAt.Add(-ttl), true
}

// Tier 返回账户等级名称
func (a *Account) Tier() string {
	if a.IsPro {
		return "pro"
	}
	return "free"
}

// NormalizeHandle 去除前导 @ 和空白
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// HandleKeyOf 返回用户名的大小写不敏感键
func HandleKeyOf(handle string) string {
	return strings.ToLower(NormalizeHandle(handle))
}

// AccountPatch 描述账户的部分更新，nil 字段保持不变
type AccountPatch struct {
	FullName       *string
	Role           *AccountRole
	IsPro          *bool
	IsActive       *bool
	IsBanned       *bool
	IsVerified     *bool
	LastVerifiedAt *time.Time

	// SetChallenge 为真时写入 VerificationHash/VerificationExpiresAt（可同时为 nil 以清除），并重置错误次数
	SetChallenge          bool
	VerificationHash      *string
	VerificationExpiresAt *time.Time
}

// Apply 将补丁应用到账户上
func (p AccountPatch) Apply(a *Account) {
	if p.FullName != nil {
		a.FullName = *p.FullName
	}
	if p.Role != nil {
		a.Role = *p.Role
	}
	if p.IsPro != nil {
		a.IsPro = *p.IsPro
	}
	if p.IsActive != nil {
		a.IsActive = *p.IsActive
	}
	if p.IsBanned != nil {
		a.IsBanned = *p.IsBanned
	}
	if p.IsVerified != nil {
		a.IsVerified = *p.IsVerified
	}
	if p.LastVerifiedAt != nil {
		t := *p.LastVerifiedAt
		a.LastVerifiedAt = &t
	}
	if p.SetChallenge {
		a.VerificationHash = p.VerificationHash
		a.VerificationExpiresAt = p.VerificationExpiresAt
		a.VerificationAttempts = 0
	}
}

// Columns 返回补丁涉及的列与值，供 SQL 存储使用
func (p AccountPatch) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.FullName != nil {
		cols["full_name"] = *p.FullName
	}
	if p.Role != nil {
		cols["role"] = string(*p.Role)
	}
	if p.IsPro != nil {
		cols["is_pro"] = *p.IsPro
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	if p.IsBanned != nil {
		cols["is_banned"] = *p.IsBanned
	}
	if p.IsVerified != nil {
		cols["is_verified"] = *p.IsVerified
	}
	if p.LastVerifiedAt != nil {
		cols["last_verified_at"] = *p.LastVerifiedAt
	}
	if p.SetChallenge {
		cols["verification_hash"] = p.VerificationHash
		cols["verification_expires_at"] = p.VerificationExpiresAt
		cols["verification_attempts"] = 0
	}
	return cols
}

// AccountStats 管理员统计
type AccountStats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Pro         int `json:"pro"`
	Banned      int `json:"banned"`
	Verified    int `json:"verified"`
	JoinedToday int `json:"joinedToday"`
	JoinedWeek  int `json:"joinedThisWeek"`
}
