package domain

import "time"

// Unlimited 表示不限额度
const Unlimited = -1

// DateKeyLayout 用量计数的日期键格式（UTC 自然日）
const DateKeyLayout = "2006-01-02"

// DateKey 返回 t 所在的 UTC 日期键
func DateKey(t time.Time) string {
	return t.UTC().Format(DateKeyLayout)
}

// UsageCounter 每个账户每天的地址创建计数
type UsageCounter struct {
	AccountID      string    `json:"accountId" gorm:"primaryKey;type:varchar(36)"`
	DateKey        string    `json:"date" gorm:"primaryKey;type:varchar(10)"`
	TempCount      int       `json:"tempCount" gorm:"not null;default:0"`
	PermanentCount int       `json:"permanentCount" gorm:"not null;default:0"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Count 返回指定类型的计数
func (u *UsageCounter) Count(kind AddressKind) int {
	if u == nil {
		return 0
	}
	if kind == KindTemporary {
		return u.TempCount
	}
	return u.PermanentCount
}

// CounterColumn 返回类型对应的计数列名
func CounterColumn(kind AddressKind) string {
	if kind == KindTemporary {
		return "temp_count"
	}
	return "permanent_count"
}

// Limits 账户等级对应的额度
type Limits struct {
	Permanent int `json:"permanent"`
	Temporary int `json:"temporary"` // Unlimited 表示不限
}

// For 返回指定类型的额度
func (l Limits) For(kind AddressKind) int {
	if kind == KindTemporary {
		return l.Temporary
	}
	return l.Permanent
}
