package domain

import "time"

// MailDomain 可分配地址的域名
type MailDomain struct {
	Domain    string    `json:"domain" gorm:"primaryKey;type:varchar(100)"`
	IsPremium bool      `json:"isPremium" gorm:"not null"`
	IsActive  bool      `json:"isActive" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// AvailableTo 判断域名对指定等级是否可用
func (d *MailDomain) AvailableTo(isPro bool) bool {
	return d.IsActive && (!d.IsPremium || isPro)
}
