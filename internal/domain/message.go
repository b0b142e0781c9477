package domain

import "time"

// InboundMessage 收到的邮件记录，只追加不删除
type InboundMessage struct {
	ID                 string    `json:"id" gorm:"primaryKey;type:varchar(26)"`
	AddressID          string    `json:"addressId" gorm:"type:varchar(36);index;not null"`
	ToAddress          string    `json:"to" gorm:"type:varchar(255)"`
	From               string    `json:"from" gorm:"type:varchar(512)"`
	Subject            string    `json:"subject" gorm:"type:text"`
	Body               string    `json:"body" gorm:"type:text"`
	ReceivedAt         time.Time `json:"receivedAt" gorm:"index"`
	ForwardedToChannel bool      `json:"forwardedToChannel" gorm:"not null;index"`
}

// InboundMail 归一化后的入站邮件事件
type InboundMail struct {
	To      string
	From    string
	Subject string
	Text    string
	HTML    string
}

// Body 优先返回纯文本正文
func (m InboundMail) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.HTML
}
