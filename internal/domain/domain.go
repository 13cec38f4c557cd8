package domain

import "time"

// Domain 表示一个由本系统托管转发的邮件域名。
// 投递到该域名下任意地址的邮件都会按别名与转发规则继续投递。
type Domain struct {
	ID             string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name           string `json:"name" gorm:"uniqueIndex;type:varchar(253);not null"` // 域名（小写）
	DKIMPrivateKey string `json:"-" gorm:"type:text"`                                 // PEM 编码的 RSA 私钥，为空则不签名
	DKIMSelector   string `json:"dkimSelector" gorm:"type:varchar(63);default:'default'"`
	CatchAllEmail  string `json:"catchAllEmail,omitempty" gorm:"type:varchar(255)"` // 兜底转发地址，可为空
	// 投递失败通知
	NotifyEmail     string `json:"notifyEmail,omitempty" gorm:"type:varchar(255)"`
	NotifyOnFailure bool   `json:"notifyOnFailure" gorm:"default:false"`
	WebhookURL      string `json:"webhookUrl,omitempty" gorm:"type:varchar(512)"` // 投递事件回调地址，可为空

	IsDeleted bool      `json:"isDeleted" gorm:"default:false;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasDKIM 判断域名是否配置了可用的 DKIM 私钥。
func (d *Domain) HasDKIM() bool {
	return d.DKIMPrivateKey != "" && d.DKIMSelector != ""
}

// HasCatchAll 判断域名是否配置了兜底地址。
func (d *Domain) HasCatchAll() bool {
	return d.CatchAllEmail != ""
}
