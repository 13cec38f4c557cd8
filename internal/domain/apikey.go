package domain

import "time"

// APIKey 管理接口的 API 密钥实体。
// 密钥形如 mfk_<id>_<secret>，数据库只保存 secret 的 bcrypt 哈希。
type APIKey struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name       string     `json:"name" gorm:"type:varchar(100)"`            // 密钥名称/用途说明
	KeyHash    string     `json:"-" gorm:"type:varchar(255);not null"`      // secret 的 bcrypt 哈希
	KeyPrefix  string     `json:"keyPrefix" gorm:"type:varchar(20)"`        // 用于展示的前缀
	IsActive   bool       `json:"isActive" gorm:"default:true"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// IsExpired 判断密钥在给定时刻是否已过期。
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
