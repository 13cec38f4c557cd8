package domain

import (
	"strings"
	"time"
)

// Alias 表示某个域名下的转发别名。
// 投递到 local_part@domain 的邮件默认转发到 Targets 中的全部地址。
type Alias struct {
	ID        string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DomainID  string     `json:"domainId" gorm:"type:varchar(36);index:idx_alias_domain_local;not null"`
	LocalPart string     `json:"localPart" gorm:"type:varchar(64);index:idx_alias_domain_local;not null"` // @ 前面的部分（小写）
	Targets   string     `json:"targets" gorm:"type:text;not null"`                                       // 逗号分隔的目标地址，保序
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`                                                     // 过期后视为不存在
	IsDeleted bool       `json:"isDeleted" gorm:"default:false;index"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TargetList 按顺序拆分目标地址，忽略空白项。
func (a *Alias) TargetList() []string {
	return SplitTargets(a.Targets)
}

// IsExpired 判断别名在给定时刻是否已过期。
func (a *Alias) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// SplitTargets 拆分逗号分隔的地址列表，去掉空白并保持顺序。
func SplitTargets(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinTargets 将地址列表合并为逗号分隔形式。
func JoinTargets(targets []string) string {
	return strings.Join(targets, ",")
}
