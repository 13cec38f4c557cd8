package domain

import "time"

// MessageFilter 投递记录的查询条件。
type MessageFilter struct {
	DomainID  string         // 按域名筛选，可为空
	Status    *MessageStatus // 按状态筛选，可为空
	Sender    string         // 发件人模糊匹配
	Recipient string         // 收件人模糊匹配
	StartDate *time.Time
	EndDate   *time.Time
	Page      int // 页码，默认 1
	PageSize  int // 每页数量，默认 20，最大 100
}

// Normalize 填充分页默认值并限制上限。
func (f *MessageFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
}

// MessageList 分页的投递记录查询结果。
type MessageList struct {
	Messages   []Message `json:"messages"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}
