package storage

import (
	"errors"
	"time"

	"mailflow/backend/internal/domain"
)

var (
	// ErrDomainNotFound 域名未找到错误
	ErrDomainNotFound = errors.New("domain not found")
	// ErrDomainExists 域名已存在错误
	ErrDomainExists = errors.New("domain already exists")
	// ErrAliasNotFound 别名未找到错误
	ErrAliasNotFound = errors.New("alias not found")
	// ErrAliasExists 别名已存在错误
	ErrAliasExists = errors.New("alias already exists")
	// ErrRuleNotFound 转发规则未找到错误
	ErrRuleNotFound = errors.New("forwarding rule not found")
	// ErrMessageNotFound 投递记录未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrAPIKeyNotFound API密钥未找到错误
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// DomainRepository 定义托管域名数据存取操作。
type DomainRepository interface {
	SaveDomain(d *domain.Domain) error
	GetDomain(id string) (*domain.Domain, error)
	GetDomainByName(name string) (*domain.Domain, error) // 只返回未删除的域名
	ListDomains() ([]*domain.Domain, error)
	DeleteDomain(id string) error // 软删除
}

// AliasRepository 定义转发别名数据存取操作。
type AliasRepository interface {
	SaveAlias(alias *domain.Alias) error
	GetAlias(id string) (*domain.Alias, error)
	// GetAliasByAddress 按 (域名ID, 本地部分) 查找未删除的别名。过期判断由调用方负责。
	GetAliasByAddress(domainID, localPart string) (*domain.Alias, error)
	ListAliasesByDomainID(domainID string) ([]*domain.Alias, error)
	DeleteAlias(id string) error                       // 软删除
	PurgeExpiredAliases(before time.Time) (int, error) // 物理删除过期别名，返回删除数量
}

// RuleRepository 定义转发规则数据存取操作。
type RuleRepository interface {
	SaveRule(rule *domain.ForwardingRule) error
	GetRule(id string) (*domain.ForwardingRule, error)
	// ListActiveRulesByAliasID 返回别名下所有启用的规则，按优先级升序。
	ListActiveRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error)
	ListRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error)
	DeleteRule(id string) error
	IncrementRuleMatchCount(id string) error
}

// MessageRepository 定义投递记录数据存取操作。
type MessageRepository interface {
	SaveMessage(message *domain.Message) error
	GetMessage(id string) (*domain.Message, error)
	// UpdateMessageStatus 单独更新投递状态与错误信息。
	UpdateMessageStatus(id string, status domain.MessageStatus, errorMessage string) error
	ListMessages(filter domain.MessageFilter) (*domain.MessageList, error)
	GetDeliveryStatistics() (*domain.DeliveryStatistics, error)
	// SweepStaleProcessing 将卡在 PROCESSING 超过给定时刻的记录改为 FAILED，返回处理数量。
	SweepStaleProcessing(before time.Time) (int, error)
}

// APIKeyRepository 定义 API 密钥数据存取操作。
type APIKeyRepository interface {
	SaveAPIKey(key *domain.APIKey) error
	GetAPIKey(id string) (*domain.APIKey, error)
	ListAPIKeys() ([]*domain.APIKey, error)
	DeleteAPIKey(id string) error
	UpdateAPIKeyLastUsed(id string) error
}

// Store 定义完整的存储接口。
type Store interface {
	DomainRepository
	AliasRepository
	RuleRepository
	MessageRepository
	APIKeyRepository

	// 工具方法
	Close() error
	Health() error
}
