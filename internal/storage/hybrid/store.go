package hybrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage/redis"
	sqlstore "mailflow/backend/internal/storage/sql"
)

// Store 混合存储实现，在 SQL 之上叠加 Redis 读穿缓存。
// 解析热路径（域名、别名、规则）走缓存，其余操作直接落库。
type Store struct {
	db    *sqlstore.Store
	cache *redis.Cache
	log   *zap.Logger
}

// New 创建混合存储实例
func New(db *sqlstore.Store, cache *redis.Cache, log *zap.Logger) *Store {
	return &Store{
		db:    db,
		cache: cache,
		log:   log,
	}
}

// ========== Domain Repository ==========

// SaveDomain 保存域名并刷新缓存
func (s *Store) SaveDomain(d *domain.Domain) error {
	// 更名场景下旧的名称键也要清掉
	if old, err := s.db.GetDomain(d.ID); err == nil {
		s.invalidateDomain(old)
	}

	if err := s.db.SaveDomain(d); err != nil {
		return err
	}

	// 缓存失败不影响主流程
	if err := s.cache.CacheDomain(d, 1*time.Hour); err != nil {
		s.log.Warn("failed to cache domain", zap.String("domain", d.Name), zap.Error(err))
	}
	return nil
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	// 先尝试从 Redis 获取
	if d, err := s.cache.GetCachedDomain(id); err == nil {
		return d, nil
	}

	d, err := s.db.GetDomain(id)
	if err != nil {
		return nil, err
	}

	s.cacheDomain(d)
	return d, nil
}

// GetDomainByName 根据名称获取未删除的域名（RCPT 热路径）
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	// 先尝试从 Redis 获取
	if d, err := s.cache.GetCachedDomainByName(name); err == nil {
		return d, nil
	}

	d, err := s.db.GetDomainByName(name)
	if err != nil {
		return nil, err
	}

	s.cacheDomain(d)
	return d, nil
}

// ListDomains 返回所有未删除的域名（列表查询不缓存）
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	return s.db.ListDomains()
}

// DeleteDomain 软删除域名并清理缓存
func (s *Store) DeleteDomain(id string) error {
	d, _ := s.db.GetDomain(id)

	if err := s.db.DeleteDomain(id); err != nil {
		return err
	}

	if d != nil {
		s.invalidateDomain(d)
	}
	return nil
}

func (s *Store) cacheDomain(d *domain.Domain) {
	if err := s.cache.CacheDomain(d, 1*time.Hour); err != nil {
		s.log.Warn("failed to cache domain", zap.String("domain", d.Name), zap.Error(err))
	}
}

func (s *Store) invalidateDomain(d *domain.Domain) {
	if err := s.cache.InvalidateDomain(d); err != nil {
		s.log.Warn("failed to invalidate domain cache", zap.String("domain", d.Name), zap.Error(err))
	}
}

// ========== Alias Repository ==========

// SaveAlias 保存别名并刷新缓存
func (s *Store) SaveAlias(alias *domain.Alias) error {
	// 本地部分可能被修改，旧键一并清理
	if old, err := s.db.GetAlias(alias.ID); err == nil {
		s.invalidateAlias(old.DomainID, old.LocalPart)
	}

	if err := s.db.SaveAlias(alias); err != nil {
		return err
	}

	if err := s.cache.CacheAlias(alias, 1*time.Hour); err != nil {
		s.log.Warn("failed to cache alias",
			zap.String("alias_id", alias.ID), zap.Error(err))
	}
	return nil
}

// GetAlias 根据 ID 获取别名
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	// ID 查询直接落库（管理接口低频）
	return s.db.GetAlias(id)
}

// GetAliasByAddress 按 (域名ID, 本地部分) 获取别名（解析热路径）
func (s *Store) GetAliasByAddress(domainID, localPart string) (*domain.Alias, error) {
	// 先尝试从 Redis 获取
	if alias, err := s.cache.GetCachedAlias(domainID, localPart); err == nil {
		return alias, nil
	}

	alias, err := s.db.GetAliasByAddress(domainID, localPart)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheAlias(alias, 1*time.Hour); err != nil {
		s.log.Warn("failed to cache alias",
			zap.String("alias_id", alias.ID), zap.Error(err))
	}
	return alias, nil
}

// ListAliasesByDomainID 返回域名下的别名（列表查询不缓存）
func (s *Store) ListAliasesByDomainID(domainID string) ([]*domain.Alias, error) {
	return s.db.ListAliasesByDomainID(domainID)
}

// DeleteAlias 软删除别名并清理缓存
func (s *Store) DeleteAlias(id string) error {
	alias, _ := s.db.GetAlias(id)

	if err := s.db.DeleteAlias(id); err != nil {
		return err
	}

	if alias != nil {
		s.invalidateAlias(alias.DomainID, alias.LocalPart)
		s.invalidateRules(alias.ID)
	}
	return nil
}

// PurgeExpiredAliases 物理删除过期别名。
// 过期别名在解析时本来就按不存在处理，残留缓存交给 TTL 过期。
func (s *Store) PurgeExpiredAliases(before time.Time) (int, error) {
	return s.db.PurgeExpiredAliases(before)
}

func (s *Store) invalidateAlias(domainID, localPart string) {
	if err := s.cache.InvalidateAlias(domainID, localPart); err != nil {
		s.log.Warn("failed to invalidate alias cache",
			zap.String("domain_id", domainID), zap.String("local_part", localPart), zap.Error(err))
	}
}

// ========== Rule Repository ==========

// SaveRule 保存规则并失效所属别名的规则缓存
func (s *Store) SaveRule(rule *domain.ForwardingRule) error {
	if err := s.db.SaveRule(rule); err != nil {
		return err
	}
	s.invalidateRules(rule.AliasID)
	return nil
}

// GetRule 根据 ID 获取规则
func (s *Store) GetRule(id string) (*domain.ForwardingRule, error) {
	return s.db.GetRule(id)
}

// ListActiveRulesByAliasID 返回启用的规则，按优先级升序（解析热路径）
func (s *Store) ListActiveRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	// 先尝试从 Redis 获取
	if rules, err := s.cache.GetCachedRules(aliasID); err == nil {
		return rules, nil
	}

	rules, err := s.db.ListActiveRulesByAliasID(aliasID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheRules(aliasID, rules, 30*time.Minute); err != nil {
		s.log.Warn("failed to cache rules", zap.String("alias_id", aliasID), zap.Error(err))
	}
	return rules, nil
}

// ListRulesByAliasID 返回全部规则（管理接口，不缓存）
func (s *Store) ListRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	return s.db.ListRulesByAliasID(aliasID)
}

// DeleteRule 删除规则并失效规则缓存
func (s *Store) DeleteRule(id string) error {
	rule, _ := s.db.GetRule(id)

	if err := s.db.DeleteRule(id); err != nil {
		return err
	}

	if rule != nil {
		s.invalidateRules(rule.AliasID)
	}
	return nil
}

// IncrementRuleMatchCount 规则命中计数加一。
// 命中计数不参与规则匹配，这里不失效缓存。
func (s *Store) IncrementRuleMatchCount(id string) error {
	return s.db.IncrementRuleMatchCount(id)
}

func (s *Store) invalidateRules(aliasID string) {
	if err := s.cache.InvalidateRules(aliasID); err != nil {
		s.log.Warn("failed to invalidate rules cache", zap.String("alias_id", aliasID), zap.Error(err))
	}
}

// ========== Message Repository ==========

// SaveMessage 保存投递记录（审计数据不缓存）
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.db.SaveMessage(message)
}

// GetMessage 获取投递记录
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	return s.db.GetMessage(id)
}

// UpdateMessageStatus 更新投递状态
func (s *Store) UpdateMessageStatus(id string, status domain.MessageStatus, errorMessage string) error {
	return s.db.UpdateMessageStatus(id, status, errorMessage)
}

// ListMessages 分页查询投递记录
func (s *Store) ListMessages(filter domain.MessageFilter) (*domain.MessageList, error) {
	return s.db.ListMessages(filter)
}

// GetDeliveryStatistics 获取投递统计信息
func (s *Store) GetDeliveryStatistics() (*domain.DeliveryStatistics, error) {
	// 先尝试从 Redis 获取
	if stats, err := s.cache.GetCachedStatistics(); err == nil {
		return stats, nil
	}

	stats, err := s.db.GetDeliveryStatistics()
	if err != nil {
		return nil, err
	}

	// 缓存到 Redis（5分钟过期）
	if err := s.cache.CacheStatistics(stats, 5*time.Minute); err != nil {
		s.log.Warn("failed to cache statistics", zap.Error(err))
	}
	return stats, nil
}

// SweepStaleProcessing 清理重启后滞留在 PROCESSING 的记录
func (s *Store) SweepStaleProcessing(before time.Time) (int, error) {
	return s.db.SweepStaleProcessing(before)
}

// ========== API Key Repository ==========
// API Key 不走 Redis：KeyHash 字段带 json:"-" 标签，缓存后会丢失。

// SaveAPIKey 保存 API 密钥
func (s *Store) SaveAPIKey(key *domain.APIKey) error {
	return s.db.SaveAPIKey(key)
}

// GetAPIKey 根据 ID 获取 API 密钥
func (s *Store) GetAPIKey(id string) (*domain.APIKey, error) {
	return s.db.GetAPIKey(id)
}

// ListAPIKeys 返回全部 API 密钥
func (s *Store) ListAPIKeys() ([]*domain.APIKey, error) {
	return s.db.ListAPIKeys()
}

// DeleteAPIKey 删除 API 密钥
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.DeleteAPIKey(id)
}

// UpdateAPIKeyLastUsed 更新密钥最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(id string) error {
	return s.db.UpdateAPIKeyLastUsed(id)
}

// ========== 工具方法 ==========

// Close 关闭底层存储连接
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.cache.Close()
		return err
	}
	return s.cache.Close()
}

// Health 检查 SQL 与 Redis 连接
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.cache.Ping(ctx)
}
