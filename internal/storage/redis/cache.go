package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailflow/backend/internal/domain"
)

// Cache Redis 缓存实现，服务于解析热路径（域名、别名、规则）
type Cache struct {
	client *Client
	ctx    context.Context
}

// NewCache 创建 Redis 缓存实例
func NewCache(client *Client) *Cache {
	return &Cache{
		client: client,
		ctx:    context.Background(),
	}
}

// cachedDomain 域名缓存载体。
// DKIMPrivateKey 带 json:"-" 标签，直接序列化会丢失私钥，
// 缓存命中后签名会静默退化成不签名，所以这里单独携带。
type cachedDomain struct {
	domain.Domain
	DKIMPrivateKey string `json:"dkim_private_key"`
}

func newCachedDomain(d *domain.Domain) *cachedDomain {
	return &cachedDomain{Domain: *d, DKIMPrivateKey: d.DKIMPrivateKey}
}

func (cd *cachedDomain) toDomain() *domain.Domain {
	d := cd.Domain
	d.DKIMPrivateKey = cd.DKIMPrivateKey
	return &d
}

// ========== 域名缓存 ==========

// CacheDomain 按 ID 和名称两个键缓存域名
func (c *Cache) CacheDomain(d *domain.Domain, ttl time.Duration) error {
	data, err := json.Marshal(newCachedDomain(d))
	if err != nil {
		return err
	}
	if err := c.client.rdb.Set(c.ctx, fmt.Sprintf("domain:%s", d.ID), data, ttl).Err(); err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, fmt.Sprintf("domain:name:%s", d.Name), data, ttl).Err()
}

// GetCachedDomain 获取缓存的域名信息
func (c *Cache) GetCachedDomain(domainID string) (*domain.Domain, error) {
	return c.getDomainByKey(fmt.Sprintf("domain:%s", domainID))
}

// GetCachedDomainByName 按名称获取缓存的域名信息
func (c *Cache) GetCachedDomainByName(name string) (*domain.Domain, error) {
	return c.getDomainByKey(fmt.Sprintf("domain:name:%s", name))
}

func (c *Cache) getDomainByKey(key string) (*domain.Domain, error) {
	data, err := c.client.rdb.Get(c.ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, fmt.Errorf("domain not found in cache")
		}
		return nil, err
	}

	var cd cachedDomain
	if err := json.Unmarshal([]byte(data), &cd); err != nil {
		return nil, err
	}
	return cd.toDomain(), nil
}

// InvalidateDomain 删除域名的两个缓存键
func (c *Cache) InvalidateDomain(d *domain.Domain) error {
	return c.client.rdb.Del(c.ctx,
		fmt.Sprintf("domain:%s", d.ID),
		fmt.Sprintf("domain:name:%s", d.Name),
	).Err()
}

// ========== 别名缓存 ==========

// CacheAlias 缓存别名信息
func (c *Cache) CacheAlias(alias *domain.Alias, ttl time.Duration) error {
	key := fmt.Sprintf("alias:%s:%s", alias.DomainID, alias.LocalPart)
	data, err := json.Marshal(alias)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedAlias 按 (域名ID, 本地部分) 获取缓存的别名
func (c *Cache) GetCachedAlias(domainID, localPart string) (*domain.Alias, error) {
	key := fmt.Sprintf("alias:%s:%s", domainID, localPart)
	data, err := c.client.rdb.Get(c.ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, fmt.Errorf("alias not found in cache")
		}
		return nil, err
	}

	var alias domain.Alias
	if err := json.Unmarshal([]byte(data), &alias); err != nil {
		return nil, err
	}
	return &alias, nil
}

// InvalidateAlias 删除缓存的别名
func (c *Cache) InvalidateAlias(domainID, localPart string) error {
	key := fmt.Sprintf("alias:%s:%s", domainID, localPart)
	return c.client.rdb.Del(c.ctx, key).Err()
}

// ========== 规则缓存 ==========

// CacheRules 缓存别名下启用的规则列表（已按优先级排序）
func (c *Cache) CacheRules(aliasID string, rules []*domain.ForwardingRule, ttl time.Duration) error {
	key := fmt.Sprintf("rules:%s", aliasID)
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedRules 获取缓存的规则列表
func (c *Cache) GetCachedRules(aliasID string) ([]*domain.ForwardingRule, error) {
	key := fmt.Sprintf("rules:%s", aliasID)
	data, err := c.client.rdb.Get(c.ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, fmt.Errorf("rules not found in cache")
		}
		return nil, err
	}

	var rules []*domain.ForwardingRule
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// InvalidateRules 删除缓存的规则列表
func (c *Cache) InvalidateRules(aliasID string) error {
	key := fmt.Sprintf("rules:%s", aliasID)
	return c.client.rdb.Del(c.ctx, key).Err()
}

// ========== 统计缓存 ==========

// CacheStatistics 缓存投递统计信息
func (c *Cache) CacheStatistics(stats *domain.DeliveryStatistics, ttl time.Duration) error {
	key := "stats:delivery"
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedStatistics 获取缓存的投递统计信息
func (c *Cache) GetCachedStatistics() (*domain.DeliveryStatistics, error) {
	key := "stats:delivery"
	data, err := c.client.rdb.Get(c.ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, fmt.Errorf("statistics not found in cache")
		}
		return nil, err
	}

	var stats domain.DeliveryStatistics
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ========== 工具方法 ==========

// Delete 删除键
func (c *Cache) Delete(keys ...string) error {
	return c.client.rdb.Del(c.ctx, keys...).Err()
}

// Ping 测试 Redis 连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
