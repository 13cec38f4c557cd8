package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// Store 使用内存保存域名、别名与投递数据，主要用于开发验证与测试。
type Store struct {
	mu       sync.RWMutex
	domains  map[string]*domain.Domain         // domainID -> domain
	byName   map[string]string                 // 域名 -> domainID（仅未删除）
	aliases  map[string]*domain.Alias          // aliasID -> alias
	byLocal  map[string]string                 // "domainID:localPart" -> aliasID（仅未删除）
	rules    map[string]*domain.ForwardingRule // ruleID -> rule
	messages map[string]*domain.Message        // 记录ID -> message
	apiKeys  map[string]*domain.APIKey         // keyID -> apiKey
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		domains:  make(map[string]*domain.Domain),
		byName:   make(map[string]string),
		aliases:  make(map[string]*domain.Alias),
		byLocal:  make(map[string]string),
		rules:    make(map[string]*domain.ForwardingRule),
		messages: make(map[string]*domain.Message),
		apiKeys:  make(map[string]*domain.APIKey),
	}
}

func aliasKey(domainID, localPart string) string {
	return fmt.Sprintf("%s:%s", domainID, strings.ToLower(localPart))
}

// ========== Domain Repository ==========

// SaveDomain 保存托管域名
func (s *Store) SaveDomain(d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.ToLower(strings.TrimSpace(d.Name))
	if existingID, ok := s.byName[name]; ok && existingID != d.ID {
		return storage.ErrDomainExists
	}

	cp := *d
	cp.Name = name
	touch(&cp.CreatedAt, &cp.UpdatedAt)
	s.domains[cp.ID] = &cp
	if !cp.IsDeleted {
		s.byName[name] = cp.ID
	} else {
		delete(s.byName, name)
	}
	return nil
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[id]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDomainByName 根据域名获取未删除的记录
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	cp := *s.domains[id]
	return &cp, nil
}

// ListDomains 返回所有未删除的域名
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		if d.IsDeleted {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteDomain 软删除域名
func (s *Store) DeleteDomain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[id]
	if !ok {
		return storage.ErrDomainNotFound
	}
	d.IsDeleted = true
	d.UpdatedAt = time.Now()
	delete(s.byName, d.Name)
	return nil
}

// ========== Alias Repository ==========

// SaveAlias 保存转发别名
func (s *Store) SaveAlias(alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aliasKey(alias.DomainID, alias.LocalPart)
	if existingID, ok := s.byLocal[key]; ok && existingID != alias.ID {
		return storage.ErrAliasExists
	}

	cp := *alias
	cp.LocalPart = strings.ToLower(cp.LocalPart)
	touch(&cp.CreatedAt, &cp.UpdatedAt)
	s.aliases[cp.ID] = &cp
	if !cp.IsDeleted {
		s.byLocal[key] = cp.ID
	} else {
		delete(s.byLocal, key)
	}
	return nil
}

// GetAlias 根据 ID 获取别名
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aliases[id]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	cp := *a
	return &cp, nil
}

// GetAliasByAddress 按 (域名ID, 本地部分) 查找未删除的别名
func (s *Store) GetAliasByAddress(domainID, localPart string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLocal[aliasKey(domainID, localPart)]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	cp := *s.aliases[id]
	return &cp, nil
}

// ListAliasesByDomainID 返回域名下所有未删除的别名
func (s *Store) ListAliasesByDomainID(domainID string) ([]*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Alias, 0)
	for _, a := range s.aliases {
		if a.DomainID == domainID && !a.IsDeleted {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPart < out[j].LocalPart })
	return out, nil
}

// DeleteAlias 软删除别名
func (s *Store) DeleteAlias(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}
	a.IsDeleted = true
	a.UpdatedAt = time.Now()
	delete(s.byLocal, aliasKey(a.DomainID, a.LocalPart))
	return nil
}

// PurgeExpiredAliases 物理删除已过期或已软删除的别名及其规则，返回删除数量
func (s *Store) PurgeExpiredAliases(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, a := range s.aliases {
		expired := a.ExpiresAt != nil && a.ExpiresAt.Before(before)
		if !expired && !a.IsDeleted {
			continue
		}
		delete(s.aliases, id)
		delete(s.byLocal, aliasKey(a.DomainID, a.LocalPart))
		for ruleID, r := range s.rules {
			if r.AliasID == id {
				delete(s.rules, ruleID)
			}
		}
		count++
	}
	return count, nil
}

// ========== Rule Repository ==========

// SaveRule 保存转发规则
func (s *Store) SaveRule(rule *domain.ForwardingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rule
	touch(&cp.CreatedAt, &cp.UpdatedAt)
	s.rules[cp.ID] = &cp
	return nil
}

// GetRule 根据 ID 获取规则
func (s *Store) GetRule(id string) (*domain.ForwardingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, storage.ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

// ListActiveRulesByAliasID 返回别名下启用的规则，按优先级升序
func (s *Store) ListActiveRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ForwardingRule, 0)
	for _, r := range s.rules {
		if r.AliasID == aliasID && r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRules(out)
	return out, nil
}

// ListRulesByAliasID 返回别名下全部规则，按优先级升序
func (s *Store) ListRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ForwardingRule, 0)
	for _, r := range s.rules {
		if r.AliasID == aliasID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRules(out)
	return out, nil
}

// DeleteRule 删除规则
func (s *Store) DeleteRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return storage.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// IncrementRuleMatchCount 规则命中计数加一
func (s *Store) IncrementRuleMatchCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	r.MatchCount++
	r.UpdatedAt = time.Now()
	return nil
}

// ========== Message Repository ==========

// SaveMessage 保存投递记录
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *message
	touch(&cp.CreatedAt, &cp.UpdatedAt)
	s.messages[cp.ID] = &cp
	return nil
}

// GetMessage 根据 ID 获取投递记录
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

// UpdateMessageStatus 更新投递状态与错误信息
func (s *Store) UpdateMessageStatus(id string, status domain.MessageStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.Status = status
	m.ErrorMessage = errorMessage
	m.UpdatedAt = time.Now()
	return nil
}

// ListMessages 按条件分页查询投递记录
func (s *Store) ListMessages(filter domain.MessageFilter) (*domain.MessageList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter.Normalize()

	matched := make([]domain.Message, 0)
	for _, m := range s.messages {
		if filter.DomainID != "" && m.DomainID != filter.DomainID {
			continue
		}
		if filter.Status != nil && m.Status != *filter.Status {
			continue
		}
		if filter.Sender != "" && !strings.Contains(m.SenderEmail, strings.ToLower(filter.Sender)) {
			continue
		}
		if filter.Recipient != "" && !strings.Contains(m.RecipientEmail, strings.ToLower(filter.Recipient)) {
			continue
		}
		if filter.StartDate != nil && m.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && m.CreatedAt.After(*filter.EndDate) {
			continue
		}
		matched = append(matched, *m)
	}

	// 最新的排前面
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	totalPages := (total + filter.PageSize - 1) / filter.PageSize
	start := (filter.Page - 1) * filter.PageSize
	if start > total {
		start = total
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	return &domain.MessageList{
		Messages:   matched[start:end],
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: totalPages,
	}, nil
}

// GetDeliveryStatistics 汇总投递统计信息
func (s *Store) GetDeliveryStatistics() (*domain.DeliveryStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.DeliveryStatistics{
		MessagesByStatus: make(map[domain.MessageStatus]int),
		MessagesByDomain: make(map[string]int),
		GeneratedAt:      time.Now(),
	}

	domainNames := make(map[string]string, len(s.domains))
	for _, d := range s.domains {
		if !d.IsDeleted {
			stats.TotalDomains++
			domainNames[d.ID] = d.Name
		}
	}
	for _, a := range s.aliases {
		if !a.IsDeleted {
			stats.TotalAliases++
		}
	}

	today := time.Now().Truncate(24 * time.Hour)
	for _, m := range s.messages {
		stats.TotalMessages++
		stats.MessagesByStatus[m.Status]++
		if name, ok := domainNames[m.DomainID]; ok {
			stats.MessagesByDomain[name]++
		}
		if !m.CreatedAt.Before(today) {
			stats.MessagesToday++
		}
	}
	return stats, nil
}

// SweepStaleProcessing 将卡在 PROCESSING 的记录改为 FAILED，返回处理数量
func (s *Store) SweepStaleProcessing(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.messages {
		if m.Status == domain.StatusProcessing && m.UpdatedAt.Before(before) {
			m.Status = domain.StatusFailed
			m.ErrorMessage = "delivery interrupted by restart"
			m.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

// ========== API Key Repository ==========

// SaveAPIKey 保存 API 密钥
func (s *Store) SaveAPIKey(key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.apiKeys[cp.ID] = &cp
	return nil
}

// GetAPIKey 根据 ID 获取 API 密钥
func (s *Store) GetAPIKey(id string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return nil, storage.ErrAPIKeyNotFound
	}
	cp := *k
	return &cp, nil
}

// ListAPIKeys 返回全部 API 密钥
func (s *Store) ListAPIKeys() ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteAPIKey 删除 API 密钥
func (s *Store) DeleteAPIKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiKeys[id]; !ok {
		return storage.ErrAPIKeyNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

// UpdateAPIKeyLastUsed 更新密钥最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	now := time.Now()
	k.LastUsedAt = &now
	return nil
}

// ========== 工具方法 ==========

// Close 关闭存储，内存实现为空操作。
func (s *Store) Close() error {
	return nil
}

// Health 健康检查，内存实现总是健康。
func (s *Store) Health() error {
	return nil
}

// touch 维护创建与更新时间戳。
func touch(createdAt, updatedAt *time.Time) {
	now := time.Now()
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now
}

// sortRules 规则按 (优先级, 创建时间) 升序排序。
func sortRules(rules []*domain.ForwardingRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
