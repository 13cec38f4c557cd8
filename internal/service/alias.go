package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// ErrAliasOwnership 别名不属于给定域名。
var ErrAliasOwnership = errors.New("alias does not belong to this domain")

// AliasService 转发别名的业务服务。
type AliasService struct {
	aliasRepo  storage.AliasRepository
	domainRepo storage.DomainRepository
	validator  *domain.EmailValidator
}

// NewAliasService 创建别名业务服务。
func NewAliasService(aliasRepo storage.AliasRepository, domainRepo storage.DomainRepository) *AliasService {
	return &AliasService{
		aliasRepo:  aliasRepo,
		domainRepo: domainRepo,
		validator:  domain.NewEmailValidator(),
	}
}

// CreateAliasInput 定义创建别名的输入。
type CreateAliasInput struct {
	DomainID  string
	LocalPart string     // @ 前面的部分
	Targets   []string   // 转发目标地址，保序
	ExpiresAt *time.Time // 可选的过期时间，过期后别名视为不存在
}

// Create 在指定域名下创建转发别名。
//
// 参数:
//   - input: 创建参数
//
// 返回值:
//   - *domain.Alias: 创建的别名
//   - error: 域名不存在、地址非法、别名重复或保存失败时返回
func (s *AliasService) Create(input CreateAliasInput) (*domain.Alias, error) {
	d, err := s.activeDomain(input.DomainID)
	if err != nil {
		return nil, err
	}

	local := strings.ToLower(strings.TrimSpace(input.LocalPart))
	if err := s.validator.ValidateLocalPart(local); err != nil {
		return nil, fmt.Errorf("invalid local part %q: %w", input.LocalPart, err)
	}

	targets, err := s.normalizeTargets(input.Targets, local+"@"+d.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	alias := &domain.Alias{
		ID:        uuid.NewString(),
		DomainID:  d.ID,
		LocalPart: local,
		Targets:   domain.JoinTargets(targets),
		ExpiresAt: input.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.aliasRepo.SaveAlias(alias); err != nil {
		return nil, fmt.Errorf("failed to save alias: %w", err)
	}
	return alias, nil
}

// Get 获取别名详情。已删除的别名视为不存在。
func (s *AliasService) Get(id string) (*domain.Alias, error) {
	alias, err := s.aliasRepo.GetAlias(id)
	if err != nil {
		return nil, err
	}
	if alias.IsDeleted {
		return nil, storage.ErrAliasNotFound
	}
	return alias, nil
}

// ListByDomain 列出指定域名下全部未删除的别名。
func (s *AliasService) ListByDomain(domainID string) ([]*domain.Alias, error) {
	if _, err := s.activeDomain(domainID); err != nil {
		return nil, err
	}
	return s.aliasRepo.ListAliasesByDomainID(domainID)
}

// UpdateAliasInput 定义更新别名的输入。
// Targets 为 nil 时保持原目标不变；ClearExpiry 为 true 时移除过期时间。
type UpdateAliasInput struct {
	Targets     []string
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// Update 更新别名的转发目标或过期时间。
func (s *AliasService) Update(domainID, aliasID string, input UpdateAliasInput) (*domain.Alias, error) {
	d, err := s.activeDomain(domainID)
	if err != nil {
		return nil, err
	}

	alias, err := s.Get(aliasID)
	if err != nil {
		return nil, err
	}
	if alias.DomainID != domainID {
		return nil, ErrAliasOwnership
	}

	if input.Targets != nil {
		targets, err := s.normalizeTargets(input.Targets, alias.LocalPart+"@"+d.Name)
		if err != nil {
			return nil, err
		}
		alias.Targets = domain.JoinTargets(targets)
	}
	if input.ClearExpiry {
		alias.ExpiresAt = nil
	} else if input.ExpiresAt != nil {
		alias.ExpiresAt = input.ExpiresAt
	}

	alias.UpdatedAt = time.Now().UTC()
	if err := s.aliasRepo.SaveAlias(alias); err != nil {
		return nil, fmt.Errorf("failed to save alias: %w", err)
	}
	return alias, nil
}

// Delete 软删除别名。
func (s *AliasService) Delete(domainID, aliasID string) error {
	alias, err := s.Get(aliasID)
	if err != nil {
		return err
	}
	if alias.DomainID != domainID {
		return ErrAliasOwnership
	}
	return s.aliasRepo.DeleteAlias(aliasID)
}

// PurgeExpired 物理清理已过期的别名，返回清理数量。
// 由维护任务周期性调用。
func (s *AliasService) PurgeExpired() (int, error) {
	return s.aliasRepo.PurgeExpiredAliases(time.Now().UTC())
}

// activeDomain 获取未删除的域名记录。
func (s *AliasService) activeDomain(domainID string) (*domain.Domain, error) {
	d, err := s.domainRepo.GetDomain(domainID)
	if err != nil {
		return nil, fmt.Errorf("domain not found: %w", err)
	}
	if d.IsDeleted {
		return nil, fmt.Errorf("domain not found: %w", storage.ErrDomainNotFound)
	}
	return d, nil
}

// normalizeTargets 标准化并校验转发目标列表。
// 目标不能为空，不能指向别名自身。
func (s *AliasService) normalizeTargets(targets []string, selfAddress string) ([]string, error) {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		addr := domain.NormalizeAddress(t)
		if addr == "" {
			continue
		}
		if err := s.validator.ValidateEmail(addr); err != nil {
			return nil, fmt.Errorf("invalid forward target %q: %w", t, err)
		}
		if addr == selfAddress {
			return nil, fmt.Errorf("forward target %s points back to the alias itself", addr)
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, errors.New("alias requires at least one forward target")
	}
	return out, nil
}
