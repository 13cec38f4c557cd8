package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/dkim"
	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// defaultDKIMSelector 与 Domain 表的列默认值保持一致。
const defaultDKIMSelector = "default"

// DomainService 托管域名的业务服务。
// 负责域名的增删改查、DKIM 密钥的生成与轮换，以及 DNS 配置指引。
type DomainService struct {
	repo      storage.DomainRepository
	cfg       *config.Config
	validator *domain.EmailValidator
}

// NewDomainService 创建域名业务服务。
func NewDomainService(repo storage.DomainRepository, cfg *config.Config) *DomainService {
	return &DomainService{
		repo:      repo,
		cfg:       cfg,
		validator: domain.NewEmailValidator(),
	}
}

// CreateDomainInput 定义创建托管域名的输入。
type CreateDomainInput struct {
	Name            string
	DKIMSelector    string // 留空时使用 default
	CatchAllEmail   string // 兜底转发地址，可为空
	NotifyEmail     string // 失败通知地址，可为空
	NotifyOnFailure bool
	WebhookURL      string
}

// Create 创建托管域名。
// 启用 DKIM 时同时生成该域名的 RSA 签名密钥，私钥随域名记录保存。
//
// 参数:
//   - input: 创建参数
//
// 返回值:
//   - *domain.Domain: 创建的域名记录
//   - error: 域名非法、已存在或保存失败时返回
func (s *DomainService) Create(input CreateDomainInput) (*domain.Domain, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if !domain.ValidateDomainName(name) {
		return nil, fmt.Errorf("invalid domain name: %q", input.Name)
	}

	catchAll, err := s.optionalAddress(input.CatchAllEmail)
	if err != nil {
		return nil, fmt.Errorf("invalid catch-all address: %w", err)
	}
	notify, err := s.optionalAddress(input.NotifyEmail)
	if err != nil {
		return nil, fmt.Errorf("invalid notify address: %w", err)
	}

	selector := strings.TrimSpace(input.DKIMSelector)
	if selector == "" {
		selector = defaultDKIMSelector
	}

	var privateKey string
	if s.cfg.DKIM.Enabled {
		privateKey, err = dkim.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate DKIM key: %w", err)
		}
	}

	now := time.Now().UTC()
	d := &domain.Domain{
		ID:              uuid.NewString(),
		Name:            name,
		DKIMPrivateKey:  privateKey,
		DKIMSelector:    selector,
		CatchAllEmail:   catchAll,
		NotifyEmail:     notify,
		NotifyOnFailure: input.NotifyOnFailure,
		WebhookURL:      strings.TrimSpace(input.WebhookURL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.SaveDomain(d); err != nil {
		return nil, fmt.Errorf("failed to save domain: %w", err)
	}
	return d, nil
}

// Get 获取域名详情。已删除的域名视为不存在。
func (s *DomainService) Get(id string) (*domain.Domain, error) {
	d, err := s.repo.GetDomain(id)
	if err != nil {
		return nil, err
	}
	if d.IsDeleted {
		return nil, storage.ErrDomainNotFound
	}
	return d, nil
}

// GetByName 根据域名名称获取记录，大小写不敏感。
func (s *DomainService) GetByName(name string) (*domain.Domain, error) {
	return s.repo.GetDomainByName(strings.ToLower(strings.TrimSpace(name)))
}

// List 列出全部未删除的托管域名。
func (s *DomainService) List() ([]*domain.Domain, error) {
	return s.repo.ListDomains()
}

// UpdateDomainInput 定义更新域名的输入，nil 字段保持不变。
type UpdateDomainInput struct {
	CatchAllEmail   *string
	NotifyEmail     *string
	NotifyOnFailure *bool
	WebhookURL      *string
	DKIMSelector    *string
}

// Update 更新域名的转发与通知配置。
// 把 CatchAllEmail 或 NotifyEmail 设置为空字符串表示清除该地址。
func (s *DomainService) Update(id string, input UpdateDomainInput) (*domain.Domain, error) {
	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if input.CatchAllEmail != nil {
		addr, err := s.optionalAddress(*input.CatchAllEmail)
		if err != nil {
			return nil, fmt.Errorf("invalid catch-all address: %w", err)
		}
		d.CatchAllEmail = addr
	}
	if input.NotifyEmail != nil {
		addr, err := s.optionalAddress(*input.NotifyEmail)
		if err != nil {
			return nil, fmt.Errorf("invalid notify address: %w", err)
		}
		d.NotifyEmail = addr
	}
	if input.NotifyOnFailure != nil {
		d.NotifyOnFailure = *input.NotifyOnFailure
	}
	if input.WebhookURL != nil {
		d.WebhookURL = strings.TrimSpace(*input.WebhookURL)
	}
	if input.DKIMSelector != nil {
		selector := strings.TrimSpace(*input.DKIMSelector)
		if selector == "" {
			selector = defaultDKIMSelector
		}
		d.DKIMSelector = selector
	}

	d.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveDomain(d); err != nil {
		return nil, fmt.Errorf("failed to save domain: %w", err)
	}
	return d, nil
}

// Delete 软删除域名。此后该域名的入站邮件会在 RCPT 阶段被拒绝。
func (s *DomainService) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return s.repo.DeleteDomain(id)
}

// RotateDKIMKey 为域名生成新的 DKIM 签名密钥并替换旧密钥。
// 调用方需要在 DNS 中同步更新 TXT 记录，否则新签名无法通过验证。
func (s *DomainService) RotateDKIMKey(id string) (*domain.Domain, error) {
	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	key, err := dkim.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate DKIM key: %w", err)
	}

	d.DKIMPrivateKey = key
	d.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveDomain(d); err != nil {
		return nil, fmt.Errorf("failed to save domain: %w", err)
	}
	return d, nil
}

// DNSRecord 需要在域名服务商处配置的一条 DNS 记录。
type DNSRecord struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Priority int    `json:"priority,omitempty"`
}

// DNSRecords 返回让该域名正常收信和通过 DKIM 验证所需的 DNS 记录。
//
// 参数:
//   - id: 域名 ID
//
// 返回值:
//   - []DNSRecord: MX、SPF 以及配置了 DKIM 时的 TXT 记录
//   - error: 域名不存在或 DKIM 私钥损坏时返回
func (s *DomainService) DNSRecords(id string) ([]DNSRecord, error) {
	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	records := []DNSRecord{
		{
			Type:     "MX",
			Name:     d.Name,
			Value:    s.cfg.SMTP.Hostname,
			Priority: 10,
		},
		{
			Type:  "TXT",
			Name:  d.Name,
			Value: "v=spf1 mx ~all",
		},
	}

	if d.HasDKIM() {
		txt, err := dkim.TXTRecord(d.DKIMPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build DKIM record: %w", err)
		}
		records = append(records, DNSRecord{
			Type:  "TXT",
			Name:  dkim.TXTName(d.DKIMSelector, d.Name),
			Value: txt,
		})
	}
	return records, nil
}

// optionalAddress 标准化可选地址，空串直接通过。
func (s *DomainService) optionalAddress(addr string) (string, error) {
	addr = domain.NormalizeAddress(addr)
	if addr == "" {
		return "", nil
	}
	if err := s.validator.ValidateEmail(addr); err != nil {
		return "", err
	}
	return addr, nil
}
