package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// apiKeyPrefix 密钥字符串的固定前缀，完整形式为 mfk_<id>_<secret>。
const apiKeyPrefix = "mfk"

var (
	// ErrAPIKeyInvalid 密钥格式错误、不存在或校验失败。
	ErrAPIKeyInvalid = errors.New("invalid API key")
	// ErrAPIKeyExpired 密钥已过期。
	ErrAPIKeyExpired = errors.New("API key expired")
)

// APIKeyService 管理接口 API 密钥的业务服务。
// 明文密钥只在创建时返回一次，数据库仅保存 secret 的 bcrypt 哈希。
type APIKeyService struct {
	repo storage.APIKeyRepository
}

// NewAPIKeyService 创建 API 密钥业务服务。
func NewAPIKeyService(repo storage.APIKeyRepository) *APIKeyService {
	return &APIKeyService{repo: repo}
}

// CreateAPIKeyInput 定义创建 API 密钥的输入。
type CreateAPIKeyInput struct {
	Name      string
	ExpiresIn *time.Duration // 有效期，nil 表示永不过期
}

// Create 创建新的 API 密钥。
//
// 参数:
//   - input: 创建参数
//
// 返回值:
//   - *domain.APIKey: 保存的密钥记录，不含 secret
//   - string: 明文密钥，仅此一次返回
//   - error: 错误信息
func (s *APIKeyService) Create(input CreateAPIKeyInput) (*domain.APIKey, string, error) {
	id := uuid.NewString()
	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash secret: %w", err)
	}

	plaintext := fmt.Sprintf("%s_%s_%s", apiKeyPrefix, id, secret)

	var expiresAt *time.Time
	if input.ExpiresIn != nil {
		t := time.Now().UTC().Add(*input.ExpiresIn)
		expiresAt = &t
	}

	key := &domain.APIKey{
		ID:        id,
		Name:      strings.TrimSpace(input.Name),
		KeyHash:   string(hash),
		KeyPrefix: plaintext[:12],
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}

	if err := s.repo.SaveAPIKey(key); err != nil {
		return nil, "", fmt.Errorf("failed to save API key: %w", err)
	}
	return key, plaintext, nil
}

// Verify 校验明文密钥并返回对应的记录。
// 校验通过时顺带刷新最后使用时间，刷新失败不影响结果。
func (s *APIKeyService) Verify(plaintext string) (*domain.APIKey, error) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return nil, ErrAPIKeyInvalid
	}

	key, err := s.repo.GetAPIKey(parts[1])
	if err != nil {
		return nil, ErrAPIKeyInvalid
	}
	if !key.IsActive {
		return nil, ErrAPIKeyInvalid
	}
	if key.IsExpired(time.Now()) {
		return nil, ErrAPIKeyExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(parts[2])) != nil {
		return nil, ErrAPIKeyInvalid
	}

	_ = s.repo.UpdateAPIKeyLastUsed(key.ID)
	return key, nil
}

// List 列出全部 API 密钥。
func (s *APIKeyService) List() ([]*domain.APIKey, error) {
	return s.repo.ListAPIKeys()
}

// Get 获取密钥详情。
func (s *APIKeyService) Get(id string) (*domain.APIKey, error) {
	return s.repo.GetAPIKey(id)
}

// Delete 删除 API 密钥，立即使其失效。
func (s *APIKeyService) Delete(id string) error {
	return s.repo.DeleteAPIKey(id)
}

// generateSecret 生成 32 字节随机数的 base64url 形式，约 43 个字符。
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
