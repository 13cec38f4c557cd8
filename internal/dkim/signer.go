package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	msgdkim "github.com/emersion/go-msgauth/dkim"
	"go.uber.org/zap"

	"mailflow/backend/internal/cache"
	"mailflow/backend/internal/domain"
)

// 参与签名的头部字段
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-Id", "Content-Type"}

// DomainStore 提供签名所需的域名记录读取
type DomainStore interface {
	GetDomainByName(name string) (*domain.Domain, error)
}

// Signer 对出站邮件做 DKIM 签名。
// 签名是尽力而为的：找不到域名、没有配置私钥或签名出错时，
// 原始邮件原样放行，绝不因为签名问题阻断投递。
type Signer struct {
	store DomainStore
	keys  *cache.LocalCache
	log   *zap.Logger
}

// NewSigner 创建 DKIM 签名器
func NewSigner(store DomainStore, log *zap.Logger) *Signer {
	return &Signer{
		store: store,
		// 解析后的私钥短期缓存，密钥轮换最多延迟一个 TTL 生效
		keys: cache.NewLocalCache(10 * time.Minute),
		log:  log,
	}
}

// Sign 用发件域名的私钥对邮件签名，返回带 DKIM-Signature 头的邮件。
// 任何失败都返回原始邮件。
func (s *Signer) Sign(message []byte, mailFrom string) []byte {
	_, domainName, err := domain.SplitAddress(domain.NormalizeAddress(mailFrom))
	if err != nil {
		return message
	}

	d, err := s.store.GetDomainByName(domainName)
	if err != nil || !d.HasDKIM() {
		s.log.Debug("skipping dkim signature", zap.String("domain", domainName))
		return message
	}

	key, err := s.signingKey(d)
	if err != nil {
		s.log.Warn("failed to load dkim key",
			zap.String("domain", d.Name), zap.Error(err))
		return message
	}

	options := &msgdkim.SignOptions{
		Domain:                 d.Name,
		Selector:               d.DKIMSelector,
		Signer:                 key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: msgdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var signed bytes.Buffer
	if err := msgdkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		s.log.Warn("dkim signing failed",
			zap.String("domain", d.Name), zap.Error(err))
		return message
	}

	return signed.Bytes()
}

// signingKey 返回域名的私钥，解析结果带 TTL 缓存
func (s *Signer) signingKey(d *domain.Domain) (*rsa.PrivateKey, error) {
	cacheKey := d.Name + "/" + d.DKIMSelector
	if cached, ok := s.keys.Get(cacheKey); ok {
		return cached.(*rsa.PrivateKey), nil
	}

	key, err := ParsePrivateKey(d.DKIMPrivateKey)
	if err != nil {
		return nil, err
	}

	s.keys.Set(cacheKey, key, 0)
	return key, nil
}

// Stop 停止私钥缓存的后台清理
func (s *Signer) Stop() {
	s.keys.Stop()
}

// ParsePrivateKey 解析 PEM 编码的 RSA 私钥，兼容 PKCS#1 和 PKCS#8
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}
