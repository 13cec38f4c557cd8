package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

const testMessage = "From: sender@example.com\r\n" +
	"To: rcpt@example.org\r\n" +
	"Subject: hello\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Message-Id: <abc123@example.com>\r\n" +
	"\r\n" +
	"hello world\r\n"

type fakeDomainStore struct {
	domains map[string]*domain.Domain
}

func (f *fakeDomainStore) GetDomainByName(name string) (*domain.Domain, error) {
	d, ok := f.domains[name]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	return d, nil
}

func TestSignerSign(t *testing.T) {
	privateKey, err := GenerateKey()
	require.NoError(t, err)

	t.Run("为托管域名添加签名", func(t *testing.T) {
		store := &fakeDomainStore{domains: map[string]*domain.Domain{
			"example.com": {
				ID:             "dom-1",
				Name:           "example.com",
				DKIMPrivateKey: privateKey,
				DKIMSelector:   "mail",
			},
		}}
		signer := NewSigner(store, zap.NewNop())
		defer signer.Stop()

		signed := string(signer.Sign([]byte(testMessage), "sender@example.com"))

		assert.True(t, strings.HasPrefix(signed, "DKIM-Signature:"))
		assert.Contains(t, signed, "d=example.com")
		assert.Contains(t, signed, "s=mail")
		assert.Contains(t, signed, "hello world")
	})

	t.Run("未托管域名原样放行", func(t *testing.T) {
		signer := NewSigner(&fakeDomainStore{domains: map[string]*domain.Domain{}}, zap.NewNop())
		defer signer.Stop()

		signed := signer.Sign([]byte(testMessage), "sender@unknown.org")

		assert.Equal(t, testMessage, string(signed))
	})

	t.Run("未配置密钥原样放行", func(t *testing.T) {
		store := &fakeDomainStore{domains: map[string]*domain.Domain{
			"example.com": {ID: "dom-1", Name: "example.com"},
		}}
		signer := NewSigner(store, zap.NewNop())
		defer signer.Stop()

		signed := signer.Sign([]byte(testMessage), "sender@example.com")

		assert.Equal(t, testMessage, string(signed))
	})

	t.Run("私钥损坏原样放行", func(t *testing.T) {
		store := &fakeDomainStore{domains: map[string]*domain.Domain{
			"example.com": {
				ID:             "dom-1",
				Name:           "example.com",
				DKIMPrivateKey: "not a pem block",
				DKIMSelector:   "mail",
			},
		}}
		signer := NewSigner(store, zap.NewNop())
		defer signer.Stop()

		signed := signer.Sign([]byte(testMessage), "sender@example.com")

		assert.Equal(t, testMessage, string(signed))
	})

	t.Run("发件地址非法原样放行", func(t *testing.T) {
		signer := NewSigner(&fakeDomainStore{domains: map[string]*domain.Domain{}}, zap.NewNop())
		defer signer.Stop()

		signed := signer.Sign([]byte(testMessage), "not-an-address")

		assert.Equal(t, testMessage, string(signed))
	})
}

func TestSignerKeyCache(t *testing.T) {
	privateKey, err := GenerateKey()
	require.NoError(t, err)

	store := &fakeDomainStore{domains: map[string]*domain.Domain{
		"example.com": {
			ID:             "dom-1",
			Name:           "example.com",
			DKIMPrivateKey: privateKey,
			DKIMSelector:   "mail",
		},
	}}
	signer := NewSigner(store, zap.NewNop())
	defer signer.Stop()

	first := string(signer.Sign([]byte(testMessage), "sender@example.com"))
	require.True(t, strings.HasPrefix(first, "DKIM-Signature:"))

	// 域名记录里的私钥被破坏后仍能签名，说明命中了解析缓存
	store.domains["example.com"].DKIMPrivateKey = "corrupted"
	second := string(signer.Sign([]byte(testMessage), "sender@example.com"))

	assert.True(t, strings.HasPrefix(second, "DKIM-Signature:"))
}

func TestGenerateKey(t *testing.T) {
	pemKey, err := GenerateKey()
	require.NoError(t, err)
	assert.Contains(t, pemKey, "RSA PRIVATE KEY")

	key, err := ParsePrivateKey(pemKey)
	require.NoError(t, err)
	assert.Equal(t, keyBits, key.N.BitLen())

	record, err := TXTRecord(pemKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record, "v=DKIM1; k=rsa; p="))
	assert.NotContains(t, record, " p=\n")
}

func TestTXTName(t *testing.T) {
	assert.Equal(t, "mail._domainkey.example.com", TXTName("mail", "example.com"))
}

func TestParsePrivateKey(t *testing.T) {
	t.Run("解析PKCS8格式", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

		parsed, err := ParsePrivateKey(pemKey)
		require.NoError(t, err)
		assert.True(t, key.Equal(parsed))
	})

	t.Run("无PEM块返回错误", func(t *testing.T) {
		_, err := ParsePrivateKey("garbage")
		assert.Error(t, err)
	})

	t.Run("TXT记录生成失败", func(t *testing.T) {
		_, err := TXTRecord("garbage")
		assert.Error(t, err)
	})
}
