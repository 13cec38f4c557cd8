package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

const keyBits = 2048

// GenerateKey 生成一对新的 RSA 签名密钥，返回 PEM 编码的私钥
func GenerateKey() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block)), nil
}

// TXTName 返回发布公钥用的 DNS 记录名
func TXTName(selector, domainName string) string {
	return fmt.Sprintf("%s._domainkey.%s", selector, domainName)
}

// TXTRecord 从私钥推导出需要发布到 DNS 的 TXT 记录值
func TXTRecord(privateKeyPEM string) (string, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}

	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", base64.StdEncoding.EncodeToString(pub)), nil
}
