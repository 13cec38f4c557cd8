package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// 验证常量
const (
	// RFC 5321 邮箱地址长度限制
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度
)

// 正则表达式
var (
	// 本地部分验证
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)+$`)
)

// EmailValidator 邮箱地址验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱地址验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证邮箱地址
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	// 长度检查
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	// 使用标准库进行基础格式验证
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	localPart, domain, err := SplitAddress(email)
	if err != nil {
		return err
	}

	if err := v.ValidateLocalPart(localPart); err != nil {
		return err
	}
	return v.ValidateDomain(domain)
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}

	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}

	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}

	// 不允许连续的点
	if strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}

	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}

	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}

	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}

	// 检查每个标签的长度（不超过63字符）
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}

// SplitAddress 将邮箱地址拆分为本地部分和域名，两部分均转为小写。
func SplitAddress(email string) (localPart, domain string, err error) {
	email = strings.TrimSpace(strings.ToLower(email))
	local, dom, ok := strings.Cut(email, "@")
	if !ok || local == "" || dom == "" {
		return "", "", ErrInvalidEmail
	}
	if strings.Contains(dom, "@") {
		return "", "", ErrInvalidEmail
	}
	return local, dom, nil
}

// NormalizeAddress 去除地址两侧的空白与尖括号并转为小写。
func NormalizeAddress(email string) string {
	email = strings.TrimSpace(email)
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 简化的布尔版邮箱验证。
func ValidateEmail(email string) bool {
	if email == "" {
		return false
	}
	return NewEmailValidator().ValidateEmail(email) == nil
}

// ValidateDomainName 简化的布尔版域名验证。
func ValidateDomainName(domain string) bool {
	if domain == "" {
		return false
	}
	return NewEmailValidator().ValidateDomain(strings.ToLower(strings.TrimSpace(domain))) == nil
}
