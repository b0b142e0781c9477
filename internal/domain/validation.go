package domain

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// 长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MinLocalPartLength = 3
	MaxDomainLength    = 253
	MaxFullNameLength  = 128

	MinHandleLength = 3
	MaxHandleLength = 32

	CodeLength = 6
)

var (
	// 本地部分：字母数字开头结尾，中间允许 . _ -
	localPartRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*[a-z0-9]$`)

	domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

	// Telegram 用户名：字母开头，字母数字下划线
	handleRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

	externalIDRegex = regexp.MustCompile(`^-?[0-9]{1,20}$`)

	codeRegex = regexp.MustCompile(`^[0-9]{6}$`)
)

// EmailValidator 地址与身份字段校验器
type EmailValidator struct{}

// NewEmailValidator 创建校验器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 校验完整地址
func (v *EmailValidator) ValidateEmail(email string) error {
	if len(email) > MaxEmailLength {
		return Invalid("address", "too long")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Invalid("address", "malformed")
	}
	local, dom, ok := SplitAddress(email)
	if !ok {
		return Invalid("address", "malformed")
	}
	if err := v.ValidateLocalPart(local); err != nil {
		return err
	}
	return v.ValidateDomain(dom)
}

// ValidateLocalPart 校验本地部分（3-64 字符）
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if len(localPart) < MinLocalPartLength {
		return Invalid("prefix", "too short")
	}
	if len(localPart) > MaxLocalPartLength {
		return Invalid("prefix", "too long")
	}
	if !localPartRegex.MatchString(localPart) {
		return Invalid("prefix", "contains unsupported characters")
	}
	for _, seq := range []string{"..", ".-", "-.", "--", "__", "_.", "._"} {
		if strings.Contains(localPart, seq) {
			return Invalid("prefix", "contains consecutive separators")
		}
	}
	return nil
}

// ValidateDomain 校验域名格式
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" || len(domain) > MaxDomainLength || !domainRegex.MatchString(domain) {
		return Invalid("domain", "malformed")
	}
	return nil
}

// ValidateHandle 校验外部用户名（已去除前导 @）
func ValidateHandle(handle string) error {
	if len(handle) < MinHandleLength || len(handle) > MaxHandleLength {
		return Invalid("externalUsername", "length must be between 3 and 32")
	}
	if !handleRegex.MatchString(handle) {
		return Invalid("externalUsername", "contains unsupported characters")
	}
	return nil
}

// ValidateExternalID 校验外部身份 ID
func ValidateExternalID(id string) error {
	if !externalIDRegex.MatchString(id) {
		return Invalid("externalId", "must be numeric")
	}
	return nil
}

// ValidateFullName 校验显示名
func ValidateFullName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return Invalid("fullName", "required")
	}
	if utf8.RuneCountInString(name) > MaxFullNameLength {
		return Invalid("fullName", "too long")
	}
	return nil
}

// ValidCode 判断验证码是否为 6 位数字
func ValidCode(code string) bool {
	return codeRegex.MatchString(code)
}

// SanitizePrefix 规范化用户自选前缀
func SanitizePrefix(prefix string) string {
	return strings.ToLower(strings.TrimSpace(prefix))
}

// NormalizeAddress 规范化收件地址（去除尖括号与空白，转小写）
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// SplitAddress 拆分本地部分与域名
func SplitAddress(addr string) (local, domain string, ok bool) {
	idx := strings.LastIndex(addr, "@")
	if idx <= 0 || idx == len(addr)-1 {
		return "", "", false
	}
	if strings.Contains(addr[:idx], "@") {
		return "", "", false
	}
	return addr[:idx], addr[idx+1:], true
}
