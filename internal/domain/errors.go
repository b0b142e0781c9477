package domain

import (
	"errors"
	"fmt"
)

// 业务错误分类
var (
	ErrValidation           = errors.New("validation failed")
	ErrAccountNotEligible   = errors.New("account not eligible")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrAddressAlreadyExists = errors.New("address already exists")
	ErrDomainNotAllowed     = errors.New("domain not allowed")
	ErrTransientStore       = errors.New("transient store failure")
	ErrChannelDelivery      = errors.New("channel delivery failed")
	ErrResendTooSoon        = errors.New("verification code requested too soon")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrAddressNotFound = errors.New("address not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrUnknownDomain   = errors.New("unknown domain")
)

// QuotaExceededError 携带额度数值的超限错误
type QuotaExceededError struct {
	Kind  AddressKind
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s address limit reached: %d", e.Kind, e.Limit)
}

// Is 使 errors.Is(err, ErrQuotaExceeded) 成立
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ValidationError 带字段说明的参数错误
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is 使 errors.Is(err, ErrValidation) 成立
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid 构造 ValidationError
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
