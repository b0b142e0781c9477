package httptransport

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"relaymail/backend/internal/domain"
)

var registerOnce sync.Once

// registerValidators 在 gin 的校验引擎上注册自定义规则
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		emails := domain.NewEmailValidator()

		_ = v.RegisterValidation("localpart", func(fl validator.FieldLevel) bool {
			return emails.ValidateLocalPart(domain.SanitizePrefix(fl.Field().String())) == nil
		})
		_ = v.RegisterValidation("kind", func(fl validator.FieldLevel) bool {
			return domain.AddressKind(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("externalid", func(fl validator.FieldLevel) bool {
			return domain.ValidateExternalID(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
			return domain.AccountRole(fl.Field().String()).Valid()
		})
	})
}
