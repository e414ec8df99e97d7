package validator

import (
	"errors"
	"strings"
	"sync"

	"mistica-notifications/internal/models"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Init ініціалізує валідатор і реєструє кастомні правила
func Init() {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		_ = validate.RegisterValidation("notification_kind", func(fl validator.FieldLevel) bool {
			return models.Kind(fl.Field().String()).IsValid()
		})
	})
}

// Validate перевіряє структуру за тегами validate
func Validate(s interface{}) error {
	Init()
	return validate.Struct(s)
}

// FormatErrors перетворює помилки валідації у map поле -> правило
func FormatErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	result := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			result[field] = fe.Tag() + "=" + fe.Param()
		} else {
			result[field] = fe.Tag()
		}
	}
	return result
}
