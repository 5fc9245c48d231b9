// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodeJSON читает тело запроса в dest и проверяет его теги validate.
// Неизвестные поля считаются ошибкой.
func DecodeJSON(r io.Reader, dest any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return Struct(dest)
}

// Struct проверяет структуру по тегам validate.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errs.Validation("%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fe.Field()+" "+message(fe))
	}
	sort.Strings(msgs)
	return errs.Validation("%s", strings.Join(msgs, "; "))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	}
	return "is invalid"
}

// ID проверяет, что идентификатор задан.
func ID(name string, id int64) error {
	if id <= 0 {
		return errs.Validation("%s must be positive", name)
	}
	return nil
}

// LoanDays возвращает срок выдачи: 0 заменяется значением по умолчанию,
// значения вне допустимого диапазона отклоняются.
func LoanDays(days int, p model.Policy) (int, error) {
	if days == 0 {
		return p.DefaultLoanDays, nil
	}
	if days < p.MinLoanDays || days > p.MaxLoanDays {
		return 0, errs.Validation("days must be between %d and %d", p.MinLoanDays, p.MaxLoanDays)
	}
	return days, nil
}

// NotBlank проверяет, что строка не пустая после обрезки пробелов.
func NotBlank(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.Validation("%s is required", name)
	}
	return nil
}
