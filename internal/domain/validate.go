package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate    *validator.Validate
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	keyPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)
	errNotValid = errors.New("document is not a struct")
)

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("metaid", func(fl validator.FieldLevel) bool {
		return ValidID(fl.Field().String())
	})
}

// ValidID reports whether s is usable as an Object Type, Action Type, relationship or
// object id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// ValidKey reports whether s is usable as a property or parameter key.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

// Check runs struct tag validation and converts the first failure into a
// *ValidationError naming the JSON path of the field.
func Check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return errNotValid
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &ValidationError{Field: fieldPath(fe.Namespace()), Reason: reasonFor(fe)}
}

func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "metaid":
		return "must start with a letter or digit and contain only letters, digits, '_', '.', ':' or '-'"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
