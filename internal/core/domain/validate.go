package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var mbtiPattern = regexp.MustCompile(`^[EI][SN][TF][JP](-[AT])?$`)

// validate is shared by every domain type carrying validate tags.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("mbti", func(fl validator.FieldLevel) bool {
		return ValidMBTIType(fl.Field().String())
	})
	_ = validate.RegisterValidation("sensitivity", func(fl validator.FieldLevel) bool {
		return Sensitivity(fl.Field().String()).Valid()
	})
}

// ValidMBTIType reports whether s is a four-letter type code, optionally
// suffixed with an identity marker such as "-A".
func ValidMBTIType(s string) bool {
	return mbtiPattern.MatchString(strings.ToUpper(s))
}

// Validate checks v's validate tags and returns an invalid request error
// naming the first failing field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return ErrInvalidRequest(fmt.Sprintf("field %s failed %s validation", fe.Namespace(), fe.Tag())).WithCause(err)
	}
	return ErrInvalidRequest("validation failed").WithCause(err)
}
