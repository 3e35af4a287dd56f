package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	Validate   *validator.Validate
	Translator ut.Translator

	// ErrInvalid is matched by every *Error.
	ErrInvalid = errors.New("invalid input")

	notBlankTag = "notblank"
)

// Instantiate the validator for use.
func init() {
	Validate = validator.New(validator.WithRequiredStructEnabled())

	_en := en.New()
	uni := ut.New(_en, _en)
	Translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(Validate, Translator)

	// Use JSON tag names for errors instead of Go struct names.
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = Validate.RegisterValidation(notBlankTag, notBlank)
	RegisterCustomTranslation(notBlankTag, "cannot be blank")
}

// RegisterCustomTranslation sets the message of a custom tag. The field
// name is prepended.
func RegisterCustomTranslation(tag, text string) {
	registerFn := func(ut.Translator) error { return nil }
	_ = Validate.RegisterTranslation(tag, Translator, registerFn, func(_ ut.Translator, fe validator.FieldError) string {
		return strings.TrimSpace(fe.Field() + " " + text)
	})
}

func notBlank(fl validator.FieldLevel) bool {
	if s, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return false
}

// Error is one rejected field. Field is the JSON path below the validated
// value, e.g. "questions[1].points".
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string { return e.Field + ": " + e.Msg }

func (e *Error) Is(target error) bool { return target == ErrInvalid }

// Struct validates s and reports the first failing field.
func Struct(s any) error {
	return first(Validate.Struct(s), "")
}

// Var validates a single value under the given field name.
func Var(field string, v any, tag string) error {
	return first(Validate.Var(v, tag), field)
}

func first(err error, field string) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return err
	}
	fe := ves[0]
	if field == "" {
		field = fe.Namespace()
		// drop the root type name
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
	}
	return &Error{Field: field, Msg: strings.TrimSpace(fe.Translate(Translator))}
}
