package records

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// FieldError describes one rejected field.
type FieldError struct {
	Field string
	Rule  string
	Param string
}

func (f FieldError) String() string {
	if f.Param != "" {
		return fmt.Sprintf("%s: %s=%s", f.Field, f.Rule, f.Param)
	}
	return fmt.Sprintf("%s: %s", f.Field, f.Rule)
}

// ValidationError reports an entity that failed its schema, either before a
// write or while decoding a stored child.
type ValidationError struct {
	Entity string
	// Key is the child key of a stored record, empty for caller input.
	Key    string
	Fields []FieldError
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid ")
	b.WriteString(e.Entity)
	if e.Key != "" {
		fmt.Fprintf(&b, " %q", e.Key)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks v against its struct tags.
func Validate(entity string, v any) error {
	return validateKeyed(entity, "", v)
}

func validateKeyed(entity, key string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Entity: entity, Key: key, Err: err}
	}
	out := &ValidationError{Entity: entity, Key: key}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:],
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

// requireSegment rejects owner ids that cannot be used as a single path key.
func requireSegment(entity, field, id string) error {
	if id == "" {
		return &ValidationError{Entity: entity, Fields: []FieldError{{Field: field, Rule: "required"}}}
	}
	if strings.ContainsAny(id, "/.#$[]") {
		return &ValidationError{Entity: entity, Fields: []FieldError{{Field: field, Rule: "segment"}}}
	}
	return nil
}
