// Package validators builds the request validator used by the HTTP handlers.
package validators

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dbstudio/engine/internal/provisioner/compiler"
)

// New returns a validator that knows the dbname and dbversion tags and
// reports fields by their json names.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("dbname", func(fl validator.FieldLevel) bool {
		return compiler.ValidateName(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("dbversion", func(fl validator.FieldLevel) bool {
		return compiler.ValidVersion(fl.Field().String())
	})
	return v
}

// Message flattens validation errors into one line.
func Message(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "dbname":
			parts = append(parts, fe.Field()+" must contain only lowercase letters, digits and hyphens (max 63)")
		case "oneof":
			parts = append(parts, fe.Field()+" must be one of: "+fe.Param())
		case "min", "max":
			parts = append(parts, fe.Field()+" must be "+boundWord(fe.Tag())+" "+fe.Param())
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

func boundWord(tag string) string {
	if tag == "min" {
		return "at least"
	}
	return "at most"
}
