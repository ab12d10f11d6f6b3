package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate applies the declarative `validate` tags on request payloads.
// Field names in produced errors follow the JSON tag, not the Go name.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkPayload runs struct validation on the decoded payload and writes a
// 400 with an operator-facing message on failure, so handlers can
// early-return the same way they do after decodeJSON.
func checkPayload(w http.ResponseWriter, payload any) bool {
	if err := validate.Struct(payload); err != nil {
		ErrBadRequest(w, validationMessage(err))
		return false
	}
	return true
}

// validationMessage renders the first violated rule as the message the
// operator sees. Constraint wording is stable: dashboards fuzzy-match on it.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]

	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return oneofMessage(fe.Field(), fe.Param())
	case "gt":
		switch fe.Field() {
		case "duration":
			return "Duration must be a positive integer (seconds)"
		case "frequency":
			return "Frequency must be a positive integer (Hz)"
		}
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "min":
		if fe.Field() == "requests" {
			return "requests list cannot be empty"
		}
		return fmt.Sprintf("%s must contain at least %s item(s)", fe.Field(), fe.Param())
	}
	return fe.Field() + " is invalid"
}

// oneofMessage spells out the allowed values of a oneof rule, quoting each.
// Two options read as `a must be "x" or "y"`, more get an Oxford comma.
func oneofMessage(field, param string) string {
	opts := strings.Fields(param)
	for i, o := range opts {
		opts[i] = `"` + o + `"`
	}
	switch len(opts) {
	case 0:
		return field + " is invalid"
	case 1:
		return fmt.Sprintf("%s must be %s", field, opts[0])
	case 2:
		return fmt.Sprintf("%s must be %s or %s", field, opts[0], opts[1])
	default:
		return fmt.Sprintf("%s must be %s, or %s",
			field, strings.Join(opts[:len(opts)-1], ", "), opts[len(opts)-1])
	}
}
