package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"gozon/fulfillment/internal/apperr"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. The returned error is
// always an apperr.ValidationError.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	return s.decodeBody(w, r, dst, false)
}

// decodeOptional is decode for endpoints whose body may be omitted.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	return s.decodeBody(w, r, dst, true)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		return apperr.Validation("invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) || len(vErrs) == 0 {
		return apperr.Validation("invalid request")
	}
	vErr := vErrs[0]
	field := strings.SplitN(vErr.Namespace(), ".", 2)
	name := vErr.Field()
	if len(field) == 2 {
		name = field[1]
	}
	switch vErr.Tag() {
	case "required":
		return apperr.Validation(name + " value missing")
	case "min", "gte":
		return apperr.Validation(name + " value is less than " + vErr.Param())
	case "max", "lte":
		return apperr.Validation(name + " value is greater than " + vErr.Param())
	case "gt":
		return apperr.Validation(name + " must be greater than " + vErr.Param())
	case "email":
		return apperr.Validation(name + " must be a valid email")
	case "url", "http_url":
		return apperr.Validation(name + " must be a valid url")
	case "oneof":
		return apperr.Validation(name + " must be one of " + vErr.Param())
	}
	return apperr.Validation(name + " is invalid")
}
