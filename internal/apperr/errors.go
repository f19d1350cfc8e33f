// Package apperr holds error types shared across the fulfillment packages.
package apperr

import "errors"

// ValidationError marks malformed input. It is never retried and maps to 400.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

func Validation(msg string) error { return ValidationError(msg) }

func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}
