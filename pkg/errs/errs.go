// Package errs defines the error taxonomy shared by the order and payment
// services. Every error surfaced to a caller carries a Code the HTTP layer
// maps to a status, and a human readable message.
package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation          Code = "validation"
	CodeNotFound            Code = "not_found"
	CodeOutOfStock          Code = "out_of_stock"
	CodeProductNotFound     Code = "product_not_found"
	CodeProvider            Code = "provider"
	CodeAllProvidersFailed  Code = "all_providers_failed"
	CodeUnsupportedProvider Code = "unsupported_provider"
	CodeUnsupportedStatus   Code = "unsupported_status"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeConflict            Code = "conflict"
	CodeInternal            Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation          = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrOrderNotFound       = &Error{Code: CodeNotFound, Message: "order not found"}
	ErrPaymentNotFound     = &Error{Code: CodeNotFound, Message: "payment not found"}
	ErrOutOfStock          = &Error{Code: CodeOutOfStock, Message: "product out of stock"}
	ErrProductNotFound     = &Error{Code: CodeProductNotFound, Message: "product not found"}
	ErrProvider            = &Error{Code: CodeProvider, Message: "payment provider error"}
	ErrAllProvidersFailed  = &Error{Code: CodeAllProvidersFailed, Message: "all payment providers failed"}
	ErrUnsupportedProvider = &Error{Code: CodeUnsupportedProvider, Message: "unsupported payment provider"}
	ErrUnsupportedStatus   = &Error{Code: CodeUnsupportedStatus, Message: "unsupported status"}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrConflict            = &Error{Code: CodeConflict, Message: "conflict"}
)

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation builds a validation error with per-field detail.
func Validation(fields map[string]string) *Error {
	return &Error{Code: CodeValidation, Message: "invalid request", Fields: fields}
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
