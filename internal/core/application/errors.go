package application

import (
	"errors"
	"fmt"
)

var (
	ErrMethodNotFound        = errors.New("method not found")
	ErrMalformedBackendReply = errors.New("malformed backend reply")
	ErrServiceStopped        = errors.New("service is stopped")
)

// BadRequestError is returned when the params of a method call do not
// satisfy the request schema or cannot be parsed.
type BadRequestError struct {
	Method  string
	Message string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request for %s: %s", e.Method, e.Message)
}

// InternalSchemaError is returned when the result of a method does not
// satisfy its own response schema.
type InternalSchemaError struct {
	Method  string
	Message string
}

func (e *InternalSchemaError) Error() string {
	return fmt.Sprintf(
		"result of %s violates response schema: %s", e.Method, e.Message,
	)
}

func badRequest(method string, format string, a ...interface{}) error {
	return &BadRequestError{method, fmt.Sprintf(format, a...)}
}

func malformedReply(method string, err error) error {
	return fmt.Errorf("%w for %s: %s", ErrMalformedBackendReply, method, err)
}
