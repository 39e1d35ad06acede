package llm

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindTimeout      ErrorKind = "timeout"
	KindRateLimited  ErrorKind = "rate_limited"
	KindServerError  ErrorKind = "server_error"
	KindAuth         ErrorKind = "auth_error"
	KindBadRequest   ErrorKind = "bad_request"
	KindNetwork      ErrorKind = "network_error"
	KindUnknown      ErrorKind = "unknown"
)

// ProviderError is the terminal failure of one Execute call.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d, attempts %d): %s", e.Kind, e.StatusCode, e.Attempts, msg)
	}
	return fmt.Sprintf("provider %s (attempts %d): %s", e.Kind, e.Attempts, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// KindOf classifies any error returned by this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var invalid *InvalidInputError
	if errors.As(err, &invalid) {
		return KindInvalidInput
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
