package providers

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	// KindTransport covers timeouts, network failures, 5xx and 429. Retryable.
	KindTransport ErrorKind = "transport"
	// KindRejected is a 4xx or an application-level refusal. Never retried.
	KindRejected ErrorKind = "rejected"
	KindDecode   ErrorKind = "decode"
)

type Error struct {
	Provider string
	Op       string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransport
}

func IsRejected(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindRejected
}

func Rejected(provider, op string, err error) error {
	return &Error{Provider: provider, Op: op, Kind: KindRejected, Err: err}
}

func DecodeError(provider, op string, err error) error {
	return &Error{Provider: provider, Op: op, Kind: KindDecode, Err: err}
}
