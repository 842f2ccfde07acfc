package errutil

import "fmt"

// Code is a machine-readable failure reason.
type Code string

const (
	CodeUnauthorized      Code = "unauthorized"
	CodeNotFound          Code = "not_found"
	CodeInvalidRecord     Code = "invalid_record"
	CodeRemoteUnavailable Code = "remote_unavailable"
	CodeTimeout           Code = "timeout"
	CodeInternal          Code = "internal"
)

// BaseError carries a machine-readable code alongside a human-readable
// message. Remote profile-service failures surface as BaseError so callers
// can branch on the reason without parsing message text.
type BaseError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) Unwrap() error {
	return e.Err
}

type Option func(*BaseError)

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code Code, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

// CodeOf extracts the failure code from err, or CodeInternal when err is
// not a BaseError.
func CodeOf(err error) Code {
	if be, ok := err.(BaseError); ok {
		return be.Code
	}
	return CodeInternal
}
