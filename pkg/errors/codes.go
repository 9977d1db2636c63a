package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in hitchgate.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Lifecycle
	ErrCodeBindFailed ErrorCode = 2001

	// Upstreams
	ErrCodeUpstreamLaunch      ErrorCode = 3001
	ErrCodeUpstreamCrashed     ErrorCode = 3002
	ErrCodeMaxRestartsExceeded ErrorCode = 3003

	// Request path
	ErrCodeProxyTimeout           ErrorCode = 4001
	ErrCodeProxyConnectionRefused ErrorCode = 4002
	ErrCodeAssetNotFound          ErrorCode = 4003

	ErrCodeControlProtocol ErrorCode = 5001
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:                "Unknown",
	ErrCodeConfigInvalid:          "ConfigInvalid",
	ErrCodeBindFailed:             "BindError",
	ErrCodeUpstreamLaunch:         "UpstreamLaunchError",
	ErrCodeUpstreamCrashed:        "UpstreamCrashed",
	ErrCodeMaxRestartsExceeded:    "MaxRestartsExceeded",
	ErrCodeProxyTimeout:           "ProxyTimeout",
	ErrCodeProxyConnectionRefused: "ProxyConnectionRefused",
	ErrCodeAssetNotFound:          "AssetNotFound",
	ErrCodeControlProtocol:        "ControlProtocol",
}

// String returns the taxonomy name of the code, e.g. "BindError".
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Fatal reports whether an error with this code must terminate the whole process.
// Everything else is contained and reported.
func (c ErrorCode) Fatal() bool {
	return c == ErrCodeBindFailed || c == ErrCodeMaxRestartsExceeded
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrConfigInvalid          = &GateError{Code: ErrCodeConfigInvalid}
	ErrBind                   = &GateError{Code: ErrCodeBindFailed}
	ErrUpstreamLaunch         = &GateError{Code: ErrCodeUpstreamLaunch}
	ErrUpstreamCrashed        = &GateError{Code: ErrCodeUpstreamCrashed}
	ErrMaxRestartsExceeded    = &GateError{Code: ErrCodeMaxRestartsExceeded}
	ErrProxyTimeout           = &GateError{Code: ErrCodeProxyTimeout}
	ErrProxyConnectionRefused = &GateError{Code: ErrCodeProxyConnectionRefused}
	ErrAssetNotFound          = &GateError{Code: ErrCodeAssetNotFound}
	ErrControlProtocol        = &GateError{Code: ErrCodeControlProtocol}
)

// GateError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type GateError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *GateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *GateError) Unwrap() error {
	return e.Err
}

// Is matches any GateError carrying the same code, so the package sentinels
// work with errors.Is regardless of message or cause.
func (e *GateError) Is(target error) bool {
	t, ok := target.(*GateError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new GateError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &GateError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf extracts the code of the first GateError in err's chain.
func CodeOf(err error) ErrorCode {
	var ge *GateError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ErrCodeUnknown
}

// Personal.AI order the ending
