package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Connection lifecycle errors.
	ErrNotConnected      = fmt.Errorf("not connected")
	ErrConnectionLost    = fmt.Errorf("connection lost")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrHandshakeRejected = fmt.Errorf("handshake rejected")
	ErrMalformedMessage  = fmt.Errorf("malformed message")

	// General-purpose errors.
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrNotFound     = fmt.Errorf("not found")
	ErrUnavailable  = fmt.Errorf("unavailable")

	// Configuration errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDecryption = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Call")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeHandshakeRejected ErrorCode = "HANDSHAKE_REJECTED"
	CodeMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:      CodeNotConnected,
	ErrConnectionLost:    CodeConnectionLost,
	ErrTimeout:           CodeTimeout,
	ErrHandshakeRejected: CodeHandshakeRejected,
	ErrMalformedMessage:  CodeMalformedMessage,
	ErrInvalidInput:      CodeInvalidInput,
	ErrNotFound:          CodeNotFound,
	ErrUnavailable:       CodeUnavailable,
	ErrConfigLoad:        CodeConfigLoad,
	ErrEncryption:        CodeEncryption,
	ErrDecryption:        CodeDecryption,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
