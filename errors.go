// Package ftl is the public API for the OCSSD flash translation layer core.
package ftl

import (
	"errors"
	"fmt"
)

// Error represents a structured FTL error with context and completion-status mapping.
type Error struct {
	Op     string        // Operation that failed (e.g., "write_prep", "restore", "read")
	DevID  uint32        // Device ID (0 if not applicable)
	Band   int32         // Band ID (-1 if not applicable)
	Code   FTLErrorCode  // High-level error category
	Status int32         // Device completion status (0 if not applicable; negative on failure)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Band >= 0 {
		parts = append(parts, fmt.Sprintf("band=%d", e.Band))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ftl: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("ftl: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support comparing by error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// FTLErrorCode represents high-level error categories from spec.md §7's taxonomy.
type FTLErrorCode string

const (
	ErrCodeIOError           FTLErrorCode = "media I/O error"
	ErrCodeMediaFailure      FTLErrorCode = "media write/erase failure"
	ErrCodeInvalidMetadata   FTLErrorCode = "invalid or inconsistent on-media metadata"
	ErrCodeResourceExhausted FTLErrorCode = "resource exhausted"
	ErrCodeInvalidParameters FTLErrorCode = "invalid parameters"
	ErrCodeBandFailure       FTLErrorCode = "band write failure"
	ErrCodeNotSupported      FTLErrorCode = "operation not supported"
	ErrCodeTimeout           FTLErrorCode = "timeout"
)

// Sentinel errors for simple, non-contextual failure paths.
var (
	ErrInvalidParameters = &Error{Code: ErrCodeInvalidParameters, Msg: "invalid parameters", Band: -1}
	ErrResourceExhausted = &Error{Code: ErrCodeResourceExhausted, Msg: "resource exhausted", Band: -1}
	ErrNotSupported      = &Error{Code: ErrCodeNotSupported, Msg: "operation not supported", Band: -1}
)

// NewError creates a new structured error.
func NewError(op string, code FTLErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Band: -1}
}

// NewErrorWithStatus creates a new structured error carrying a device completion status.
func NewErrorWithStatus(op string, code FTLErrorCode, status int32) *Error {
	return &Error{Op: op, Code: code, Status: status, Msg: fmt.Sprintf("completion status %d", status), Band: -1}
}

// NewDeviceError creates a new device-scoped error.
func NewDeviceError(op string, devID uint32, code FTLErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Code: code, Msg: msg, Band: -1}
}

// NewBandError creates a new band-scoped error.
func NewBandError(op string, devID uint32, band uint32, code FTLErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Band: int32(band), Code: code, Msg: msg}
}

// WrapError wraps an existing error with FTL operation context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if fe, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			DevID:  fe.DevID,
			Band:   fe.Band,
			Code:   fe.Code,
			Status: fe.Status,
			Msg:    fe.Msg,
			Inner:  fe.Inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner, Band: -1}
}

// IsCode checks whether err matches a specific error code.
func IsCode(err error, code FTLErrorCode) bool {
	var ftlErr *Error
	if errors.As(err, &ftlErr) {
		return ftlErr.Code == code
	}
	return false
}
