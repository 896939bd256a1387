// Package kmerror provides the error codes and error type shared across the
// keymint core. It is a leaf package with no internal dependencies, mirroring
// the layering of the metadata errors package: kmerror <- everything else.
package kmerror

import "fmt"

// Code identifies the kind of failure a keymint operation encountered.
// Values mirror the Keymaster/KeyMint wire error taxonomy; zero is reserved
// for the non-error case and is never embedded in an *Error.
type Code int32

// OK indicates success. Handlers never construct an *Error with this code;
// it exists only so callers can compare a response's code field against
// kmerror.OK without a separate "is this nil" check.
const OK Code = 0

const (
	UnsupportedAlgorithm Code = 1000 + iota
	UnsupportedPurpose
	UnsupportedKeyFormat
	InvalidKeyBlob
	KeyRequiresUpgrade
	InvalidOperationHandle
	MemoryAllocationFailed
	EarlyBootEnded
	Unimplemented
	UnknownError
	InvalidArgument
	InvalidInputLength
	VerificationFailed
)

var names = map[Code]string{
	OK:                     "OK",
	UnsupportedAlgorithm:   "UNSUPPORTED_ALGORITHM",
	UnsupportedPurpose:     "UNSUPPORTED_PURPOSE",
	UnsupportedKeyFormat:   "UNSUPPORTED_KEY_FORMAT",
	InvalidKeyBlob:         "INVALID_KEY_BLOB",
	KeyRequiresUpgrade:     "KEY_REQUIRES_UPGRADE",
	InvalidOperationHandle: "INVALID_OPERATION_HANDLE",
	MemoryAllocationFailed: "MEMORY_ALLOCATION_FAILED",
	EarlyBootEnded:         "EARLY_BOOT_ENDED",
	Unimplemented:          "UNIMPLEMENTED",
	UnknownError:           "UNKNOWN_ERROR",
	InvalidArgument:        "INVALID_ARGUMENT",
	InvalidInputLength:     "INVALID_INPUT_LENGTH",
	VerificationFailed:     "VERIFICATION_FAILED",
}

// String returns the wire-style name for the code, e.g. "INVALID_KEY_BLOB".
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_CODE(%d)", int32(c))
}

// Error is the single error type returned across the keymint core. Every
// dispatcher handler, FSM method, and collaborator interface returns either
// nil or an *Error; there is no exception-style unwinding.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an *Error that carries an underlying cause for diagnostics,
// without leaking the cause's type across the interface boundary.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As interop.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err is a *Error with the same Code. This lets callers
// write `errors.Is(err, kmerror.New(kmerror.InvalidOperationHandle, ""))`
// or, more idiomatically, compare codes via kmerror.CodeOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err: nil maps to OK, and any non-nil error
// that isn't a *Error maps to UnknownError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return UnknownError
	}
	return e.Code
}
