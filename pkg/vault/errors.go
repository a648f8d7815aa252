package vault

import "errors"

// VaultError represents a domain error from vault operations.
//
// These are the structured failures the control-plane adapter reports to the
// front-end, as opposed to raw infrastructure errors. The Code classifies
// the failure; Path, when set, names the file or folder involved.
//
// Error messages never contain key material, passwords or plaintext file
// contents.
type VaultError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string

	// Err is the wrapped cause (if any)
	Err error
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause for errors.Is / errors.As chains.
func (e *VaultError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a vault error.
type ErrorCode int

const (
	// ErrAuthFailure indicates a wrong master key or an envelope whose
	// authentication tag did not verify. No partial output survives an
	// operation that fails this way.
	ErrAuthFailure ErrorCode = iota

	// ErrCorruption indicates the vault manifest and its on-disk storage
	// disagree: a folder manifest is missing, ciphertext is absent, or a
	// manifest carries an unknown schema version.
	ErrCorruption

	// ErrIO indicates a host filesystem error. Propagated with path
	// context; in-progress state transitions roll back.
	ErrIO

	// ErrPrecondition indicates a caller-side mistake: nonexistent source,
	// folder already locked, wrong unlock mode. Returned without side
	// effects.
	ErrPrecondition

	// ErrInternal indicates an invariant violation caught at runtime. The
	// operation is refused; the daemon logs a redacted diagnostic.
	ErrInternal
)

// String returns the taxonomy name for the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrAuthFailure:
		return "auth_failure"
	case ErrCorruption:
		return "corruption"
	case ErrIO:
		return "io_error"
	case ErrPrecondition:
		return "precondition"
	case ErrInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// newError builds a VaultError without path context.
func newError(code ErrorCode, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// pathError builds a VaultError carrying path context and an optional cause.
func pathError(code ErrorCode, message, path string, err error) *VaultError {
	return &VaultError{Code: code, Message: message, Path: path, Err: err}
}

// CodeOf extracts the taxonomy code from err, or ErrInternal if err is not a
// VaultError.
func CodeOf(err error) ErrorCode {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ErrInternal
}

// IsCode reports whether err is a VaultError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ve *VaultError
	return errors.As(err, &ve) && ve.Code == code
}
