package extension

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the subsystem.
var (
	// ErrNotInstalled indicates no record exists for the package id.
	ErrNotInstalled = errors.New("extension not installed")
	// ErrNotActive indicates the package has no loaded handle.
	ErrNotActive = errors.New("extension not active")
	// ErrUnavailable indicates a loaded extension failed at call time and
	// should be treated as temporarily unusable, not as a host fault.
	ErrUnavailable = errors.New("extension unavailable")
)

// ValidationKind classifies why a package failed validation.
type ValidationKind string

const (
	// MalformedPackage: the artifact is not a well-formed package.
	MalformedPackage ValidationKind = "malformed-package"
	// IncompatibleHost: the package requires a newer host version.
	IncompatibleHost ValidationKind = "incompatible-host"
	// UntrustedSource: integrity or signing policy was not satisfied.
	UntrustedSource ValidationKind = "untrusted-source"
)

// ValidationError is a terminal verdict on a package artifact. It is never
// retryable with the same artifact.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed (%s): %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if the error is a validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationKindOf extracts the validation kind from an error chain.
func ValidationKindOf(err error) (ValidationKind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

// NetworkError indicates a manifest fetch or download failure. Always
// retryable.
type NetworkError struct {
	Op         string // "fetch manifest", "download"
	URL        string
	StatusCode int // zero when the request never completed
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError returns true if the error is a network failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// LoadError indicates extension instantiation or a guest call failed.
// Retryable via a forced reload.
type LoadError struct {
	PackageID string
	Op        string // "compile", "instantiate", "call ext_search", ...
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("extension %s: %s failed: %v", e.PackageID, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError returns true if the error is a load failure.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// ChecksumError indicates a module digest did not match its manifest.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// IsChecksumError returns true if the error is a checksum verification failure.
func IsChecksumError(err error) bool {
	var ce *ChecksumError
	return errors.As(err, &ce)
}

// StorageError indicates the persistence layer failed. Fatal to the specific
// operation; always surfaced, never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError returns true if the error is a persistence failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Retryable reports whether retrying the failed operation with identical
// inputs can ever succeed. Validation verdicts and storage failures are not
// retryable; network and load failures are.
func Retryable(err error) bool {
	switch {
	case IsValidationError(err), IsStorageError(err):
		return false
	case IsNetworkError(err), IsLoadError(err):
		return true
	default:
		return false
	}
}
