// Package ocmterr defines the machine-readable error taxonomy shared by the
// vault, session manager, capability engine, and relay stores. Every
// internal failure that crosses a package boundary carries one of these
// codes so that callers never have to pattern-match on error strings.
package ocmterr

import "errors"

// Code is a stable, machine-readable error classification.
type Code string

const (
	// Configuration
	CodeNotInitialized     Code = "NotInitialized"
	CodeAlreadyInitialized Code = "AlreadyInitialized"

	// Authentication
	CodeInvalidPassword Code = "InvalidPassword"
	CodeRateLimited     Code = "RateLimited"
	CodeLocked          Code = "Locked"

	// Validation
	CodeInvalidPayload Code = "InvalidPayload"
	CodeMalformedToken Code = "MalformedToken"
	CodeWeakPassword   Code = "WeakPassword"

	// Authorization
	CodeScopeViolation  Code = "ScopeViolation"
	CodeSubjectMismatch Code = "SubjectMismatch"
	CodeRevoked         Code = "Revoked"

	// Liveness
	CodeExpired             Code = "Expired"
	CodeNoSnapshotAvailable Code = "NoSnapshotAvailable"
	CodeIssuerOffline       Code = "IssuerOffline"

	// Transport
	CodeRelayUnreachable Code = "RelayUnreachable"
	CodeUnlockTimeout    Code = "UnlockTimeout"
	CodeNetworkError     Code = "NetworkError"

	// Integrity
	CodeBadSignature Code = "BadSignature"
	CodeAEADFailure  Code = "AEADFailure"
)

// retriable marks the codes that §7 allows an internal retry policy to act
// on; everything else must be surfaced on first occurrence.
var retriable = map[Code]bool{
	CodeNetworkError:     true,
	CodeRelayUnreachable: true,
}

// Error is the concrete type carried across package boundaries. It wraps an
// optional cause without exposing it in Error() — callers that need the
// cause use errors.Unwrap.
type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.message == "" {
		return string(e.code)
	}
	return string(e.code) + ": " + e.message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code { return e.code }

// Retriable reports whether the caller's transient-failure retry policy
// (§4.4/§7: 100ms, 400ms, 1.6s) applies to this error.
func (e *Error) Retriable() bool { return retriable[e.code] }

// Is lets errors.Is(err, ocmterr.New(CodeLocked, "")) match by code alone,
// so call sites can compare against a code without caring about the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.code == e.code
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err does not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// Is reports whether err ultimately carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
