// Package errors provides structured error handling with wire kind mapping.
package errors

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Action errors
	CodeActionNameEmpty      Code = "ACTION_NAME_EMPTY"
	CodeActionUnknown        Code = "ACTION_UNKNOWN"
	CodeActionPayloadInvalid Code = "ACTION_PAYLOAD_INVALID"
	CodeActionTargetMissing  Code = "ACTION_TARGET_MISSING"

	// Policy errors
	CodePolicyDenied Code = "POLICY_DENIED"

	// Ordering errors
	CodeSequenceStale Code = "SEQUENCE_STALE"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeStorageFailure  Code = "STORAGE_FAILURE"

	// Session errors
	CodeSessionDraining Code = "SESSION_DRAINING"
	CodeSessionClosed   Code = "SESSION_CLOSED"

	// Handler errors
	CodeInternalFault Code = "INTERNAL_FAULT"

	// Token errors
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"
)

// Wire error kinds carried by protocol error messages. Storage failures and
// handler faults share the internal kind on the wire; their distinct codes
// stay visible to logs and the audit trail.
const (
	KindUnauthorized = "unauthorized"
	KindValidation   = "validation"
	KindStale        = "stale"
	KindInternal     = "internal"
)

// Kind maps the error code to its wire-level error kind.
func (c Code) Kind() string {
	switch c {
	// unauthorized - identity or policy rejected the request
	case CodePolicyDenied,
		CodeTokenInvalid,
		CodeTokenExpired:
		return KindUnauthorized

	// validation - request is malformed or names a missing resource
	case CodeActionNameEmpty,
		CodeActionUnknown,
		CodeActionPayloadInvalid,
		CodeActionTargetMissing,
		CodeNotFound:
		return KindValidation

	// stale - sequence number at or below the processed floor
	case CodeSequenceStale:
		return KindStale

	default:
		return KindInternal
	}
}

// CodeOf returns the code of err if it is a domain error, else CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// KindOf maps any error to its wire-level kind. Unstructured errors are
// internal faults by definition.
func KindOf(err error) string {
	return CodeOf(err).Kind()
}
