// Package protocol defines the shared vocabulary of the xIRS exchange:
// packet types, station roles, urgency and priority levels, and the error
// taxonomy every component reports failures through.
//
// INVARIANTS:
// - Every protocol failure is a *Error carrying a Kind and a Code
// - Format and Integrity failures are retryable by re-scanning
// - Trust, Replay and Authorization failures are terminal for that message
package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the operator should react to it.
type Kind string

const (
	KindFormat        Kind = "FormatError"
	KindIntegrity     Kind = "IntegrityError"
	KindTrust         Kind = "TrustError"
	KindReplay        Kind = "ReplayError"
	KindCapacity      Kind = "CapacityError"
	KindAuthorization Kind = "AuthorizationError"
	KindState         Kind = "StateError"
)

// Code is the machine-readable reason of a failure.
type Code string

// Format codes
const (
	CodeUnknownFormat     Code = "UNKNOWN_FORMAT"
	CodeMalformedChunk    Code = "MALFORMED_CHUNK"
	CodeMalformedPayload  Code = "MALFORMED_PAYLOAD"
	CodeMissingField      Code = "MISSING_FIELD"
	CodeInvalidField      Code = "INVALID_FIELD"
	CodeUnknownPacketType Code = "UNKNOWN_PACKET_TYPE"
)

// Integrity codes
const (
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"
)

// Trust codes
const (
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeMACInvalid        Code = "MAC_INVALID"
	CodeUnknownSigner     Code = "UNKNOWN_SIGNER"
	CodeCertRevoked       Code = "CERT_REVOKED"
	CodeCertNotYetValid   Code = "CERT_NOT_YET_VALID"
	CodeCertExpired       Code = "CERT_EXPIRED"
	CodeCertIssuerInvalid Code = "CERT_ISSUER_INVALID"
	CodeDecryptFailed     Code = "DECRYPT_FAILED"
	CodeKeyInvalid        Code = "KEY_INVALID"
	CodeExpired           Code = "EXPIRED"
)

// Replay codes
const (
	CodeNonceMismatch Code = "NONCE_MISMATCH"
)

// Capacity codes
const (
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
)

// Authorization codes
const (
	CodeNotAuthorized       Code = "NOT_AUTHORIZED"
	CodeWitnessRequired     Code = "WITNESS_REQUIRED"
	CodeSupplyLimitExceeded Code = "SUPPLY_LIMIT_EXCEEDED"
)

// State codes
const (
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeAlreadyClaimed    Code = "ALREADY_CLAIMED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeSessionComplete   Code = "SESSION_COMPLETE"
	CodeInvalidReason     Code = "INVALID_REASON"
	CodeNotPaired         Code = "NOT_PAIRED"
)

// Error is a classified protocol failure. Field names the offending field
// or check when one applies, so operators are told exactly what failed.
type Error struct {
	Kind   Kind
	Code   Code
	Field  string
	Detail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Code)
	if e.Field != "" {
		msg += fmt.Sprintf(" [%s]", e.Field)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is a *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether re-scanning may resolve the failure.
func (e *Error) Retryable() bool {
	return e.Kind == KindFormat || e.Kind == KindIntegrity
}

// Terminal reports whether the failure must be audited as a security event.
func (e *Error) Terminal() bool {
	switch e.Kind {
	case KindTrust, KindReplay, KindAuthorization:
		return true
	}
	return false
}

// Newf builds a classified error.
func Newf(kind Kind, code Code, field string, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// FormatErr reports malformed input.
func FormatErr(code Code, field, detail string) *Error {
	return &Error{Kind: KindFormat, Code: code, Field: field, Detail: detail}
}

// TrustErr reports a failed authenticity or authority check.
func TrustErr(code Code, field, detail string) *Error {
	return &Error{Kind: KindTrust, Code: code, Field: field, Detail: detail}
}

// AuthzErr reports a valid signer lacking a required permission.
func AuthzErr(code Code, field, detail string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Field: field, Detail: detail}
}

// StateErr reports an invalid workflow sequencing.
func StateErr(code Code, field, detail string) *Error {
	return &Error{Kind: KindState, Code: code, Field: field, Detail: detail}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the protocol code of err, or "" when err is not classified.
func CodeOf(err error) Code {
	if pe, ok := AsError(err); ok {
		return pe.Code
	}
	return ""
}

// KindOf returns the protocol kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return ""
}
