// Package integrity defines the closed error taxonomy shared by the ledger
// packages. Callers and audit consumers branch on Kind, never on message text.
package integrity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a ledger failure.
type Kind string

const (
	KindValidation              Kind = "VALIDATION"
	KindOrderViolation          Kind = "ORDER_VIOLATION"
	KindChainMismatch           Kind = "CHAIN_MISMATCH"
	KindLeafHashMismatch        Kind = "LEAF_HASH_MISMATCH"
	KindRecordHashMismatch      Kind = "RECORD_HASH_MISMATCH"
	KindRootHashMismatch        Kind = "ROOT_HASH_MISMATCH"
	KindNotFound                Kind = "NOT_FOUND"
	KindOperatorScopeMismatch   Kind = "OPERATOR_SCOPE_MISMATCH"
	KindOperatorMismatch        Kind = "OPERATOR_MISMATCH"
	KindFingerprintMismatch     Kind = "FINGERPRINT_MISMATCH"
	KindSigningAuthorityFailure Kind = "SIGNING_AUTHORITY_FAILURE"
	KindEmptyLedger             Kind = "EMPTY_LEDGER"
	KindOutOfRange              Kind = "OUT_OF_RANGE"
	KindNoSignedRoot            Kind = "NO_SIGNED_ROOT"
	KindSignatureInvalid        Kind = "SIGNATURE_INVALID"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrOrderViolation          = &Error{Kind: KindOrderViolation}
	ErrChainMismatch           = &Error{Kind: KindChainMismatch}
	ErrLeafHashMismatch        = &Error{Kind: KindLeafHashMismatch}
	ErrRecordHashMismatch      = &Error{Kind: KindRecordHashMismatch}
	ErrRootHashMismatch        = &Error{Kind: KindRootHashMismatch}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrOperatorScopeMismatch   = &Error{Kind: KindOperatorScopeMismatch}
	ErrOperatorMismatch        = &Error{Kind: KindOperatorMismatch}
	ErrFingerprintMismatch     = &Error{Kind: KindFingerprintMismatch}
	ErrSigningAuthorityFailure = &Error{Kind: KindSigningAuthorityFailure}
	ErrEmptyLedger             = &Error{Kind: KindEmptyLedger}
	ErrOutOfRange              = &Error{Kind: KindOutOfRange}
	ErrNoSignedRoot            = &Error{Kind: KindNoSignedRoot}
	ErrSignatureInvalid        = &Error{Kind: KindSignatureInvalid}
)

// Error is a classified ledger error. Expected/Actual carry hashes for
// forensic replay; they never carry key material.
type Error struct {
	Kind     Kind   `json:"kind"`
	Op       string `json:"op,omitempty"`
	Message  string `json:"message,omitempty"`
	Index    int    `json:"index,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
		b.WriteString(":")
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if e.Index > 0 {
		fmt.Fprintf(&b, " (index %d)", e.Index)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " expected=%s actual=%s", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Mismatch builds a tamper error carrying both hashes.
func Mismatch(kind Kind, op string, index int, expected, actual string) *Error {
	return &Error{Kind: kind, Op: op, Message: "hash mismatch", Index: index, Expected: expected, Actual: actual}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTamper reports whether err signals tampering or corruption.
func IsTamper(err error) bool {
	switch KindOf(err) {
	case KindChainMismatch, KindLeafHashMismatch, KindRecordHashMismatch, KindRootHashMismatch, KindSignatureInvalid:
		return true
	default:
		return false
	}
}
