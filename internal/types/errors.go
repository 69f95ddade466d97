package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
//
// Every subsystem surfaces failures as one of these kinds so callers (and an
// eventual transport layer) can map them without string matching. Sentinel
// errors wrap a Kind; match with errors.Is on the sentinel or errors.As on
// *KindError.

// ErrorKind classifies a failure.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindNotAuthorized
	KindNotFound
	KindConflict
	KindSupply
	KindIntegrity
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotAuthorized:
		return "not_authorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindSupply:
		return "supply"
	case KindIntegrity:
		return "integrity"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// KindError carries a kind plus a human-readable code and message.
type KindError struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *KindError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError builds a KindError with a formatted message.
func NewError(kind ErrorKind, code, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or KindTransient for unclassified errors.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindTransient
}

// Shared sentinels. Subsystem-specific codes wrap these so errors.Is works
// across package boundaries.
var (
	ErrNotFound           = errors.New("not found")
	ErrFrozen             = errors.New("runtime updates frozen")
	ErrNotEnoughQuestions = errors.New("NOT_ENOUGH_QUESTIONS")
	ErrApprovalRequired   = errors.New("APPROVAL_REQUIRED")
	ErrInvalidConfirm     = errors.New("INVALID_CONFIRMATION")
	ErrSessionClosed      = errors.New("session is not active")
	ErrDuplicatePending   = errors.New("pending approval already exists for action type")
	ErrSelfApproval       = errors.New("approver must differ from requester")
)

var sentinelKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrNotFound, KindNotFound},
	{ErrFrozen, KindNotAuthorized},
	{ErrNotEnoughQuestions, KindSupply},
	{ErrApprovalRequired, KindNotAuthorized},
	{ErrInvalidConfirm, KindValidation},
	{ErrSessionClosed, KindValidation},
	{ErrDuplicatePending, KindConflict},
	{ErrSelfApproval, KindNotAuthorized},
}
