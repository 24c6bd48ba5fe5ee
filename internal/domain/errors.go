package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrConflictOrphan    = errors.New("attachment orphaned")
	// ErrStaleRecord is returned by a conditional record write whose row moved on.
	ErrStaleRecord = errors.New("record changed concurrently")
)

// ValidationError is a caller-fixable input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// MissingEvidence is returned when a transition into PendingFinalReview lacks the approved attachment.
func MissingEvidence() *ValidationError {
	return &ValidationError{
		Field:   "evidence",
		Message: "approved attachment is required to move a record to " + string(StatusPendingFinalReview),
	}
}

// TransitionError reports a role/state mismatch. Stale marks a transition
// that lost a race with another writer.
type TransitionError struct {
	Actor Role
	From  Status
	To    Status
	Stale bool
}

func (e *TransitionError) Error() string {
	if e.Stale {
		return fmt.Sprintf("record left %s before the move to %s was stored; reload and retry", e.From, e.To)
	}
	if e.From == e.To {
		return fmt.Sprintf("record is already %s", e.To)
	}
	return fmt.Sprintf("role %s cannot move a record from %s to %s", e.Actor, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AuthReason names why a session is not usable.
type AuthReason string

const (
	ReasonNoSession      AuthReason = "no_session"
	ReasonNotProvisioned AuthReason = "not_provisioned"
	ReasonNotActivated   AuthReason = "not_activated"
	ReasonNoRoleAssigned AuthReason = "no_role_assigned"
	ReasonForbidden      AuthReason = "forbidden"
	ReasonBadCredentials AuthReason = "bad_credentials"
)

// AuthError requires the caller to re-authenticate or ask an administrator.
type AuthError struct {
	Reason  AuthReason
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Reason {
	case ReasonNoSession:
		return "authentication required"
	case ReasonNotProvisioned:
		return "user profile not found; contact an administrator"
	case ReasonNotActivated:
		return "your account is not active; contact an administrator"
	case ReasonNoRoleAssigned:
		return "your account has not been assigned a role; contact an administrator"
	case ReasonBadCredentials:
		return "invalid email or password"
	default:
		return "not authorized"
	}
}

func (e *AuthError) Unwrap() error { return ErrNotAuthorized }

// Forbidden builds an AuthError for an authenticated actor lacking a role.
func Forbidden(format string, args ...any) error {
	return &AuthError{Reason: ReasonForbidden, Message: fmt.Sprintf(format, args...)}
}

// StoreError wraps a collaborator failure. Kind is ErrStoreUnavailable or ErrSchemaMismatch.
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{e.Kind, e.Err} }

// OrphanError records attachment paths left behind by a delete.
type OrphanError struct {
	RecordID int64
	Paths    []string
	Err      error
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("record %d: attachments %v not removed: %v", e.RecordID, e.Paths, e.Err)
}

func (e *OrphanError) Unwrap() []error { return []error{ErrConflictOrphan, e.Err} }

// IsInfrastructure reports whether err is an operator-facing collaborator failure.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrSchemaMismatch)
}
