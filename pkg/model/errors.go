package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for scheduler operations. Every failure a caller can see
// wraps exactly one of these.
var (
	// ErrValidation indicates malformed or out-of-range input. It is always
	// reported before any state mutation.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates an unknown job, worker or account id.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an illegal state transition, a double report or
	// the losing side of a race.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientCredits indicates the buyer cannot cover a reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnauthorized indicates a missing or wrong admin credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrWorkerUnavailable is recorded on jobs whose requeue budget ran out.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrNoTask is the normal outcome of a poll with nothing to run. It is
	// not a failure; transports turn it into an empty answer.
	ErrNoTask = errors.New("no task available")
)

// OpError wraps a sentinel with the operation and entity it concerns.
type OpError struct {
	// Op is the operation that failed (e.g., "submit", "report").
	Op string

	// Entity is the record kind ("job", "worker", "account"), if any.
	Entity string

	// ID is the record id, if any.
	ID string

	// Detail is a human-readable explanation.
	Detail string

	// Err is the underlying sentinel.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	msg := e.Op
	if e.Entity != "" {
		msg += " " + e.Entity
		if e.ID != "" {
			msg += " " + e.ID
		}
	}
	msg += ": " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Errorf builds an OpError for an entity with a formatted detail.
func Errorf(sentinel error, op, entity, id, format string, args ...any) error {
	return &OpError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Detail: fmt.Sprintf(format, args...),
		Err:    sentinel,
	}
}

// Invalid reports a validation failure for op.
func Invalid(op, format string, args ...any) error {
	return &OpError{Op: op, Detail: fmt.Sprintf(format, args...), Err: ErrValidation}
}

// NotFound reports an unknown record.
func NotFound(op, entity, id string) error {
	return &OpError{Op: op, Entity: entity, ID: id, Err: ErrNotFound}
}

// IsValidation returns true if the error indicates rejected input.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound returns true if the error indicates an unknown record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true if the error indicates an illegal transition.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInsufficientCredits returns true if a reservation could not be covered.
func IsInsufficientCredits(err error) bool { return errors.Is(err, ErrInsufficientCredits) }

// IsUnauthorized returns true if the admin credential was rejected.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
