package models

import (
	"errors"
	"fmt"
)

// ErrBackendUnavailable wraps every queue/lock backend failure. It is logged and
// triggers degraded store polling; it is never fatal.
var ErrBackendUnavailable = errors.New("queue backend unavailable")

// ErrUnknownProviderStatus is returned for delivery statuses outside the known vocabulary.
var ErrUnknownProviderStatus = errors.New("unknown provider status")

// ErrStatusConflict is returned by the store when a compare-and-set on status loses.
var ErrStatusConflict = errors.New("reminder status changed concurrently")

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidStateError reports an operation that the reminder's current status forbids.
type InvalidStateError struct {
	ID        string
	Status    Status
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s reminder %s in status %s", e.Operation, e.ID, e.Status)
}

func NewInvalidState(id string, status Status, op string) error {
	return &InvalidStateError{ID: id, Status: status, Operation: op}
}

// TransientDispatchError is a network or provider hiccup; the reminder is retried.
type TransientDispatchError struct {
	Channel string
	Err     error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// PermanentDispatchError is a bad destination or format; the reminder goes straight to FAILED.
type PermanentDispatchError struct {
	Channel string
	Err     error
}

func (e *PermanentDispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *PermanentDispatchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is a PermanentDispatchError.
func IsPermanent(err error) bool {
	var p *PermanentDispatchError
	return errors.As(err, &p)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
