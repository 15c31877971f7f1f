package capstan

import (
	"encoding/json"
	"errors"
)

// Errors surfaced through the API fall into a small number of categories,
// distinguished essentially by what the caller can do about them: wait and
// retry, fix the request, or go get a human.

type BaseError struct {
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error, for logs
	Err error `json:"-"`
}

func (e *BaseError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Help
}

func (e *BaseError) Unwrap() error { return e.Err }

func (e *BaseError) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	return json.Marshal(&struct {
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{Help: e.Help, Err: errMsg})
}

// ConflictError: the target already has an active deployment. The caller
// must wait for it to finish, or inspect it.
type ConflictError struct{ *BaseError }

// NotFoundError: the artifact, service, environment or deployment named in
// the request doesn't exist. Not retried.
type NotFoundError struct{ *BaseError }

// InvalidStateError: the operation is not valid for the deployment's
// current state, e.g. approving a deployment that isn't awaiting approval.
type InvalidStateError struct{ *BaseError }

// RenderValidationError: the environment configuration does not produce a
// valid spec. Fails the deployment without touching the target.
type RenderValidationError struct{ *BaseError }

// SnapshotError: the target could not be snapshotted. Fatal before any
// apply; the target is never mutated without a restorable checkpoint.
type SnapshotError struct{ *BaseError }

func NewConflictError(err error, help string) *ConflictError {
	return &ConflictError{&BaseError{Help: help, Err: err}}
}

func NewNotFoundError(err error, help string) *NotFoundError {
	return &NotFoundError{&BaseError{Help: help, Err: err}}
}

func NewInvalidStateError(err error, help string) *InvalidStateError {
	return &InvalidStateError{&BaseError{Help: help, Err: err}}
}

func NewRenderValidationError(err error) *RenderValidationError {
	return &RenderValidationError{&BaseError{
		Help: "The environment configuration did not render to a valid spec; fix the configuration and promote again.",
		Err:  err,
	}}
}

func NewSnapshotError(err error) *SnapshotError {
	return &SnapshotError{&BaseError{
		Help: "The target environment could not be snapshotted, so nothing was applied. Check that the environment is reachable.",
		Err:  err,
	}}
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsRenderValidation(err error) bool {
	var e *RenderValidationError
	return errors.As(err, &e)
}
