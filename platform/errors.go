package platform

import "errors"

// Error is the error type returned by Platform implementations. Transient
// errors (network blips, platform briefly unavailable) may be retried;
// permanent errors (a spec the platform rejects) may not.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable platform error.
func TransientError(err error) *Error {
	return &Error{Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable platform error.
func PermanentError(err error) *Error {
	return &Error{Transient: false, Err: err}
}

// IsTransient reports whether err is a platform error worth retrying.
// Unknown errors are treated as permanent: retrying an apply whose failure
// mode we don't understand is how partial rollouts compound.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}
