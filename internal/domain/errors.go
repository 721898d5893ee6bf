package domain

import "errors"

var (
	// ErrInvalidInput is returned for malformed patterns, windows, definitions
	// and unknown type tags.
	ErrInvalidInput = errors.New("invalid input")

	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")

	// ErrDeleteNotAllowed is returned when a trigger still has registered operations.
	ErrDeleteNotAllowed = errors.New("delete not allowed")

	// ErrTriggerInvalid is returned when registering on a trigger whose
	// schedule has no further fire times.
	ErrTriggerInvalid = errors.New("trigger is invalid")

	// ErrStateTransitionDenied is returned by stores when an update would move
	// an operation out of the terminal deleted state.
	ErrStateTransitionDenied = errors.New("state transition denied: operation already deleted")
)
