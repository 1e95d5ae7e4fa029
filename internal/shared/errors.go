package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("conflict")
	// ErrIdentityTaken indicates the submitted identity value is already
	// held by another member.
	ErrIdentityTaken = errors.New("identity value already taken")
)
