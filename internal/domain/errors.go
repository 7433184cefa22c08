package domain

import "github.com/cockroachdb/errors"

var (
	ErrSeatsUnavailable  = errors.New("seats unavailable, please retry")
	ErrDuplicateBooking  = errors.New("user already has an active booking on this ride")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidState      = errors.New("invalid state")
	ErrTerminalState     = errors.New("ride is in a terminal state")
	ErrPaymentRequired   = errors.New("ride cannot start until at least one confirmed passenger has paid")
	ErrNotFound          = errors.New("not found")
	ErrTransientConflict = errors.New("serialization failure")
	ErrInvalidInput      = errors.New("invalid input")
)
