package scheduling

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrPastSlot          = errors.New("slot is in the past")
	ErrConflict          = errors.New("slot no longer available, please pick another")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("not authorized for this member")
)
