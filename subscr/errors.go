package subscr

import "errors"

var (
	// ErrClosed is returned by operations on a closed subscription handle.
	ErrClosed = errors.New("subscription closed")

	// ErrMessageTooLarge is returned when a notification does not fit the
	// configured per-message limit. The notification is dropped.
	ErrMessageTooLarge = errors.New("notification exceeds max message size")

	// ErrCorruptMessage is returned when a pending message block fails
	// bounds validation.
	ErrCorruptMessage = errors.New("corrupt pending message")
)

// Drop reasons used for counters and logs.
const (
	dropTooLarge  = "too_large"
	dropDestroyed = "destroyed"
	dropDiscarded = "discarded"
)
