package ticket

import "errors"

var (
	// ErrNotFound indicates the ticket doesn't exist on the remote system.
	ErrNotFound = errors.New("ticket not found")
)
