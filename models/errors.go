package models

import "errors"

// Error kinds shared by the server and its clients.
var (
	// ErrUnauthenticated means the credential was missing or invalid. The call
	// is not retried until the next scheduled cycle.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrTransient covers store and network faults.
	ErrTransient = errors.New("transient failure")
)
