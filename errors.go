package memdb

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when maintenance is running.
	ErrAlreadyStarted = errors.New("memdb: already started")

	// ErrClosed is returned by Start after Stop has released the store.
	ErrClosed = errors.New("memdb: closed")
)
