package shared

import "errors"

var (
	// ErrLockHeld indicates another process holds the distributed lock.
	ErrLockHeld = errors.New("lock held by another process")
	// ErrMissingIdentity indicates the request carried no organization or actor.
	ErrMissingIdentity = errors.New("missing organization or actor identity")
)
