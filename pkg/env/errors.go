package env

import "errors"

var (
	// ErrNotExist is returned by KVStore.Read when the path has no document.
	ErrNotExist = errors.New("env: path does not exist")

	// ErrLockLost is returned by LockHandle.Refresh when the lease expired
	// before it could be renewed (§4.1).
	ErrLockLost = errors.New("env: lock lost")

	// ErrNotQuorate is returned by callers that check Quorate() themselves
	// before attempting a write that requires it.
	ErrNotQuorate = errors.New("env: not quorate")

	// ErrLockHeld is returned by Acquire when the lock is held by another
	// owner and has not yet expired.
	ErrLockHeld = errors.New("env: lock held by another owner")
)
