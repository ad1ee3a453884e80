package malloc

import "errors"

var (
	// ErrOutOfMemory indicates the OS refused to provide more memory.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrLimitExceeded indicates the heap-size hard limit blocked the
	// allocation.
	ErrLimitExceeded = errors.New("malloc: heap hard limit exceeded")

	// ErrInvalidPointer indicates a free of a pointer the allocator does
	// not own. Free panics with this; the caller is buggy.
	ErrInvalidPointer = errors.New("malloc: pointer not owned by allocator")
)
