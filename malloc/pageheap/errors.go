package pageheap

import "errors"

var (
	// ErrNoMemory indicates the OS refused to grow the heap.
	ErrNoMemory = errors.New("pageheap: out of memory")

	// ErrLimitExceeded indicates the configured hard heap limit blocked a
	// grow attempt.
	ErrLimitExceeded = errors.New("pageheap: heap hard limit exceeded")
)
