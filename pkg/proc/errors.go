package proc

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of results surfaced to the protocol layer.
type ErrorCode int

const (
	// ErrNone means success.
	ErrNone ErrorCode = iota
	// ErrNotStopped means the operation requires a stopped inferior.
	ErrNotStopped
	// ErrMemoryAccess means the target address is unmapped or protected.
	ErrMemoryAccess
	// ErrUnknown is any other OS level failure.
	ErrUnknown
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrNotStopped:
		return "not stopped"
	case ErrMemoryAccess:
		return "memory access"
	case ErrUnknown:
		return "unknown"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// CommandError is returned by every operation of the inferior control
// layer that can fail.
type CommandError struct {
	Code ErrorCode
	Op   string // operation that failed
	Pid  int
	Addr uint64 // target address, only for memory operations
	Err  error  // underlying OS error, may be nil
}

func (e *CommandError) Error() string {
	s := fmt.Sprintf("%s: pid %d: %s", e.Op, e.Pid, e.Code)
	if e.Code == ErrMemoryAccess {
		s += fmt.Sprintf(" at %#x", e.Addr)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Code returns the error code carried by err. A nil error is ErrNone and
// errors that did not originate in this layer are ErrUnknown.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ErrUnknown
}

var (
	// ErrNoChildren is returned by Wait when there is nothing left to wait
	// for. It is the normal terminal condition of an event loop.
	ErrNoChildren = errors.New("no children left to wait for")

	// ErrInferiorUnreachable is returned by setup when the memory channel
	// or the initial register state cannot be obtained. The handle cannot
	// be used afterwards.
	ErrInferiorUnreachable = errors.New("inferior unreachable")

	// ErrBreakpointNotFound is returned when removing an unknown breakpoint id.
	ErrBreakpointNotFound = errors.New("no such breakpoint")

	// ErrHandleClosed is returned by operations on a detached handle.
	ErrHandleClosed = errors.New("inferior handle closed")
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
