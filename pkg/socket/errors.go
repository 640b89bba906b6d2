// Package socket implements the synchronized listen/accept/read/write/
// close facade applications use, and the AppError taxonomy those calls
// return. It holds the single mutex/condition-variable pair spec.md's
// concurrency model describes: application threads block here while the
// worker thread (pkg/demux) does all protocol-state mutation.
package socket

import "github.com/pkg/errors"

// AppError sentinels returned to callers, per spec.md §7. Callers
// compare with errors.Is after unwrapping with errors.Cause if an error
// was wrapped further up the call chain.
var (
	ErrTimeout            = errors.New("socket: timeout")
	ErrConnectionReset    = errors.New("socket: connection reset by peer")
	ErrConnectionTimedOut = errors.New("socket: connection timed out")
	ErrClosed             = errors.New("socket: closed")
	ErrAddressInUse       = errors.New("socket: address already in use")
)
