package tcb

import "github.com/pkg/errors"

// ErrReset and ErrTimedOut are the two non-graceful ways a TCB reaches
// Closed; pkg/socket maps them onto the ConnectionReset/ConnectionTimedOut
// AppError pair so a blocked Read/Write sees why, not just that the
// connection is gone.
var (
	ErrReset    = errors.New("tcb: connection reset by peer")
	ErrTimedOut = errors.New("tcb: connection timed out after max retransmissions")
)
