package tcb

import (
	"time"

	"github.com/soypat/seqs"
)

// Seq and Size are this package's sequence-number arithmetic types,
// aliased directly onto github.com/soypat/seqs so every comparison
// (LessThan, InWindow, Add) goes through its modulo-2**32 implementation
// rather than a hand-rolled one.
type (
	Seq  = seqs.Value
	Size = seqs.Size
)

// LessThan, LessThanEq, and InWindow are re-exported for callers in this
// package and in pkg/segment that only need sequence comparisons, not a
// full seqs.ControlBlock.
var (
	LessThan   = seqs.LessThan
	LessThanEq = seqs.LessThanEq
	InWindow   = seqs.InWindow
	SeqAdd     = seqs.Add
	Sizeof     = seqs.Sizeof
)

// NewISS derives an initial send sequence number from the wall clock,
// per RFC 9293's suggested algorithm.
func NewISS() Seq {
	return seqs.DefaultNewISS(time.Now())
}
