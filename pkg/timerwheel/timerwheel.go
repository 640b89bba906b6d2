// Package timerwheel implements the timer scheduler: an ordered map from
// (expires_at, quad, seq) to a data-only timer entry, so the
// demultiplexer can compute a single bounded wait and drain everything
// due in one pass. Entries carry no callbacks — the owning TCB's state
// is inferred by the caller, per spec.md §9's note on sidestepping
// stored-closure comparison.
package timerwheel

import (
	"time"

	"github.com/google/btree"

	"github.com/sappChak/mini-rfc793/pkg/quad"
)

const treeDegree = 8

// Kind distinguishes what a timer entry's expiry means to the caller.
type Kind int

const (
	KindRetransmit Kind = iota
	KindTimeWait
	KindZeroWindowProbe
)

// Entry is one scheduled deadline: at ExpiresAt, the owner should act on
// (Quad, Seq) per Kind. Seq disambiguates multiple outstanding
// retransmission entries for the same connection.
type Entry struct {
	ExpiresAt time.Time
	Quad      quad.Quad
	Seq       uint32
	Kind      Kind
}

// Less orders entries by (ExpiresAt, Quad, Seq, Kind) so the earliest
// deadline is always the tree's minimum, and distinct entries with an
// identical deadline remain distinguishable.
func (e *Entry) Less(than btree.Item) bool {
	o := than.(*Entry)
	if !e.ExpiresAt.Equal(o.ExpiresAt) {
		return e.ExpiresAt.Before(o.ExpiresAt)
	}
	if e.Quad != o.Quad {
		return quadLess(e.Quad, o.Quad)
	}
	if e.Seq != o.Seq {
		return e.Seq < o.Seq
	}
	return e.Kind < o.Kind
}

func quadLess(a, b quad.Quad) bool {
	if a.LocalPort != b.LocalPort {
		return a.LocalPort < b.LocalPort
	}
	if a.RemotePort != b.RemotePort {
		return a.RemotePort < b.RemotePort
	}
	return a.String() < b.String()
}

// Wheel is the ordered timer map.
type Wheel struct {
	tree *btree.BTree
}

// New constructs an empty timer wheel.
func New() *Wheel {
	return &Wheel{tree: btree.New(treeDegree)}
}

// Schedule inserts a new deadline.
func (w *Wheel) Schedule(e *Entry) {
	w.tree.ReplaceOrInsert(e)
}

// Cancel removes a previously scheduled deadline, if still present.
func (w *Wheel) Cancel(e *Entry) {
	w.tree.Delete(e)
}

// NextDeadline returns the earliest scheduled expiry and true, or the
// zero time and false if the wheel is empty — the demultiplexer uses
// this as its bounded-wait deadline for the TUN read.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	item := w.tree.Min()
	if item == nil {
		return time.Time{}, false
	}
	return item.(*Entry).ExpiresAt, true
}

// DrainExpired removes and returns every entry whose deadline is at or
// before now, in deadline order.
func (w *Wheel) DrainExpired(now time.Time) []*Entry {
	var due []*Entry
	w.tree.Ascend(func(i btree.Item) bool {
		e := i.(*Entry)
		if e.ExpiresAt.After(now) {
			return false
		}
		due = append(due, e)
		return true
	})
	for _, e := range due {
		w.tree.Delete(e)
	}
	return due
}

// Len reports how many deadlines are currently scheduled.
func (w *Wheel) Len() int {
	return w.tree.Len()
}
