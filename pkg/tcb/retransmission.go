package tcb

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// retransmitDegree is the B-tree branching factor; retransmission
// queues are small (bounded by the send window), so the same degree
// pkg/timerwheel uses for its timer tree is fine here too.
const retransmitDegree = 8

// RetransmitEntry is one unacknowledged segment awaiting either an ACK
// or its retransmission deadline. Entries are ordered by Seq so the
// lowest still-unacked sequence number — the next retransmission
// candidate — is always the B-tree minimum.
type RetransmitEntry struct {
	Seq          Seq
	Data         []byte
	Flags        uint8
	SentAt       time.Time
	RTO          time.Duration
	Retransmits  int  // count of retransmissions so far, for backoff
	WasRetransed bool // Karn's rule: exclude from RTT sampling once retransmitted
}

func (e *RetransmitEntry) Less(than btree.Item) bool {
	return LessThan(e.Seq, than.(*RetransmitEntry).Seq)
}

// End returns the sequence number one past this entry's last octet,
// counting one extra sequence number when SYN or FIN is set (a segment
// carrying both is counted once).
func (e *RetransmitEntry) End() Seq {
	n := Size(len(e.Data))
	if e.Flags&flagSYNorFIN() != 0 {
		n++
	}
	return SeqAdd(e.Seq, n)
}

// flagSYNorFIN returns the wire.FlagSYN|wire.FlagFIN bit pattern as a
// literal, so this package does not import pkg/wire.
func flagSYNorFIN() uint8 { return 0x02 | 0x01 }

// RetransmitQueue is the per-connection retransmission queue: every
// segment sent but not yet fully ACKed, ordered by sequence number.
type RetransmitQueue struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewRetransmitQueue constructs an empty retransmission queue.
func NewRetransmitQueue() *RetransmitQueue {
	return &RetransmitQueue{tree: btree.New(retransmitDegree)}
}

// Add records a newly sent segment.
func (q *RetransmitQueue) Add(seq Seq, data []byte, flags uint8, rto time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.ReplaceOrInsert(&RetransmitEntry{
		Seq:    seq,
		Data:   data,
		Flags:  flags,
		SentAt: time.Now(),
		RTO:    rto,
	})
}

// RemoveAcked deletes every entry fully covered by a cumulative ACK
// through ackNum (exclusive), returning as an RTT sample the time since
// the highest-sequence such entry was sent, if any entry qualified
// under Karn's rule (never retransmitted).
func (q *RetransmitQueue) RemoveAcked(ackNum Seq) (sample time.Duration, sampled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var toDelete []*RetransmitEntry
	q.tree.Ascend(func(i btree.Item) bool {
		e := i.(*RetransmitEntry)
		if LessThanEq(e.End(), ackNum) {
			toDelete = append(toDelete, e)
			return true
		}
		return false
	})
	for _, e := range toDelete {
		q.tree.Delete(e)
		if !e.WasRetransed {
			sample = time.Since(e.SentAt)
			sampled = true
		}
	}
	return sample, sampled
}

// Earliest returns the lowest-sequence still-unacked entry, i.e. the
// next retransmission candidate, or nil if the queue is empty.
func (q *RetransmitQueue) Earliest() *RetransmitEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.tree.Min()
	if item == nil {
		return nil
	}
	return item.(*RetransmitEntry)
}

// Expired returns every entry whose retransmission deadline has passed
// as of now, marking them retransmitted (Karn's rule) and bumping RTO
// by exponential backoff.
func (q *RetransmitQueue) Expired(now time.Time) []*RetransmitEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*RetransmitEntry
	q.tree.Ascend(func(i btree.Item) bool {
		e := i.(*RetransmitEntry)
		if now.Sub(e.SentAt) >= e.RTO {
			due = append(due, e)
		}
		return true
	})
	for _, e := range due {
		e.WasRetransed = true
		e.Retransmits++
		e.SentAt = now
		e.RTO *= 2
		if e.RTO > maxRTO {
			e.RTO = maxRTO
		}
	}
	return due
}

// Empty reports whether every sent segment has been acknowledged.
func (q *RetransmitQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len() == 0
}
