package tcb

import "sort"

// segment is one out-of-order fragment held until the hole before it
// closes.
type segment struct {
	seq  Seq
	data []byte
}

// end returns the sequence number one past this fragment's last octet.
func (s segment) end() Seq {
	return SeqAdd(s.seq, Size(len(s.data)))
}

// Reassembly holds TCP segments that arrived ahead of RCV.NXT (a hole
// still precedes them) until the hole is filled and they can be
// delivered to the receive buffer in order.
type Reassembly struct {
	segments []segment // kept sorted by seq, non-overlapping
}

// NewReassembly constructs an empty out-of-order buffer.
func NewReassembly() *Reassembly {
	return &Reassembly{}
}

// Insert records a segment that arrived starting at seq, ahead of the
// current RCV.NXT. Overlap with already-held fragments is trimmed away;
// a fragment wholly covered by an existing one is dropped.
func (r *Reassembly) Insert(seq Seq, data []byte) {
	if len(data) == 0 {
		return
	}
	newSeg := segment{seq: seq, data: data}

	i := sort.Search(len(r.segments), func(i int) bool {
		return !LessThan(r.segments[i].seq, newSeg.seq)
	})
	r.segments = append(r.segments, segment{})
	copy(r.segments[i+1:], r.segments[i:])
	r.segments[i] = newSeg

	r.coalesce()
}

// coalesce merges overlapping or adjacent fragments in place, keeping
// r.segments sorted and non-overlapping.
func (r *Reassembly) coalesce() {
	out := r.segments[:0]
	for _, s := range r.segments {
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		last := &out[len(out)-1]
		if LessThanEq(s.seq, last.end()) {
			if LessThan(last.end(), s.end()) {
				overlap := Sizeof(s.seq, last.end())
				last.data = append(last.data, s.data[overlap:]...)
			}
			continue
		}
		out = append(out, s)
	}
	r.segments = out
}

// Extract removes and returns the data that now contiguously follows
// rcvNxt, and the rcvNxt value that should follow the extracted data.
// It returns ok == false if no fragment starts exactly at rcvNxt.
func (r *Reassembly) Extract(rcvNxt Seq) (data []byte, newRcvNxt Seq, ok bool) {
	if len(r.segments) == 0 || r.segments[0].seq != rcvNxt {
		return nil, rcvNxt, false
	}
	s := r.segments[0]
	r.segments = r.segments[1:]
	return s.data, s.end(), true
}

// Empty reports whether any out-of-order data is held.
func (r *Reassembly) Empty() bool {
	return len(r.segments) == 0
}
