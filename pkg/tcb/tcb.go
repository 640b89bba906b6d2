package tcb

import (
	"github.com/smallnest/ringbuffer"

	"github.com/sappChak/mini-rfc793/pkg/quad"
)

// DefaultBufferSize is the send/receive buffer capacity for a new
// connection, in bytes.
const DefaultBufferSize = 64 * 1024

// SendSpace is the send sequence space (RFC 9293 §3.3.1, figure 4):
// ISS, UNA, NXT, and the window the remote peer has most recently
// advertised.
type SendSpace struct {
	ISS Seq  // initial send sequence number
	UNA Seq  // oldest unacknowledged octet
	NXT Seq  // next octet to send
	WND Size // peer-advertised window
	WL1 Seq  // seg.seq of the segment that last updated WND
	WL2 Seq  // seg.ack of the segment that last updated WND
}

// RecvSpace is the receive sequence space (RFC 9293 §3.3.1, figure 5):
// IRS and NXT. The receive window is never stored directly — it is
// always recomputed from the receive buffer's free capacity, so it can
// never drift from the buffer's actual occupancy.
type RecvSpace struct {
	IRS Seq // initial receive sequence number, from the peer's SYN
	NXT Seq // next octet expected from the peer
}

// TCB is one connection's Transmission Control Block: sequence spaces,
// state, and the buffers and queues that back Read/Write.
type TCB struct {
	Quad  quad.Quad
	State State

	Snd SendSpace
	Rcv RecvSpace

	SendBuf *ringbuffer.RingBuffer // application bytes written but not yet sent; in-flight bytes are held by Retransmit
	RecvBuf *ringbuffer.RingBuffer // bytes ACKed to the peer, awaiting Read

	Reassembly *Reassembly // out-of-order segments received ahead of Rcv.NXT

	Retransmit *RetransmitQueue
	RTT        *RTTEstimator

	// PeerMSS bounds the payload size of segments we send, learned from
	// the peer's SYN (0 means no MSS option was present).
	PeerMSS uint16

	// FINSeq is the sequence number of our own FIN once sent, so a
	// later ACK can be recognized as acknowledging it.
	FINSeq Seq

	// finSent, finAcked and peerFINed track whether each direction's FIN
	// has completed, independent of which state the FIN handshake has
	// reached textually.
	finSent   bool
	finAcked  bool
	peerFINed bool

	// CloseRequested is a flag for an application-initiated Close.
	// Nothing in this module sets or reads it: pkg/segment's Close sends
	// its FIN at once, without waiting for outstanding data to be
	// acknowledged.
	CloseRequested bool

	// CloseReason is set alongside a transition to StateClosed that was
	// not a graceful two-way FIN exchange, so a blocked Read/Write can
	// report why (ErrReset, ErrTimedOut) rather than a bare Closed.
	CloseReason error
}

// MarkClosed transitions t to Closed, recording why for any application
// thread blocked on it.
func (t *TCB) MarkClosed(reason error) {
	t.State = StateClosed
	t.CloseReason = reason
}

// New constructs a freshly Listen-ing TCB for q, with fresh send/receive
// buffers and a new ISS.
func New(q quad.Quad) *TCB {
	return &TCB{
		Quad:       q,
		State:      StateListen,
		Snd:        SendSpace{ISS: NewISS()},
		SendBuf:    ringbuffer.New(DefaultBufferSize),
		RecvBuf:    ringbuffer.New(DefaultBufferSize),
		Reassembly: NewReassembly(),
		Retransmit: NewRetransmitQueue(),
		RTT:        NewRTTEstimator(),
	}
}

// Window computes RCV.WND as the receive buffer's free capacity, per
// the supplemented "window = capacity - occupied" semantics: it can
// never drift from the buffer's true occupancy because nothing but this
// formula ever produces it.
func (t *TCB) Window() Size {
	free := t.RecvBuf.Free()
	if free < 0 {
		return 0
	}
	return Size(free)
}

// SendSpaceAvailable reports how many more octets the peer's advertised
// window will currently accept beyond what's already in flight.
func (t *TCB) SendSpaceAvailable() Size {
	inFlight := Sizeof(t.Snd.UNA, t.Snd.NXT)
	if inFlight >= t.Snd.WND {
		return 0
	}
	return t.Snd.WND - inFlight
}

// MaxSegmentPayload bounds a single outgoing segment's payload by both
// the peer's MSS and the remaining send window.
func (t *TCB) MaxSegmentPayload() int {
	n := int(t.SendSpaceAvailable())
	if t.PeerMSS != 0 && n > int(t.PeerMSS) {
		n = int(t.PeerMSS)
	}
	return n
}

// MarkFINSent records that our FIN was sent occupying seq, so a later
// ACK can be recognized as acknowledging it.
func (t *TCB) MarkFINSent(seq Seq) {
	t.finSent = true
	t.finAcked = false
	t.FINSeq = seq
}

// FinSeqAcked reports whether ack newly covers the sequence number our
// FIN occupied. It is idempotent: once the FIN has been recognized as
// acked, subsequent calls return false.
func (t *TCB) FinSeqAcked(ack Seq) bool {
	if !t.finSent || t.finAcked {
		return false
	}
	if LessThanEq(SeqAdd(t.FINSeq, 1), ack) {
		t.finAcked = true
		return true
	}
	return false
}

// PeerFINReceived records that the peer's FIN has been consumed.
func (t *TCB) PeerFINReceived() {
	t.peerFINed = true
}

// PeerClosed reports whether the peer's FIN has been consumed, i.e.
// Read should return 0 once the receive buffer drains.
func (t *TCB) PeerClosed() bool {
	return t.peerFINed
}
