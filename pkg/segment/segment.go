// Package segment implements the inbound-segment arrival procedure
// (RFC 793 §3.9) and the state transition table it drives. It knows
// nothing about the wire (pkg/wire) beyond the already-parsed
// wire.TCPSegment shape, and nothing about demultiplexing (pkg/quad);
// pkg/demux supplies both and carries out the Outbound segments this
// package produces.
package segment

import (
	"github.com/sirupsen/logrus"

	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

// Event tells the caller (pkg/demux, on behalf of pkg/socket) which
// application-visible precondition changed as a result of processing one
// segment or one user CLOSE call.
type Event int

const (
	EventNone Event = iota
	// EventEstablished fires once, when a SynRcvd TCB completes the
	// handshake and should be promoted onto its listener's accept queue.
	EventEstablished
	// EventDataAvailable fires when new in-order bytes landed in the
	// receive buffer.
	EventDataAvailable
	// EventPeerClosed fires when the peer's FIN is consumed in
	// Established (moving to CloseWait): Read should return 0 once the
	// receive buffer drains.
	EventPeerClosed
	// EventSendSpaceFreed fires when an ACK advanced SND.UNA, retiring
	// acknowledged entries from the retransmission queue.
	EventSendSpaceFreed
	// EventEnterTimeWait fires when a TCB reaches TimeWait, so the
	// caller can schedule its 2*MSL expiry timer.
	EventEnterTimeWait
	// EventClosed fires when the TCB reaches Closed and should be
	// removed from the connection table.
	EventClosed
	// EventReset fires when the peer's RST tore the connection down;
	// waiters should observe ConnectionReset.
	EventReset
)

// Outbound is one segment the caller should serialize (pkg/wire) and
// hand to the TUN device. Queue indicates the segment carries sequence
// number real estate (SYN, FIN, or data) and must be registered in the
// retransmission queue; pure ACKs and RSTs are not queued.
type Outbound struct {
	Flags      uint8
	Seq        tcb.Seq
	Ack        tcb.Seq
	Window     tcb.Size
	Data       []byte
	IncludeMSS bool
	Queue      bool
}

// Result is everything processing one inbound segment (or one user
// CLOSE) produced.
type Result struct {
	Outbound []Outbound
	Event    Event
}

// Processor drives TCB state transitions. It is stateless; all mutable
// state lives on the *tcb.TCB passed to each call, so one Processor
// serves every connection on the worker thread.
type Processor struct {
	log *logrus.Entry
}

// New constructs a segment processor that logs through log.
func New(log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{log: log}
}

// segmentLength is RFC 793's SEG.LEN: the payload length plus one for
// each of SYN and FIN, since both occupy a sequence number.
func segmentLength(seg wire.TCPSegment) tcb.Size {
	n := tcb.Size(len(seg.Data))
	if seg.Flags&wire.FlagSYN != 0 {
		n++
	}
	if seg.Flags&wire.FlagFIN != 0 {
		n++
	}
	return n
}

// acceptable implements RFC 793's four-case segment acceptability test.
func acceptable(t *tcb.TCB, seg wire.TCPSegment) bool {
	segSeq := tcb.Seq(seg.SeqNum)
	segLen := segmentLength(seg)
	wnd := t.Window()

	switch {
	case segLen == 0 && wnd == 0:
		return segSeq == t.Rcv.NXT
	case segLen == 0 && wnd > 0:
		return tcb.InWindow(segSeq, t.Rcv.NXT, wnd)
	case segLen > 0 && wnd == 0:
		return false
	default:
		first := tcb.InWindow(segSeq, t.Rcv.NXT, wnd)
		last := tcb.InWindow(tcb.SeqAdd(segSeq, segLen-1), t.Rcv.NXT, wnd)
		return first || last
	}
}

// RSTForUnmatched builds the RST response spec.md §4.2 prescribes for a
// segment that matched neither a connection nor a listener: the closed-
// port RST rules of RFC 793 §3.4.
func RSTForUnmatched(seg wire.TCPSegment) Outbound {
	return rstFor(seg)
}

// rstFor builds the RST RFC 793 §3.4 prescribes in response to a
// segment that does not belong to any acceptable exchange: <SEQ=0>
// <ACK=SEG.SEQ+SEG.LEN><CTL=RST,ACK> if the offending segment had no
// ACK, else <SEQ=SEG.ACK><CTL=RST>.
func rstFor(seg wire.TCPSegment) Outbound {
	if seg.Flags&wire.FlagACK != 0 {
		return Outbound{Flags: wire.FlagRST, Seq: tcb.Seq(seg.AckNum)}
	}
	return Outbound{
		Flags: wire.FlagRST | wire.FlagACK,
		Seq:   0,
		Ack:   tcb.SeqAdd(tcb.Seq(seg.SeqNum), segmentLength(seg)),
	}
}

// ackNow builds a bare ACK reflecting the TCB's current send/receive
// state, used whenever a segment needs acknowledging but carries no
// data of our own to piggyback on.
func ackNow(t *tcb.TCB) Outbound {
	return Outbound{Flags: wire.FlagACK, Seq: t.Snd.NXT, Ack: t.Rcv.NXT, Window: t.Window()}
}

// queueAndAdvance registers out in the retransmission queue when it
// carries sequence-number real estate, and advances SND.NXT over it.
func queueAndAdvance(t *tcb.TCB, out *Outbound) {
	length := tcb.Size(len(out.Data))
	if out.Flags&wire.FlagSYN != 0 {
		length++
	}
	if out.Flags&wire.FlagFIN != 0 {
		length++
	}
	if length == 0 {
		out.Queue = false
		return
	}
	out.Queue = true
	t.Retransmit.Add(out.Seq, out.Data, out.Flags, t.RTT.RTO())
	t.Snd.NXT = tcb.SeqAdd(out.Seq, length)
}
