package segment

import (
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

// arriveSynchronized implements steps 1-6 of RFC 793 §3.9 for every
// state from Established through TimeWait, and the state-table
// transitions spec.md's §4.3 table lists for those rows.
func (p *Processor) arriveSynchronized(t *tcb.TCB, seg wire.TCPSegment) Result {
	// 1. Acceptability test.
	if !acceptable(t, seg) {
		if seg.Flags&wire.FlagRST != 0 {
			return Result{}
		}
		return Result{Outbound: []Outbound{ackNow(t)}}
	}

	// 2. RST handling: destroy the TCB, flush buffers, wake waiters.
	if seg.Flags&wire.FlagRST != 0 {
		t.MarkClosed(tcb.ErrReset)
		p.log.WithFields(logFields(t)).Warn("connection reset by peer")
		return Result{Event: EventReset}
	}

	// 3. SYN in window is an error: reset and destroy.
	if seg.Flags&wire.FlagSYN != 0 {
		t.MarkClosed(tcb.ErrReset)
		return Result{Outbound: []Outbound{rstFor(seg)}, Event: EventReset}
	}

	// 4. ACK processing.
	if seg.Flags&wire.FlagACK == 0 {
		return Result{}
	}
	event, ackOutbound := p.processAck(t, seg)
	if ackOutbound != nil {
		return Result{Outbound: []Outbound{*ackOutbound}}
	}

	var pending []Outbound
	needAck := false

	// 5. Data processing.
	if len(seg.Data) > 0 && t.State != tcb.StateCloseWait && t.State != tcb.StateClosing &&
		t.State != tcb.StateLastAck && t.State != tcb.StateTimeWait {
		if p.processData(t, seg) {
			if event == EventNone {
				event = EventDataAvailable
			}
		}
		needAck = true
	}

	// 6. FIN processing.
	if seg.Flags&wire.FlagFIN != 0 {
		finEvent := p.processFIN(t, seg)
		if finEvent != EventNone {
			event = finEvent
		}
		needAck = true
	}

	if needAck {
		pending = append(pending, ackNow(t))
	}
	return Result{Outbound: pending, Event: event}
}

// processAck advances SND.UNA/SND.WND per RFC 793's ACK rules and drives
// the our-FIN-acked transitions (FinWait1->FinWait2, Closing->TimeWait,
// LastAck->Closed). A non-nil Outbound means the whole segment should be
// answered with just that (an ACK-of-unsent-data reply) and otherwise
// dropped.
func (p *Processor) processAck(t *tcb.TCB, seg wire.TCPSegment) (Event, *Outbound) {
	ack := tcb.Seq(seg.AckNum)
	event := EventNone

	switch {
	case tcb.LessThan(t.Snd.UNA, ack) && tcb.LessThanEq(ack, t.Snd.NXT):
		t.Snd.UNA = ack
		if sample, ok := t.Retransmit.RemoveAcked(ack); ok {
			t.RTT.Sample(sample)
		}
		if tcb.LessThan(t.Snd.WL1, tcb.Seq(seg.SeqNum)) ||
			(t.Snd.WL1 == tcb.Seq(seg.SeqNum) && tcb.LessThanEq(t.Snd.WL2, ack)) {
			t.Snd.WND = tcb.Size(seg.Window)
			t.Snd.WL1 = tcb.Seq(seg.SeqNum)
			t.Snd.WL2 = ack
		}
		event = EventSendSpaceFreed

		if t.FinSeqAcked(ack) {
			switch t.State {
			case tcb.StateFinWait1:
				t.State = tcb.StateFinWait2
			case tcb.StateClosing:
				t.State = tcb.StateTimeWait
				event = EventEnterTimeWait
			case tcb.StateLastAck:
				t.State = tcb.StateClosed
				event = EventClosed
			}
		}
		return event, nil

	case tcb.LessThanEq(ack, t.Snd.UNA):
		// Duplicate or old ACK: ignored, no fast retransmit in this stack.
		return EventNone, nil

	default: // tcb.LessThan(t.Snd.NXT, ack): ack of data not yet sent.
		out := ackNow(t)
		return EventNone, &out
	}
}

// processData enqueues seg's payload into the reassembly buffer (or
// directly into the receive buffer if it arrived in order) and drains
// any newly-contiguous bytes forward. It reports whether any bytes
// landed in the receive buffer.
func (p *Processor) processData(t *tcb.TCB, seg wire.TCPSegment) bool {
	segSeq := tcb.Seq(seg.SeqNum)
	delivered := false

	if segSeq == t.Rcv.NXT {
		n, _ := t.RecvBuf.Write(seg.Data)
		t.Rcv.NXT = tcb.SeqAdd(t.Rcv.NXT, tcb.Size(n))
		delivered = n > 0

		for {
			data, next, ok := t.Reassembly.Extract(t.Rcv.NXT)
			if !ok {
				break
			}
			n, _ := t.RecvBuf.Write(data)
			t.Rcv.NXT = next
			delivered = delivered || n > 0
		}
	} else if tcb.LessThan(t.Rcv.NXT, segSeq) {
		t.Reassembly.Insert(segSeq, seg.Data)
	}
	// Data entirely behind RCV.NXT is a duplicate retransmission; nothing
	// to do beyond the ACK already scheduled by the caller.

	return delivered
}

// processFIN consumes the peer's FIN if it has become the next expected
// octet, driving the per-state transition spec.md's table lists.
func (p *Processor) processFIN(t *tcb.TCB, seg wire.TCPSegment) Event {
	finSeq := tcb.SeqAdd(tcb.Seq(seg.SeqNum), tcb.Size(len(seg.Data)))
	if t.State == tcb.StateTimeWait {
		// Peer retransmitted its FIN after we already closed: resend the
		// ACK (spec.md's TimeWait/FIN row) without further state change.
		return EventNone
	}
	if finSeq != t.Rcv.NXT {
		return EventNone
	}

	t.Rcv.NXT = tcb.SeqAdd(t.Rcv.NXT, 1)
	t.PeerFINReceived()

	switch t.State {
	case tcb.StateEstablished:
		t.State = tcb.StateCloseWait
		return EventPeerClosed
	case tcb.StateFinWait1:
		t.State = tcb.StateClosing
		return EventNone
	case tcb.StateFinWait2:
		t.State = tcb.StateTimeWait
		return EventEnterTimeWait
	default:
		return EventNone
	}
}
