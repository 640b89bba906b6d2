package segment

import (
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

// Arrive runs the SEGMENT ARRIVES procedure (RFC 793 §3.9) for seg
// against t, mutating t in place and returning any segments to send
// plus an application-visible event.
func (p *Processor) Arrive(t *tcb.TCB, seg wire.TCPSegment) Result {
	switch t.State {
	case tcb.StateListen:
		return p.arriveListen(t, seg)
	case tcb.StateSynRcvd:
		return p.arriveSynRcvd(t, seg)
	default:
		return p.arriveSynchronized(t, seg)
	}
}

// arriveListen handles a segment against a TCB still in Listen. Only a
// SYN does anything; everything else is ignored or answered with a RST,
// per RFC 793 §3.9's LISTEN-state procedure.
func (p *Processor) arriveListen(t *tcb.TCB, seg wire.TCPSegment) Result {
	if seg.Flags&wire.FlagRST != 0 {
		return Result{}
	}
	if seg.Flags&wire.FlagACK != 0 {
		return Result{Outbound: []Outbound{rstFor(seg)}}
	}
	if seg.Flags&wire.FlagSYN == 0 {
		return Result{}
	}

	t.Rcv.IRS = tcb.Seq(seg.SeqNum)
	t.Rcv.NXT = tcb.SeqAdd(t.Rcv.IRS, 1)
	t.Snd.UNA = t.Snd.ISS
	t.Snd.NXT = t.Snd.ISS
	t.Snd.WND = tcb.Size(seg.Window)
	t.PeerMSS = seg.MSS
	t.State = tcb.StateSynRcvd

	out := Outbound{
		Flags:      wire.FlagSYN | wire.FlagACK,
		Seq:        t.Snd.NXT,
		Ack:        t.Rcv.NXT,
		Window:     t.Window(),
		IncludeMSS: true,
	}
	queueAndAdvance(t, &out)

	p.log.WithFields(logFields(t)).Debug("accepted SYN, sent SYN-ACK")
	return Result{Outbound: []Outbound{out}}
}

// arriveSynRcvd handles the final leg of the passive-open handshake.
func (p *Processor) arriveSynRcvd(t *tcb.TCB, seg wire.TCPSegment) Result {
	if seg.Flags&wire.FlagRST != 0 {
		// This stack is passive-open only, so every SynRcvd TCB
		// originated from a listener: a RST here returns it to Listen
		// rather than destroying it (original prototype's supplemented
		// behavior), matching spec.md's SynRcvd/RST row.
		*t = *freshListenTCB(t)
		p.log.WithFields(logFields(t)).Debug("RST in SynRcvd, returned to Listen")
		return Result{}
	}

	if seg.Flags&wire.FlagSYN != 0 {
		// Per spec.md's state table, SYN in SynRcvd draws a RST but does
		// not itself tear down the TCB (that only happens on the RST
		// column, handled above).
		return Result{Outbound: []Outbound{rstFor(seg)}}
	}

	if seg.Flags&wire.FlagACK == 0 {
		return Result{}
	}
	ack := tcb.Seq(seg.AckNum)
	if !(tcb.LessThan(t.Snd.UNA, ack) && tcb.LessThanEq(ack, t.Snd.NXT)) {
		return Result{Outbound: []Outbound{rstFor(seg)}}
	}

	t.Snd.UNA = ack
	t.Snd.WND = tcb.Size(seg.Window)
	t.Snd.WL1 = tcb.Seq(seg.SeqNum)
	t.Snd.WL2 = ack
	t.Retransmit.RemoveAcked(ack)
	t.State = tcb.StateEstablished

	p.log.WithFields(logFields(t)).Info("connection established")
	return Result{Event: EventEstablished}
}

// freshListenTCB resets t's mutable connection-specific state back to a
// clean Listen TCB that will accept a new handshake under the same
// quad, with a fresh ISS.
func freshListenTCB(t *tcb.TCB) *tcb.TCB {
	fresh := tcb.New(t.Quad)
	return fresh
}

func logFields(t *tcb.TCB) map[string]interface{} {
	return map[string]interface{}{"quad": t.Quad.String(), "state": t.State.String()}
}
