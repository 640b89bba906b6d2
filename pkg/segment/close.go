package segment

import (
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

// Close implements the user CLOSE column of spec.md's state table: it
// sends a FIN where the table calls for one, advancing to the
// corresponding state, and is a no-op in every state already on the way
// to Closed.
func (p *Processor) Close(t *tcb.TCB) Result {
	switch t.State {
	case tcb.StateEstablished:
		out := sendFIN(t)
		t.State = tcb.StateFinWait1
		return Result{Outbound: []Outbound{out}}

	case tcb.StateCloseWait:
		out := sendFIN(t)
		t.State = tcb.StateLastAck
		return Result{Outbound: []Outbound{out}}

	case tcb.StateSynRcvd:
		out := sendFIN(t)
		t.State = tcb.StateFinWait1
		return Result{Outbound: []Outbound{out}}

	case tcb.StateListen:
		t.State = tcb.StateClosed
		return Result{Event: EventClosed}

	default:
		// FinWait1, FinWait2, Closing, LastAck, TimeWait: already
		// closing or closed; nothing further to send.
		return Result{}
	}
}

// sendFIN builds our FIN segment at SND.NXT and registers it in the
// retransmission queue. The FIN carries no payload; bytes still in the
// transmit buffer are not sent by it.
func sendFIN(t *tcb.TCB) Outbound {
	out := Outbound{
		Flags:  wire.FlagFIN | wire.FlagACK,
		Seq:    t.Snd.NXT,
		Ack:    t.Rcv.NXT,
		Window: t.Window(),
	}
	queueAndAdvance(t, &out)
	t.MarkFINSent(out.Seq)
	return out
}
