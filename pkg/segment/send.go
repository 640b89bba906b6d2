package segment

import (
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

// Drain segments as much of t's transmit buffer as the peer's current
// window allows (spec.md's "queueing output" rule): one segment per
// MSS-sized chunk, SND.NXT advanced and a retransmission entry enqueued
// for each. PSH marks the final segment drained at this wake.
func (p *Processor) Drain(t *tcb.TCB) Result {
	if !t.State.IsOpen() && t.State != tcb.StateSynRcvd {
		return Result{}
	}

	var out []Outbound
	for {
		max := t.MaxSegmentPayload()
		if max <= 0 {
			break
		}
		chunk := make([]byte, max)
		n, _ := t.SendBuf.Read(chunk)
		if n == 0 {
			break
		}
		seg := Outbound{
			Flags:  wire.FlagACK,
			Seq:    t.Snd.NXT,
			Ack:    t.Rcv.NXT,
			Window: t.Window(),
			Data:   chunk[:n],
		}
		queueAndAdvance(t, &seg)
		out = append(out, seg)
	}
	if len(out) > 0 {
		out[len(out)-1].Flags |= wire.FlagPSH
	}
	return Result{Outbound: out}
}

// ZeroWindowProbe builds a one-byte probe segment carrying the next
// unsent octet when the peer has advertised SND.WND == 0 and data
// remains queued to send, per spec.md's zero-window probing rule. ok
// is false when there is nothing to probe with.
func (p *Processor) ZeroWindowProbe(t *tcb.TCB) (out Outbound, ok bool) {
	if t.Snd.WND != 0 {
		return Outbound{}, false
	}
	var b [1]byte
	n, _ := t.SendBuf.Read(b[:])
	if n == 0 {
		return Outbound{}, false
	}
	out = Outbound{
		Flags:  wire.FlagACK,
		Seq:    t.Snd.NXT,
		Ack:    t.Rcv.NXT,
		Window: t.Window(),
		Data:   append([]byte(nil), b[:1]...),
	}
	queueAndAdvance(t, &out)
	return out, true
}
