package segment

import (
	"net/netip"
	"testing"

	"github.com/sappChak/mini-rfc793/pkg/quad"
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

func newListenTCB() *tcb.TCB {
	q := quad.Quad{LocalAddr: netip.MustParseAddr("10.10.0.10"), LocalPort: 8080}
	t := tcb.New(q)
	t.Snd.ISS = 5000
	return t
}

func TestPassiveOpenCompletes(t *testing.T) {
	p := New(nil)
	conn := newListenTCB()

	syn := wire.TCPSegment{SeqNum: 1000, Flags: wire.FlagSYN, Window: 65535}
	res := p.Arrive(conn, syn)
	if conn.State != tcb.StateSynRcvd {
		t.Fatalf("state after SYN = %v, want SynRcvd", conn.State)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Flags&(wire.FlagSYN|wire.FlagACK) != (wire.FlagSYN|wire.FlagACK) {
		t.Fatalf("expected a single SYN-ACK outbound, got %+v", res.Outbound)
	}
	if res.Outbound[0].Ack != tcb.Seq(1001) {
		t.Fatalf("SYN-ACK ack = %d, want 1001", res.Outbound[0].Ack)
	}

	synAck := res.Outbound[0]
	finalAck := wire.TCPSegment{
		SeqNum: 1001,
		AckNum: uint32(synAck.Seq) + 1,
		Flags:  wire.FlagACK,
		Window: 65535,
	}
	res = p.Arrive(conn, finalAck)
	if conn.State != tcb.StateEstablished {
		t.Fatalf("state after handshake ACK = %v, want Established", conn.State)
	}
	if res.Event != EventEstablished {
		t.Fatalf("event = %v, want EventEstablished", res.Event)
	}
}

func establishedTCB() (*tcb.TCB, *Processor) {
	p := New(nil)
	conn := newListenTCB()
	p.Arrive(conn, wire.TCPSegment{SeqNum: 1000, Flags: wire.FlagSYN, Window: 65535})
	synAckSeq := conn.Snd.NXT - 1
	p.Arrive(conn, wire.TCPSegment{SeqNum: 1001, AckNum: uint32(synAckSeq) + 1, Flags: wire.FlagACK, Window: 65535})
	return conn, p
}

func TestEchoFiveBytes(t *testing.T) {
	conn, p := establishedTCB()

	res := p.Arrive(conn, wire.TCPSegment{
		SeqNum: uint32(conn.Rcv.NXT),
		AckNum: uint32(conn.Snd.NXT),
		Flags:  wire.FlagACK | wire.FlagPSH,
		Window: 65535,
		Data:   []byte("hello"),
	})
	if res.Event != EventDataAvailable {
		t.Fatalf("event = %v, want EventDataAvailable", res.Event)
	}
	buf := make([]byte, 16)
	n, err := conn.RecvBuf.Read(buf)
	if err != nil {
		t.Fatalf("RecvBuf.Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("read %q, want %q", buf[:n], "hello")
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Ack != tcb.Seq(1006) {
		t.Fatalf("expected ACK ack=1006, got %+v", res.Outbound)
	}
}

func TestGracefulCloseFromPeer(t *testing.T) {
	conn, p := establishedTCB()

	res := p.Arrive(conn, wire.TCPSegment{
		SeqNum: uint32(conn.Rcv.NXT),
		AckNum: uint32(conn.Snd.NXT),
		Flags:  wire.FlagACK | wire.FlagFIN,
		Window: 65535,
	})
	if conn.State != tcb.StateCloseWait {
		t.Fatalf("state = %v, want CloseWait", conn.State)
	}
	if res.Event != EventPeerClosed {
		t.Fatalf("event = %v, want EventPeerClosed", res.Event)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Ack != tcb.Seq(1002) {
		t.Fatalf("expected ACK ack=1002, got %+v", res.Outbound)
	}
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	conn, p := establishedTCB()
	before := conn.Snd.UNA

	res := p.Arrive(conn, wire.TCPSegment{
		SeqNum: uint32(conn.Rcv.NXT),
		AckNum: uint32(conn.Snd.UNA),
		Flags:  wire.FlagACK,
		Window: 65535,
	})
	if conn.Snd.UNA != before {
		t.Fatalf("SND.UNA changed on duplicate ACK: %d -> %d", before, conn.Snd.UNA)
	}
	if len(res.Outbound) != 0 {
		t.Fatalf("expected no outbound segments for a plain duplicate ACK, got %+v", res.Outbound)
	}
}

func TestRSTOnUnacceptableSegmentIsDropped(t *testing.T) {
	conn, p := establishedTCB()
	res := p.Arrive(conn, wire.TCPSegment{
		SeqNum: uint32(conn.Rcv.NXT) + 100000,
		Flags:  wire.FlagRST,
	})
	if len(res.Outbound) != 0 {
		t.Fatalf("expected silent drop of out-of-window RST, got %+v", res.Outbound)
	}
	if conn.State != tcb.StateEstablished {
		t.Fatalf("state changed on out-of-window RST: %v", conn.State)
	}
}

func TestRSTTearsDownEstablishedConnection(t *testing.T) {
	conn, p := establishedTCB()
	res := p.Arrive(conn, wire.TCPSegment{
		SeqNum: uint32(conn.Rcv.NXT),
		Flags:  wire.FlagRST,
	})
	if conn.State != tcb.StateClosed {
		t.Fatalf("state = %v, want Closed", conn.State)
	}
	if res.Event != EventReset {
		t.Fatalf("event = %v, want EventReset", res.Event)
	}
}

func TestUserCloseFromEstablishedSendsFIN(t *testing.T) {
	conn, p := establishedTCB()
	res := p.Close(conn)
	if conn.State != tcb.StateFinWait1 {
		t.Fatalf("state = %v, want FinWait1", conn.State)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Flags&wire.FlagFIN == 0 {
		t.Fatalf("expected a FIN outbound, got %+v", res.Outbound)
	}
}

func TestOutOfOrderDeliveryReassembles(t *testing.T) {
	conn, p := establishedTCB()
	base := uint32(conn.Rcv.NXT)

	// Segment [B,C) arrives before [A,B).
	p.Arrive(conn, wire.TCPSegment{SeqNum: base + 5, Flags: wire.FlagACK, Data: []byte("world"), Window: 65535})
	res := p.Arrive(conn, wire.TCPSegment{SeqNum: base, Flags: wire.FlagACK, Data: []byte("hello"), Window: 65535})

	if res.Event != EventDataAvailable {
		t.Fatalf("event = %v, want EventDataAvailable once the hole closes", res.Event)
	}
	buf := make([]byte, 32)
	n, _ := conn.RecvBuf.Read(buf)
	if string(buf[:n]) != "helloworld" {
		t.Fatalf("reassembled data = %q, want %q", buf[:n], "helloworld")
	}
}
