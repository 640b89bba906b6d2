package demux

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sappChak/mini-rfc793/internal/tundev"
	"github.com/sappChak/mini-rfc793/pkg/quad"
	"github.com/sappChak/mini-rfc793/pkg/segment"
	"github.com/sappChak/mini-rfc793/pkg/socket"
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

type harness struct {
	dev    *tundev.Fake
	demux  *Demux
	facade *socket.Facade
	conns  *quad.Table[*tcb.TCB]
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := tundev.NewFake("tun0", 1500)
	conns := quad.NewTable[*tcb.TCB]()
	log := logrus.NewEntry(logrus.New())
	proc := segment.New(log)

	d := New(dev, conns, proc, log)
	facade := socket.New(conns, d)
	d.AttachFacade(facade)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)

	return &harness{dev: dev, demux: d, facade: facade, conns: conns, cancel: cancel}
}

var (
	serverAddr = netip.MustParseAddr("10.10.0.10")
	serverPort = uint16(8080)
	peerAddr   = netip.MustParseAddr("10.10.0.1")
	peerPort   = uint16(5555)
)

func buildSegment(flags uint8, seq, ack uint32, window uint16, data []byte) []byte {
	seg := wire.TCPSegment{
		SrcPort: peerPort,
		DstPort: serverPort,
		SeqNum:  seq,
		AckNum:  ack,
		Flags:   flags,
		Window:  window,
		Data:    data,
	}
	tcpBytes := wire.SerializeTCP(seg, peerAddr, serverAddr, false)
	return wire.SerializeIPv4(wire.IPv4Header{TTL: 64, Protocol: 6, Src: peerAddr, Dst: serverAddr}, tcpBytes, 1)
}

func waitForFrame(t *testing.T, dev *tundev.Fake) wire.TCPSegment {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := dev.Written()
		if len(frames) > 0 {
			h, payload, err := wire.ParseIPv4(frames[0])
			if err != nil {
				t.Fatalf("ParseIPv4: %v", err)
			}
			seg, err := wire.ParseTCP(payload, h.Src, h.Dst)
			if err != nil {
				t.Fatalf("ParseTCP: %v", err)
			}
			return seg
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no frame written before deadline")
	return wire.TCPSegment{}
}

// Scenario 1: passive open completes.
func TestPassiveOpenAccepts(t *testing.T) {
	h := newHarness(t)
	listener, err := h.facade.Listen(serverAddr, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	h.dev.Inject(buildSegment(wire.FlagSYN, 1000, 0, 65535, nil))
	synAck := waitForFrame(t, h.dev)
	if synAck.Flags&wire.FlagSYN == 0 || synAck.Flags&wire.FlagACK == 0 {
		t.Fatalf("expected SYN-ACK, got flags %x", synAck.Flags)
	}
	if synAck.AckNum != 1001 {
		t.Fatalf("SYN-ACK ack = %d, want 1001", synAck.AckNum)
	}

	h.dev.Inject(buildSegment(wire.FlagACK, 1001, synAck.SeqNum+1, 65535, nil))

	conn, err := h.facade.Accept(listener, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn.Quad.RemoteAddr != peerAddr || conn.Quad.RemotePort != peerPort {
		t.Fatalf("accepted quad = %v, want peer %v:%d", conn.Quad, peerAddr, peerPort)
	}
}

func threeWayHandshake(t *testing.T, h *harness, listener *socket.Listener) *socket.Conn {
	t.Helper()
	h.dev.Inject(buildSegment(wire.FlagSYN, 1000, 0, 65535, nil))
	synAck := waitForFrame(t, h.dev)
	h.dev.Inject(buildSegment(wire.FlagACK, 1001, synAck.SeqNum+1, 65535, nil))
	conn, err := h.facade.Accept(listener, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return conn
}

// Scenario 2: echo 5 bytes.
func TestEchoFiveBytes(t *testing.T) {
	h := newHarness(t)
	listener, err := h.facade.Listen(serverAddr, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	conn := threeWayHandshake(t, h, listener)
	tc, _ := h.conns.Lookup(conn.Quad)

	h.dev.Inject(buildSegment(wire.FlagACK|wire.FlagPSH, 1001, uint32(tc.Snd.NXT), 65535, []byte("hello")))
	ack := waitForFrame(t, h.dev)
	if ack.AckNum != 1006 {
		t.Fatalf("ack = %d, want 1006", ack.AckNum)
	}

	buf := make([]byte, 16)
	n, err := h.facade.Read(conn, buf, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello")
	}
}

// Scenario 3: graceful close from peer.
func TestGracefulCloseFromPeer(t *testing.T) {
	h := newHarness(t)
	listener, err := h.facade.Listen(serverAddr, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	conn := threeWayHandshake(t, h, listener)
	tc, _ := h.conns.Lookup(conn.Quad)

	h.dev.Inject(buildSegment(wire.FlagFIN|wire.FlagACK, 1001, uint32(tc.Snd.NXT), 65535, nil))
	ack := waitForFrame(t, h.dev)
	if ack.AckNum != 1002 {
		t.Fatalf("ack = %d, want 1002", ack.AckNum)
	}

	buf := make([]byte, 16)
	n, err := h.facade.Read(conn, buf, time.Now().Add(2*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("Read after peer FIN = (%d, %v), want (0, nil)", n, err)
	}
}

// Scenario 5: RST on closed port.
func TestRSTOnClosedPort(t *testing.T) {
	h := newHarness(t)
	h.dev.Inject(buildSegment(wire.FlagSYN, 2000, 0, 65535, nil))
	rst := waitForFrame(t, h.dev)
	if rst.Flags&wire.FlagRST == 0 {
		t.Fatalf("expected RST, got flags %x", rst.Flags)
	}
	if rst.AckNum != 2001 {
		t.Fatalf("RST ack = %d, want 2001", rst.AckNum)
	}
}

// Scenario 6: v6 parity.
func TestPassiveOpenAcceptsIPv6(t *testing.T) {
	h := newHarness(t)
	v6server := netip.MustParseAddr("fd00:dead:beef::10")
	v6peer := netip.MustParseAddr("fd00:dead:beef::1")
	listener, err := h.facade.Listen(v6server, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	synSeg := wire.TCPSegment{SrcPort: peerPort, DstPort: serverPort, SeqNum: 3000, Flags: wire.FlagSYN, Window: 65535}
	tcpBytes := wire.SerializeTCP(synSeg, v6peer, v6server, false)
	frame := wire.SerializeIPv6(wire.IPv6Header{HopLimit: 64, Src: v6peer, Dst: v6server}, tcpBytes)
	h.dev.Inject(frame)

	deadline := time.Now().Add(2 * time.Second)
	var synAck wire.TCPSegment
	for time.Now().Before(deadline) {
		frames := h.dev.Written()
		if len(frames) > 0 {
			hdr, payload, err := wire.ParseIPv6(frames[0])
			if err != nil {
				t.Fatalf("ParseIPv6: %v", err)
			}
			synAck, err = wire.ParseTCP(payload, hdr.Src, hdr.Dst)
			if err != nil {
				t.Fatalf("ParseTCP: %v", err)
			}
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if synAck.Flags&wire.FlagSYN == 0 || synAck.Flags&wire.FlagACK == 0 {
		t.Fatalf("expected SYN-ACK over v6, got flags %x", synAck.Flags)
	}

	ackSeg := wire.TCPSegment{SrcPort: peerPort, DstPort: serverPort, SeqNum: 3001, AckNum: synAck.SeqNum + 1, Flags: wire.FlagACK, Window: 65535}
	ackTCP := wire.SerializeTCP(ackSeg, v6peer, v6server, false)
	h.dev.Inject(wire.SerializeIPv6(wire.IPv6Header{HopLimit: 64, Src: v6peer, Dst: v6server}, ackTCP))

	conn, err := h.facade.Accept(listener, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Accept over v6: %v", err)
	}
	if conn.Quad.RemoteAddr != v6peer {
		t.Fatalf("accepted remote = %v, want %v", conn.Quad.RemoteAddr, v6peer)
	}
}

func TestWriteSendsDataSegment(t *testing.T) {
	h := newHarness(t)
	listener, err := h.facade.Listen(serverAddr, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	conn := threeWayHandshake(t, h, listener)
	h.dev.Written() // drain the ACK from the handshake's final leg, if any

	n, err := h.facade.Write(conn, []byte("hi"), time.Now().Add(2*time.Second))
	if err != nil || n != 2 {
		t.Fatalf("Write = (%d, %v), want (2, nil)", n, err)
	}

	data := waitForFrame(t, h.dev)
	if string(data.Data) != "hi" {
		t.Fatalf("data segment payload = %q, want %q", data.Data, "hi")
	}
}

// Scenario 4: a dropped segment is retransmitted. The peer never ACKs
// the data segment, so handleRetransmitExpiry must resend the earliest
// outstanding retransmission-queue entry once its RTO elapses.
func TestRetransmissionOnDroppedSegment(t *testing.T) {
	h := newHarness(t)
	listener, err := h.facade.Listen(serverAddr, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	conn := threeWayHandshake(t, h, listener)
	h.dev.Written() // drain the handshake's final ACK, if any

	n, err := h.facade.Write(conn, []byte("dropme"), time.Now().Add(2*time.Second))
	if err != nil || n != len("dropme") {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len("dropme"))
	}

	first := waitForFrame(t, h.dev)
	if string(first.Data) != "dropme" {
		t.Fatalf("first transmission payload = %q, want %q", first.Data, "dropme")
	}

	// No ACK is injected: the segment is "dropped" and must come back on
	// the wire once the retransmit timer (1s initial RTO) fires.
	retransmitted := waitForFrame(t, h.dev)
	if string(retransmitted.Data) != "dropme" {
		t.Fatalf("retransmitted payload = %q, want %q", retransmitted.Data, "dropme")
	}
	if retransmitted.SeqNum != first.SeqNum {
		t.Fatalf("retransmitted seq = %d, want %d (go-back-N resends the same segment)", retransmitted.SeqNum, first.SeqNum)
	}
}

// Zero-window probing: the peer advertises a closed window while data
// remains queued to send, so the worker must start sending one-byte
// probes at RTO intervals instead of silently waiting forever.
func TestZeroWindowProbing(t *testing.T) {
	h := newHarness(t)
	listener, err := h.facade.Listen(serverAddr, serverPort, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	h.dev.Inject(buildSegment(wire.FlagSYN, 4000, 0, 65535, nil))
	synAck := waitForFrame(t, h.dev)
	// The handshake's final ACK advertises a zero window: the connection
	// is established with SND.WND already closed.
	h.dev.Inject(buildSegment(wire.FlagACK, 4001, synAck.SeqNum+1, 0, nil))
	conn, err := h.facade.Accept(listener, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	n, err := h.facade.Write(conn, []byte("stuck"), time.Now().Add(2*time.Second))
	if err != nil || n != len("stuck") {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len("stuck"))
	}

	probe := waitForFrame(t, h.dev)
	if len(probe.Data) != 1 || probe.Data[0] != 's' {
		t.Fatalf("zero-window probe payload = %q, want a single byte %q", probe.Data, "s")
	}
}

// The ISS-near-wraparound boundary: sequence arithmetic must keep
// working correctly once SND.NXT crosses the 2**32 modulus, per
// spec.md §8's "ISS near 2**32-100" property. The TCB is seeded
// directly (bypassing the handshake, which assigns a time-derived ISS)
// so the test can force the boundary deterministically.
func TestSequenceNumberWrapAround(t *testing.T) {
	h := newHarness(t)
	q := quad.Quad{LocalAddr: serverAddr, LocalPort: serverPort, RemoteAddr: peerAddr, RemotePort: peerPort}

	wrapISS := tcb.Seq(1<<32 - 100)
	tc := tcb.New(q)
	tc.State = tcb.StateEstablished
	tc.Rcv.IRS = tcb.Seq(9000)
	tc.Rcv.NXT = tcb.SeqAdd(tc.Rcv.IRS, 1)
	tc.Snd.ISS = wrapISS
	tc.Snd.UNA = wrapISS
	tc.Snd.NXT = wrapISS
	tc.Snd.WND = 65535
	h.conns.Insert(q, tc)

	conn := &socket.Conn{Quad: q}
	payload := make([]byte, 150) // more than the 100 octets left before wraparound
	for i := range payload {
		payload[i] = 'w'
	}
	n, err := h.facade.Write(conn, payload, time.Now().Add(2*time.Second))
	if err != nil || n != len(payload) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(payload))
	}

	out := waitForFrame(t, h.dev)
	if out.SeqNum != uint32(wrapISS) {
		t.Fatalf("first segment seq = %d, want %d", out.SeqNum, uint32(wrapISS))
	}
	wantNXT := tcb.SeqAdd(wrapISS, tcb.Size(len(payload)))
	if wantNXT >= wrapISS {
		t.Fatalf("test setup error: %d did not wrap past the 2**32 boundary", wantNXT)
	}

	// ACK the whole wrapped range and confirm the TCB accepts it: a
	// naive unsigned comparison of seg.AckNum against SND.UNA/SND.NXT
	// would reject this ACK since, read as plain integers, it is far
	// smaller than UNA.
	h.dev.Inject(buildSegment(wire.FlagACK, uint32(tc.Rcv.NXT), uint32(wantNXT), 65535, nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if t2, ok := h.conns.Lookup(q); ok && t2.Snd.UNA == wantNXT {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("SND.UNA never advanced past the wraparound boundary to %d", wantNXT)
}
