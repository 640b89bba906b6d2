// Package demux implements the single-threaded event loop that owns the
// TUN device, the connection table, and the timer wheel (spec.md §4.6).
// It is pkg/socket's Dispatcher: application threads hand it write/close
// requests instead of mutating a TCB themselves.
package demux

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sappChak/mini-rfc793/internal/tundev"
	"github.com/sappChak/mini-rfc793/pkg/quad"
	"github.com/sappChak/mini-rfc793/pkg/segment"
	"github.com/sappChak/mini-rfc793/pkg/socket"
	"github.com/sappChak/mini-rfc793/pkg/tcb"
	"github.com/sappChak/mini-rfc793/pkg/timerwheel"
	"github.com/sappChak/mini-rfc793/pkg/wire"
)

// maxRetries bounds retransmission attempts (spec.md §4.4's MAX_RETRIES);
// the connection is aborted once the earliest entry has been retried
// this many times without an ACK.
const maxRetries = 5

const (
	protocolTCP    = 6
	defaultTTL     = 64
	mssDefaultIPv4 = 536
	mssDefaultIPv6 = 1220

	// ipHeaderSlack covers the largest IP header (IPv6, 40 bytes, no
	// extension headers this stack ever emits) above the MTU the TUN
	// device was configured with, so the read buffer never truncates a
	// maximum-sized frame.
	ipHeaderSlack = 64
)

type writeRequest struct{ quad quad.Quad }
type closeRequest struct{ quad quad.Quad }

// Demux is the worker thread: it owns dev, conns, and timers outright,
// and is the only goroutine that changes a *tcb.TCB's protocol state.
// Application threads touch only a TCB's send and receive buffers,
// through pkg/socket.
type Demux struct {
	dev    tundev.Device
	conns  *quad.Table[*tcb.TCB]
	facade *socket.Facade
	proc   *segment.Processor
	timers *timerwheel.Wheel
	log    *logrus.Entry

	frames   chan []byte
	requests chan any
	done     chan struct{}

	ipID uint16

	retransmitTimers map[quad.Quad]*timerwheel.Entry
	probeTimers      map[quad.Quad]*timerwheel.Entry
	timeWaitTimers   map[quad.Quad]*timerwheel.Entry
}

// New constructs a Demux over dev and conns, driving proc's state
// transitions. The facade it notifies of application-visible events is
// supplied separately via AttachFacade, since a Facade's constructor in
// turn needs this Demux as its Dispatcher.
func New(dev tundev.Device, conns *quad.Table[*tcb.TCB], proc *segment.Processor, log *logrus.Entry) *Demux {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Demux{
		dev:              dev,
		conns:            conns,
		proc:             proc,
		timers:           timerwheel.New(),
		log:              log,
		frames:           make(chan []byte, 64),
		requests:         make(chan any, 64),
		done:             make(chan struct{}),
		retransmitTimers: make(map[quad.Quad]*timerwheel.Entry),
		probeTimers:      make(map[quad.Quad]*timerwheel.Entry),
		timeWaitTimers:   make(map[quad.Quad]*timerwheel.Entry),
	}
}

// AttachFacade wires the socket facade this Demux notifies of
// application-visible events; it must be called once, before Run.
func (d *Demux) AttachFacade(facade *socket.Facade) {
	d.facade = facade
}

// RequestWrite implements socket.Dispatcher: an application thread wrote
// bytes into q's transmit buffer and wants them drained onto the wire.
func (d *Demux) RequestWrite(q quad.Quad) {
	select {
	case d.requests <- writeRequest{quad: q}:
	case <-d.done:
	}
}

// RequestClose implements socket.Dispatcher: an application thread wants
// q actively closed.
func (d *Demux) RequestClose(q quad.Quad) {
	select {
	case d.requests <- closeRequest{quad: q}:
	case <-d.done:
	}
}

// Run drives the event loop until ctx is cancelled or the TUN device
// fails, per spec.md §4.6's four-step outline. It owns dev for its
// duration and does not close it.
func (d *Demux) Run(ctx context.Context) error {
	go d.readLoop()
	defer close(d.done)

	for {
		var timerC <-chan time.Time
		if deadline, ok := d.timers.NextDeadline(); ok {
			timerC = time.After(time.Until(deadline))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-d.frames:
			if !ok {
				return errors.New("demux: tun device closed")
			}
			d.handleFrame(frame)

		case req := <-d.requests:
			d.handleRequest(req)

		case <-timerC:
			d.handleTimers()
		}
	}
}

// readLoop is the only goroutine that blocks on the TUN device itself;
// it exists so Run's select can also service requests and timers while
// a read is outstanding.
func (d *Demux) readLoop() {
	buf := make([]byte, d.dev.MTU()+ipHeaderSlack)
	for {
		n, err := d.dev.Read(buf)
		if err != nil {
			close(d.frames)
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		select {
		case d.frames <- frame:
		case <-d.done:
			return
		}
	}
}

func (d *Demux) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	version := frame[0] >> 4

	var (
		src, dst netip.Addr
		payload  []byte
		err      error
	)
	switch version {
	case 4:
		var h wire.IPv4Header
		h, payload, err = wire.ParseIPv4(frame)
		src, dst = h.Src, h.Dst
	case 6:
		var h wire.IPv6Header
		h, payload, err = wire.ParseIPv6(frame)
		src, dst = h.Src, h.Dst
	default:
		d.log.Debug("dropped frame: unrecognized IP version")
		return
	}
	if err != nil {
		d.log.WithError(err).Debug("dropped malformed IP frame")
		return
	}

	seg, err := wire.ParseTCP(payload, src, dst)
	if err != nil {
		d.log.WithError(err).Debug("dropped malformed TCP segment")
		return
	}

	q := quad.Quad{LocalAddr: dst, LocalPort: seg.DstPort, RemoteAddr: src, RemotePort: seg.SrcPort}
	d.dispatch(q, seg)
}

// dispatch implements spec.md §4.2's two-lookup demultiplexing: an exact
// match feeds the existing TCB; a miss consults the listener table and,
// for a SYN with room in the backlog, spawns a child TCB.
func (d *Demux) dispatch(q quad.Quad, seg wire.TCPSegment) {
	if t, ok := d.conns.Lookup(q); ok {
		d.processSegment(q, t, seg)
		return
	}

	if seg.Flags&wire.FlagRST != 0 {
		return
	}
	if seg.Flags&wire.FlagSYN == 0 {
		d.sendSegment(q, segment.RSTForUnmatched(seg))
		return
	}

	l, ok := d.facade.ListenerFor(q)
	if !ok || !d.facade.AdmitsNewConnection(l) {
		d.log.WithField("quad", q.String()).Debug("SYN refused: no listener or backlog full")
		d.sendSegment(q, segment.RSTForUnmatched(seg))
		return
	}

	child := tcb.New(q)
	d.conns.Insert(q, child)
	d.facade.Lock()
	res := d.proc.Arrive(child, seg)
	d.facade.Unlock()
	for _, out := range res.Outbound {
		d.sendSegment(q, out)
	}
	d.handleEvent(q, child, l, res.Event)
}

func (d *Demux) processSegment(q quad.Quad, t *tcb.TCB, seg wire.TCPSegment) {
	d.facade.Lock()
	res := d.proc.Arrive(t, seg)
	d.facade.Unlock()
	for _, out := range res.Outbound {
		d.sendSegment(q, out)
	}

	var l *socket.Listener
	if res.Event == segment.EventEstablished {
		l, _ = d.facade.ListenerFor(q)
	}
	d.handleEvent(q, t, l, res.Event)
}

func (d *Demux) handleRequest(req any) {
	switch r := req.(type) {
	case writeRequest:
		t, ok := d.conns.Lookup(r.quad)
		if !ok {
			return
		}
		d.facade.Lock()
		res := d.proc.Drain(t)
		d.facade.Unlock()
		for _, out := range res.Outbound {
			d.sendSegment(r.quad, out)
		}
		d.handleEvent(r.quad, t, nil, res.Event)

	case closeRequest:
		t, ok := d.conns.Lookup(r.quad)
		if !ok {
			return
		}
		d.facade.Lock()
		drained := d.proc.Drain(t)
		res := d.proc.Close(t)
		d.facade.Unlock()
		for _, out := range drained.Outbound {
			d.sendSegment(r.quad, out)
		}
		for _, out := range res.Outbound {
			d.sendSegment(r.quad, out)
		}
		d.handleEvent(r.quad, t, nil, res.Event)
	}
}

// handleEvent reacts to whatever segment.Event a TCB mutation produced,
// keeps the timer wheel in sync with the TCB's current retransmission
// and zero-window-probe needs, and wakes anyone blocked on the facade.
func (d *Demux) handleEvent(q quad.Quad, t *tcb.TCB, l *socket.Listener, ev segment.Event) {
	switch ev {
	case segment.EventEstablished:
		if l != nil {
			d.facade.NotifyEstablished(l, q)
		}
	case segment.EventEnterTimeWait:
		d.scheduleTimeWait(q)
	case segment.EventClosed, segment.EventReset:
		d.cancelAllTimers(q)
		d.conns.Remove(q)
		d.facade.Broadcast()
		return
	}

	d.syncRetransmitTimer(q, t)
	d.syncProbeTimer(q, t)
	d.facade.Broadcast()
}

func (d *Demux) cancelAllTimers(q quad.Quad) {
	if e, ok := d.retransmitTimers[q]; ok {
		d.timers.Cancel(e)
		delete(d.retransmitTimers, q)
	}
	if e, ok := d.probeTimers[q]; ok {
		d.timers.Cancel(e)
		delete(d.probeTimers, q)
	}
	if e, ok := d.timeWaitTimers[q]; ok {
		d.timers.Cancel(e)
		delete(d.timeWaitTimers, q)
	}
}

func (d *Demux) scheduleTimeWait(q quad.Quad) {
	e := &timerwheel.Entry{
		ExpiresAt: time.Now().Add(tcb.TimeWaitDuration),
		Quad:      q,
		Kind:      timerwheel.KindTimeWait,
	}
	d.timers.Schedule(e)
	d.timeWaitTimers[q] = e
}

// syncRetransmitTimer reschedules q's retransmit wheel entry to mirror
// its TCB's current earliest unacked segment, canceling any stale entry
// first.
func (d *Demux) syncRetransmitTimer(q quad.Quad, t *tcb.TCB) {
	if old, ok := d.retransmitTimers[q]; ok {
		d.timers.Cancel(old)
		delete(d.retransmitTimers, q)
	}
	entry := t.Retransmit.Earliest()
	if entry == nil {
		return
	}
	e := &timerwheel.Entry{
		ExpiresAt: entry.SentAt.Add(entry.RTO),
		Quad:      q,
		Seq:       uint32(entry.Seq),
		Kind:      timerwheel.KindRetransmit,
	}
	d.timers.Schedule(e)
	d.retransmitTimers[q] = e
}

// syncProbeTimer arms a zero-window probe deadline whenever the peer has
// closed its window and bytes remain queued to send, per spec.md §4.4.
func (d *Demux) syncProbeTimer(q quad.Quad, t *tcb.TCB) {
	if old, ok := d.probeTimers[q]; ok {
		d.timers.Cancel(old)
		delete(d.probeTimers, q)
	}
	if t.Snd.WND != 0 || t.SendBuf.Length() == 0 {
		return
	}
	e := &timerwheel.Entry{
		ExpiresAt: time.Now().Add(t.RTT.RTO()),
		Quad:      q,
		Kind:      timerwheel.KindZeroWindowProbe,
	}
	d.timers.Schedule(e)
	d.probeTimers[q] = e
}

func (d *Demux) handleTimers() {
	due := d.timers.DrainExpired(time.Now())
	for _, e := range due {
		switch e.Kind {
		case timerwheel.KindRetransmit:
			delete(d.retransmitTimers, e.Quad)
			d.handleRetransmitExpiry(e.Quad)
		case timerwheel.KindTimeWait:
			delete(d.timeWaitTimers, e.Quad)
			d.handleTimeWaitExpiry(e.Quad)
		case timerwheel.KindZeroWindowProbe:
			delete(d.probeTimers, e.Quad)
			d.handleProbeExpiry(e.Quad)
		}
	}
}

func (d *Demux) handleRetransmitExpiry(q quad.Quad) {
	t, ok := d.conns.Lookup(q)
	if !ok {
		return
	}
	entry := t.Retransmit.Earliest()
	if entry == nil {
		return
	}
	if entry.Retransmits >= maxRetries {
		d.abortConnection(q, t)
		return
	}

	d.sendSegment(q, segment.Outbound{
		Flags:  entry.Flags,
		Seq:    entry.Seq,
		Ack:    t.Rcv.NXT,
		Window: t.Window(),
		Data:   entry.Data,
	})
	entry.WasRetransed = true
	entry.Retransmits++
	entry.SentAt = time.Now()
	entry.RTO *= 2
	if entry.RTO > tcb.MaxRTO() {
		entry.RTO = tcb.MaxRTO()
	}

	d.syncRetransmitTimer(q, t)
	d.facade.Broadcast()
}

func (d *Demux) handleTimeWaitExpiry(q quad.Quad) {
	t, ok := d.conns.Lookup(q)
	if !ok {
		return
	}
	if t.State != tcb.StateTimeWait {
		return
	}
	d.facade.Lock()
	t.State = tcb.StateClosed
	d.facade.Unlock()
	d.conns.Remove(q)
	d.facade.Broadcast()
}

func (d *Demux) handleProbeExpiry(q quad.Quad) {
	t, ok := d.conns.Lookup(q)
	if !ok {
		return
	}
	d.facade.Lock()
	out, ok := d.proc.ZeroWindowProbe(t)
	d.facade.Unlock()
	if ok {
		d.sendSegment(q, out)
	}
	d.syncRetransmitTimer(q, t)
	d.syncProbeTimer(q, t)
	d.facade.Broadcast()
}

func (d *Demux) abortConnection(q quad.Quad, t *tcb.TCB) {
	d.sendSegment(q, segment.Outbound{Flags: wire.FlagRST, Seq: t.Snd.NXT})
	d.facade.Lock()
	t.MarkClosed(tcb.ErrTimedOut)
	d.facade.Unlock()
	d.cancelAllTimers(q)
	d.conns.Remove(q)
	d.log.WithField("quad", q.String()).Warn("connection aborted: max retransmissions exceeded")
	d.facade.Broadcast()
}

// sendSegment serializes out as a complete IP+TCP frame addressed using
// q's local/remote pair and writes it to the TUN device.
func (d *Demux) sendSegment(q quad.Quad, out segment.Outbound) {
	tcpSeg := wire.TCPSegment{
		SrcPort: q.LocalPort,
		DstPort: q.RemotePort,
		SeqNum:  uint32(out.Seq),
		AckNum:  uint32(out.Ack),
		Flags:   out.Flags,
		Window:  uint16(out.Window),
		MSS:     defaultMSS(q.LocalAddr),
		Data:    out.Data,
	}
	tcpBytes := wire.SerializeTCP(tcpSeg, q.LocalAddr, q.RemoteAddr, out.IncludeMSS)

	var frame []byte
	if q.LocalAddr.Is4() {
		frame = wire.SerializeIPv4(wire.IPv4Header{
			TTL:      defaultTTL,
			Protocol: protocolTCP,
			Src:      q.LocalAddr,
			Dst:      q.RemoteAddr,
		}, tcpBytes, d.nextIPID())
	} else {
		frame = wire.SerializeIPv6(wire.IPv6Header{
			HopLimit: defaultTTL,
			Src:      q.LocalAddr,
			Dst:      q.RemoteAddr,
		}, tcpBytes)
	}

	if _, err := d.dev.Write(frame); err != nil {
		d.log.WithError(err).Error("tun write failed")
	}
}

func (d *Demux) nextIPID() uint16 {
	d.ipID++
	return d.ipID
}

func defaultMSS(local netip.Addr) uint16 {
	if local.Is4() {
		return mssDefaultIPv4
	}
	return mssDefaultIPv6
}
