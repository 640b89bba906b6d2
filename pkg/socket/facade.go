package socket

import (
	"net/netip"
	"sync"
	"time"

	stderrors "errors"

	"github.com/sappChak/mini-rfc793/pkg/quad"
	"github.com/sappChak/mini-rfc793/pkg/tcb"
)

// closeError maps a TCB's CloseReason (ErrReset/ErrTimedOut/nil) onto the
// AppError taxonomy a blocked Read/Write/Accept should see.
func closeError(reason error) error {
	switch {
	case stderrors.Is(reason, tcb.ErrReset):
		return ErrConnectionReset
	case stderrors.Is(reason, tcb.ErrTimedOut):
		return ErrConnectionTimedOut
	default:
		return ErrClosed
	}
}

// Dispatcher hands application-initiated requests to the worker thread
// that owns protocol state (pkg/demux), so the facade itself never
// changes a TCB's protocol state; it only reads from and writes into
// the TCB's receive and send buffers.
type Dispatcher interface {
	// RequestClose asks the worker to run the user-CLOSE procedure for
	// q on its own thread; it does not block the caller.
	RequestClose(q quad.Quad)
	// RequestWrite asks the worker to attempt to drain newly written
	// bytes for q onto the wire at its next wake.
	RequestWrite(q quad.Quad)
}

// Facade is the synchronized listen/accept/read/write/close surface.
// One mutex/condition-variable pair guards every listener's accept
// queue and is broadcast on whenever the worker thread changes a
// precondition an application thread might be waiting on — mirroring
// the single mutex-wide design spec.md §5 describes.
type Facade struct {
	mu   sync.Mutex
	cond *sync.Cond

	conns     *quad.Table[*tcb.TCB]
	listeners *quad.Table[*Listener]
	disp      Dispatcher
}

// New constructs a Facade over conns (the same connection table the
// worker mutates) and disp (used to forward user-driven requests to the
// worker thread).
func New(conns *quad.Table[*tcb.TCB], disp Dispatcher) *Facade {
	f := &Facade{
		conns:     conns,
		listeners: quad.NewTable[*Listener](),
		disp:      disp,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// wait blocks on the facade's condition variable until woken, or until
// deadline passes (a zero deadline means wait forever). It returns
// false only when deadline has passed.
func (f *Facade) wait(deadline time.Time) bool {
	if deadline.IsZero() {
		f.cond.Wait()
		return true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	f.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// Listen registers a new listening socket at (local, port) with the
// given accept-queue depth.
func (f *Facade) Listen(local netip.Addr, port uint16, backlog int) (*Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := quad.ListenKey{LocalAddr: local, LocalPort: port}
	probe := quad.Quad{LocalAddr: local, LocalPort: port}
	if _, exists := f.listeners.Lookup(probe); exists {
		return nil, ErrAddressInUse
	}
	l := &Listener{Key: key, backlog: backlog}
	f.listeners.Listen(key, l)
	return l, nil
}

// ListenerFor resolves the listener (if any) that should own an
// inbound SYN's quad: an exact local-address match, falling back to an
// ANY-address listener, per spec.md §4.2.
func (f *Facade) ListenerFor(q quad.Quad) (*Listener, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners.Lookup(q)
}

// AdmitsNewConnection reports whether l's accept queue has room for one
// more fully-established connection; demux consults this when a SYN
// arrives so a full backlog can be answered with RST (spec.md §7's
// ResourceError policy) rather than silently dropped.
func (f *Facade) AdmitsNewConnection(l *Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !l.closed && len(l.queue) < l.backlog
}

// NotifyEstablished enqueues q onto l's accept queue and wakes any
// blocked Accept.
func (f *Facade) NotifyEstablished(l *Listener, q quad.Quad) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.closed || len(l.queue) >= l.backlog {
		return
	}
	l.queue = append(l.queue, q)
	f.cond.Broadcast()
}

// Accept blocks until a connection is available on l's accept queue,
// the deadline passes, or l is closed.
func (f *Facade) Accept(l *Listener, deadline time.Time) (*Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if len(l.queue) > 0 {
			q := l.queue[0]
			l.queue = l.queue[1:]
			return &Conn{Quad: q}, nil
		}
		if l.closed {
			return nil, ErrClosed
		}
		if !f.wait(deadline) {
			return nil, ErrTimeout
		}
	}
}

// CloseListener stops a listener from accepting further connections and
// wakes any blocked Accept with ErrClosed. Connections already queued
// remain acceptable.
func (f *Facade) CloseListener(l *Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l.closed = true
	f.listeners.Unlisten(l.Key)
	f.cond.Broadcast()
}

// Read blocks until at least one byte is available, the peer's FIN has
// been consumed (returning 0, nil), the deadline passes, or the
// connection is closed.
func (f *Facade) Read(c *Conn, buf []byte, deadline time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		t, ok := f.conns.Lookup(c.Quad)
		if !ok {
			return 0, ErrClosed
		}
		if t.State == tcb.StateClosed {
			return 0, closeError(t.CloseReason)
		}
		n, _ := t.RecvBuf.Read(buf)
		if n > 0 {
			return n, nil
		}
		if t.PeerClosed() {
			return 0, nil
		}
		if !f.wait(deadline) {
			return 0, ErrTimeout
		}
	}
}

// Write blocks until at least one byte of data has been accepted into
// the transmit buffer, the deadline passes, or the connection is
// closed. Accepted bytes are not necessarily on the wire yet; Write
// asks the worker to drain them at its next wake.
func (f *Facade) Write(c *Conn, data []byte, deadline time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		t, ok := f.conns.Lookup(c.Quad)
		if !ok {
			return 0, ErrClosed
		}
		if t.State == tcb.StateClosed {
			return 0, closeError(t.CloseReason)
		}
		if !t.State.IsOpen() && t.State != tcb.StateSynRcvd && t.State != tcb.StateFinWait1 && t.State != tcb.StateFinWait2 {
			return 0, ErrClosed
		}
		n, _ := t.SendBuf.Write(data)
		if n > 0 {
			f.disp.RequestWrite(c.Quad)
			return n, nil
		}
		if !f.wait(deadline) {
			return 0, ErrTimeout
		}
	}
}

// Close initiates an active close of c. It does not block: the worker
// thread runs the user-CLOSE transition (Established->FinWait1, etc.)
// on its own time.
func (f *Facade) Close(c *Conn) {
	f.disp.RequestClose(c.Quad)
}

// Broadcast wakes every thread blocked in Accept/Read/Write so it can
// re-check its own precondition; the worker calls this after any
// segment-processing event that might satisfy one.
func (f *Facade) Broadcast() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cond.Broadcast()
}

// Lock and Unlock expose the facade's mutex to the worker thread that
// owns every TCB (pkg/demux). spec.md §5 calls for a single table-wide
// mutex shared by the worker and the application-facing Read/Write/
// Accept checks above, rather than the TCB having a lock of its own:
// the worker must hold this lock for the duration of any mutation to a
// TCB field Read/Write inspects (State, CloseReason, the peer-FIN
// flag), matching the granularity Read/Write already lock at.
func (f *Facade) Lock() {
	f.mu.Lock()
}

func (f *Facade) Unlock() {
	f.mu.Unlock()
}
