// Package stack is the composition root: it wires the connection table,
// segment processor, timer-driven demultiplexer, and socket facade into
// one object an embedding process can Listen/Accept/Read/Write/Close
// against without touching any lower package directly.
package stack

import (
	"context"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sappChak/mini-rfc793/internal/tundev"
	"github.com/sappChak/mini-rfc793/pkg/demux"
	"github.com/sappChak/mini-rfc793/pkg/quad"
	"github.com/sappChak/mini-rfc793/pkg/segment"
	"github.com/sappChak/mini-rfc793/pkg/socket"
	"github.com/sappChak/mini-rfc793/pkg/tcb"
)

// Stack is one TCP/IP-over-TUN instance: the worker goroutine, its
// connection table, and the synchronized facade applications call
// through. Multiple Stacks may coexist, each over its own Device.
type Stack struct {
	dev    tundev.Device
	demux  *demux.Demux
	facade *socket.Facade

	cancel context.CancelFunc
	runErr chan error
}

// New wires a Stack over dev. It does not start the worker loop; call
// Run for that.
func New(dev tundev.Device, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	conns := quad.NewTable[*tcb.TCB]()
	proc := segment.New(log)
	d := demux.New(dev, conns, proc, log)
	facade := socket.New(conns, d)
	d.AttachFacade(facade)

	return &Stack{dev: dev, demux: d, facade: facade}
}

// Run starts the worker loop in its own goroutine and returns
// immediately. Close stops it.
func (s *Stack) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runErr = make(chan error, 1)
	go func() {
		s.runErr <- s.demux.Run(ctx)
	}()
}

// Close stops the worker loop and closes the underlying device.
func (s *Stack) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.runErr
	}
	return s.dev.Close()
}

// Listen registers a new listening socket at (local, port).
func (s *Stack) Listen(local netip.Addr, port uint16, backlog int) (*socket.Listener, error) {
	return s.facade.Listen(local, port, backlog)
}

// Accept blocks until a connection is available on l's accept queue,
// the deadline passes, or l is closed.
func (s *Stack) Accept(l *socket.Listener, deadline time.Time) (*socket.Conn, error) {
	return s.facade.Accept(l, deadline)
}

// CloseListener stops l from accepting further connections.
func (s *Stack) CloseListener(l *socket.Listener) {
	s.facade.CloseListener(l)
}

// Read blocks until data, peer FIN, deadline, or close.
func (s *Stack) Read(c *socket.Conn, buf []byte, deadline time.Time) (int, error) {
	return s.facade.Read(c, buf, deadline)
}

// Write blocks until at least one byte is accepted into the transmit
// buffer, the deadline passes, or the connection is closed.
func (s *Stack) Write(c *socket.Conn, data []byte, deadline time.Time) (int, error) {
	return s.facade.Write(c, data, deadline)
}

// CloseConn initiates an active close; it does not block.
func (s *Stack) CloseConn(c *socket.Conn) {
	s.facade.Close(c)
}
