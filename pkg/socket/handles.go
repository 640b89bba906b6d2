package socket

import "github.com/sappChak/mini-rfc793/pkg/quad"

// Listener is an application's handle to a bound, listening socket: a
// bounded queue of fully-established quads waiting to be accepted.
type Listener struct {
	Key     quad.ListenKey
	backlog int
	queue   []quad.Quad
	closed  bool
}

// Conn is an application's handle to one connection, identified by its
// quad. The connection's actual state lives in the TCB the worker
// thread owns; Conn is just a key into it.
type Conn struct {
	Quad quad.Quad
}
