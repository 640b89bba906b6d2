// Package quad implements the connection table: the mapping from a
// segment's four-tuple to the control block that owns it.
package quad

import (
	"fmt"
	"net/netip"
	"sync"
)

// Quad identifies a single TCP connection by its four-tuple. The zero
// RemoteAddr/RemotePort pair identifies a listening (passive-open) socket
// rather than an established or half-open connection.
type Quad struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// IsListener reports whether q names a listening socket rather than a
// connection to a specific peer.
func (q Quad) IsListener() bool {
	return !q.RemoteAddr.IsValid() && q.RemotePort == 0
}

func (q Quad) String() string {
	if q.IsListener() {
		return fmt.Sprintf("%s:%d/listen", q.LocalAddr, q.LocalPort)
	}
	return fmt.Sprintf("%s:%d<->%s:%d", q.LocalAddr, q.LocalPort, q.RemoteAddr, q.RemotePort)
}

// ListenKey identifies a listening socket: a local port, optionally bound
// to one local address. A zero Addr means "any local address."
type ListenKey struct {
	LocalAddr netip.Addr
	LocalPort uint16
}

// Table is the connection table: quad-indexed established/half-open
// connections, plus a separate listener map consulted on a full-match
// miss. Lookup order (exact match, then specific-address listener, then
// ANY-address listener) is the demultiplexing step spec.md's segment
// arrival procedure describes.
type Table[T any] struct {
	mu        sync.Mutex
	conns     map[Quad]T
	listeners map[ListenKey]T
}

// NewTable constructs an empty connection table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		conns:     make(map[Quad]T),
		listeners: make(map[ListenKey]T),
	}
}

// Insert adds or replaces the owner of an established or half-open
// connection's quad.
func (t *Table[T]) Insert(q Quad, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[q] = v
}

// Remove deletes a connection's quad from the table, e.g. on reaching
// Closed.
func (t *Table[T]) Remove(q Quad) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, q)
}

// Listen registers a listening socket's owner under k.
func (t *Table[T]) Listen(k ListenKey, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[k] = v
}

// Unlisten removes a listening socket, e.g. when the application closes
// the listener.
func (t *Table[T]) Unlisten(k ListenKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, k)
}

// Lookup finds the owner of an incoming segment's quad: an exact
// connection match first, then a listener bound to the segment's
// specific local address, then a listener bound to ANY address.
func (t *Table[T]) Lookup(q Quad) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.conns[q]; ok {
		return v, true
	}
	if v, ok := t.listeners[ListenKey{LocalAddr: q.LocalAddr, LocalPort: q.LocalPort}]; ok {
		return v, true
	}
	if v, ok := t.listeners[ListenKey{LocalAddr: anyAddrFor(q.LocalAddr), LocalPort: q.LocalPort}]; ok {
		return v, true
	}
	var zero T
	return zero, false
}

// anyAddrFor returns the unspecified address of the same family as addr,
// used for the ANY-address listener fallback lookup.
func anyAddrFor(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// Snapshot returns every connection quad currently tracked, for
// diagnostics and tests. The listener set is not included.
func (t *Table[T]) Snapshot() []Quad {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Quad, 0, len(t.conns))
	for q := range t.conns {
		out = append(out, q)
	}
	return out
}
