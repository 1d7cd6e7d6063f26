// Package vnet implements the Transport contract as an in-process virtual
// network: peers are NodeIds bound onto a shared "earth" port table instead
// of real sockets, letting tests and single-process deployments exercise
// the same Transport contract as transport/tcp without opening any ports.
package vnet

import (
	"sync"

	"github.com/bluesea-net/sdn-network/identity"
)

// Listener is one port's binding on the fabric: a mailbox of incoming dial
// requests. A port and the NodeId occupying it are distinct — two
// listeners on different ports may belong to the same node, and a dialer
// names both the port it expects to reach and the NodeId it expects to
// find there (spec §4.D); a mismatch yields AuthenticationError rather
// than silently connecting to the wrong peer.
type Listener struct {
	port uint32
	node identity.NodeId
	addr identity.NodeAddr

	dialCh chan dialRequest

	closeOnce sync.Once
	closed    chan struct{}
}

func newListener(port uint32, node identity.NodeId, addr identity.NodeAddr) *Listener {
	return &Listener{port: port, node: node, addr: addr, dialCh: make(chan dialRequest, 64), closed: make(chan struct{})}
}

// Close marks the listener closed; any dialer racing a Close sees it via
// the closed channel rather than blocking forever.
func (l *Listener) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// dialRequest is handed from a dialing Transport to the target Listener's
// acceptLoop. atob/btoa are the two channels that become the connection's
// directional mailboxes; the dialer creates both in its dial goroutine so it
// can build its own sender/receiver halves as soon as the listener accepts.
type dialRequest struct {
	fromNode   identity.NodeId
	fromAddr   identity.NodeAddr
	fromConnId identity.ConnId
	atob       chan wireMsg
	btoa       chan wireMsg
	result     chan dialResponse
}

type dialResponse struct {
	ok       bool
	toNode   identity.NodeId
	toAddr   identity.NodeAddr
	toConnId identity.ConnId
}

// earth is the shared port table every vnet Transport registers onto,
// keyed by port. Binding a port that is already bound replaces the
// previous listener, closing it — "rebind replaces" rather than erroring.
type earth struct {
	mu    sync.RWMutex
	ports map[uint32]*Listener
}

func newEarth() *earth { return &earth{ports: map[uint32]*Listener{}} }

var defaultEarth = newEarth()

func (e *earth) bind(l *Listener) {
	e.mu.Lock()
	old, existed := e.ports[l.port]
	e.ports[l.port] = l
	e.mu.Unlock()
	if existed {
		old.Close()
	}
}

func (e *earth) unbind(l *Listener) {
	e.mu.Lock()
	if cur, ok := e.ports[l.port]; ok && cur == l {
		delete(e.ports, l.port)
	}
	e.mu.Unlock()
}

func (e *earth) lookup(port uint32) (*Listener, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.ports[port]
	return l, ok
}
