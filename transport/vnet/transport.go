package vnet

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/transport"
)

// protocolId tags every ConnId this transport allocates, kept distinct from
// transport/tcp's so the two can coexist on the same NodeId.
const protocolId uint8 = 2

// connIdAlloc is shared by every vnet Transport in the process so their
// ConnIds never collide.
var connIdAlloc = identity.NewAllocator(protocolId)

// syntheticStats stands in for the real ping/pong round-trip a physical
// transport measures; the fabric is in-process so there is no meaningful
// latency to sample.
var syntheticStats = transport.ConnectionStats{RttMs: 1, SendEstKbps: 100000}

// Transport implements transport.Transport/transport.TransportConnector over
// the in-process fabric.
type Transport struct {
	earth     *earth
	port      uint32
	self      identity.NodeId
	selfAddr  identity.NodeAddr
	listener  *Listener
	alloc     *identity.Allocator
	log       logging.Logger
	sessionId string
	events    chan transport.TransportEvent
}

// NewTransport binds self onto the shared fabric under a port equal to its
// NodeId and starts accepting dials. Use NewTransportOnPort when a process
// needs several listeners bound to distinct ports (spec §4.D's port/node
// distinction).
func NewTransport(self identity.NodeId, selfAddr identity.NodeAddr, log logging.Logger) *Transport {
	return NewTransportOnPort(uint32(self), self, selfAddr, log)
}

// NewTransportOnPort binds self onto the shared fabric at port and starts
// accepting dials. A dialer must name both the port and the NodeId it
// expects to find there; a port bound to a different node than expected
// yields AuthenticationError rather than a silent misconnect.
func NewTransportOnPort(port uint32, self identity.NodeId, selfAddr identity.NodeAddr, log logging.Logger) *Transport {
	sessionId := uuid.NewString()
	t := &Transport{
		earth:     defaultEarth,
		port:      port,
		self:      self,
		selfAddr:  selfAddr,
		alloc:     connIdAlloc,
		log:       log,
		sessionId: sessionId,
		events:    make(chan transport.TransportEvent, 64),
	}
	t.listener = newListener(port, self, selfAddr)
	t.earth.bind(t.listener)
	log.Infof("vnet: transport session %s bound to node %s on port %d", sessionId, self, port)
	go t.acceptLoop()
	return t
}

func (t *Transport) Connector() transport.TransportConnector { return t }

func (t *Transport) Recv() (transport.TransportEvent, error) {
	ev, ok := <-t.events
	if !ok {
		return transport.TransportEvent{}, fmt.Errorf("vnet: transport closed")
	}
	return ev, nil
}

// ConnectTo looks the target node up in the fabric's port table (under a
// port equal to the node id, matching NewTransport's default binding) and,
// if bound, pairs two fresh mailbox channels with it. Self-dials are
// rejected rather than allowed to deadlock (the Rust original asserts this
// can never happen; Go returns an error instead of panicking).
func (t *Transport) ConnectTo(node identity.NodeId, addr identity.NodeAddr) (transport.PendingOutgoing, error) {
	return t.ConnectToPort(uint32(node), node, addr)
}

// ConnectToPort dials a specific port, asserting the node found bound
// there matches expectNode. A mismatch (the port is bound, but to a
// different NodeId than the caller expects) yields AuthenticationError,
// per spec §4.D step 3.
func (t *Transport) ConnectToPort(port uint32, expectNode identity.NodeId, addr identity.NodeAddr) (transport.PendingOutgoing, error) {
	if expectNode == t.self {
		return transport.PendingOutgoing{}, transport.NewBehaviorRejected("vnet: refusing to dial self")
	}
	connId := t.alloc.NextOutgoing()
	go t.dial(connId, port, expectNode, addr)
	return transport.PendingOutgoing{ConnId: connId}, nil
}

func (t *Transport) dial(connId identity.ConnId, port uint32, expectNode identity.NodeId, addr identity.NodeAddr) {
	target, ok := t.earth.lookup(port)
	if !ok {
		t.emitOutgoingError(expectNode, connId, transport.NewSimpleError(transport.ErrDestinationNotFound))
		return
	}
	if target.node != expectNode {
		t.emitOutgoingError(expectNode, connId, transport.NewSimpleError(transport.ErrAuthenticationError))
		return
	}

	atob := make(chan wireMsg, 1)
	btoa := make(chan wireMsg, 1)
	result := make(chan dialResponse, 1)
	req := dialRequest{fromNode: t.self, fromAddr: t.selfAddr, fromConnId: connId, atob: atob, btoa: btoa, result: result}

	select {
	case target.dialCh <- req:
	case <-target.closed:
		t.emitOutgoingError(expectNode, connId, transport.NewSimpleError(transport.ErrDestinationNotFound))
		return
	}

	resp := <-result
	if !resp.ok {
		t.emitOutgoingError(expectNode, connId, transport.NewSimpleError(transport.ErrTooManyConnection))
		return
	}

	sender := newConnectionSender(resp.toNode, resp.toAddr, connId, atob, 0, t.log)
	stats := syntheticStats
	receiver := newConnectionReceiver(resp.toNode, resp.toAddr, connId, btoa, sender, &stats)
	t.events <- transport.TransportEvent{Kind: transport.TransportEventOutgoing, Sender: sender, Receiver: receiver}
}

func (t *Transport) acceptLoop() {
	for {
		select {
		case req, ok := <-t.listener.dialCh:
			if !ok {
				close(t.events)
				return
			}
			connId := t.alloc.NextIncoming()
			req.result <- dialResponse{ok: true, toNode: t.self, toAddr: t.selfAddr, toConnId: connId}

			sender := newConnectionSender(req.fromNode, req.fromAddr, connId, req.btoa, 0, t.log)
			stats := syntheticStats
			receiver := newConnectionReceiver(req.fromNode, req.fromAddr, connId, req.atob, sender, &stats)
			t.events <- transport.TransportEvent{Kind: transport.TransportEventIncoming, Sender: sender, Receiver: receiver}

		case <-t.listener.closed:
			close(t.events)
			return
		}
	}
}

func (t *Transport) emitOutgoingError(peer identity.NodeId, connId identity.ConnId, err transport.OutgoingConnectionError) {
	t.events <- transport.TransportEvent{
		Kind:   transport.TransportEventOutgoingError,
		Peer:   peer,
		ConnId: connId,
		Err:    err,
	}
}

// Close unbinds self from the fabric; in-flight connections are unaffected.
func (t *Transport) Close() error {
	t.listener.Close()
	t.earth.unbind(t.listener)
	return nil
}
