// Package transport defines the connection-oriented contract shared by
// every concrete wire transport (TCP, in-process virtual network): a
// bidirectional connection channel with reliable and unreliable streams,
// liveness stats, and a factory of outgoing connections plus a single
// receive queue of transport-level events.
//
// This package holds only the contract (interfaces, message/event shapes,
// shared constants) — no I/O. Concrete transports live in sibling packages
// (transport/tcp, transport/vnet).
package transport

import (
	"time"

	"github.com/bluesea-net/sdn-network/identity"
)

// PingInterval is how often an Established connection's sender emits a
// liveness Ping, and is also emitted immediately on first establishment.
const PingInterval = 5 * time.Second

// UnreliableQueueDefaultSize bounds the unreliable outgoing queue when a
// transport's Config does not override it.
const UnreliableQueueDefaultSize = 64

// ConnectionMsg is the payload alphabet a caller can hand to
// ConnectionSender.Send: reliable messages are ordered and never dropped,
// unreliable messages are ordered only among themselves and may be dropped
// under pressure.
type ConnectionMsg struct {
	Reliable bool
	StreamId uint16
	Data     []byte
}

func Reliable(streamId uint16, data []byte) ConnectionMsg {
	return ConnectionMsg{Reliable: true, StreamId: streamId, Data: data}
}

func Unreliable(streamId uint16, data []byte) ConnectionMsg {
	return ConnectionMsg{Reliable: false, StreamId: streamId, Data: data}
}

// ConnectionStats mirrors one Pong round-trip or a transport-synthesized
// liveness estimate.
type ConnectionStats struct {
	RttMs         uint16
	SendingKbps   uint32
	SendEstKbps   uint32
	LossPercent   uint32
	OverUse       bool
}

// ConnectionEventKind tags the ConnectionEvent variant.
type ConnectionEventKind uint8

const (
	ConnectionEventMsg ConnectionEventKind = iota
	ConnectionEventStats
)

// ConnectionEvent is the tagged variant a ConnectionReceiver yields: either
// an application Msg tagged by service id, or a liveness Stats sample.
type ConnectionEvent struct {
	Kind      ConnectionEventKind
	ServiceId uint8
	Msg       ConnectionMsg
	Stats     ConnectionStats
}

// ConnectionSender is the shared (multi-owner) sending half of a
// connection. Send must never block the caller: Reliable messages enqueue
// onto an unbounded queue, Unreliable messages try-enqueue onto a bounded
// queue and are dropped (with an error logged) when full.
type ConnectionSender interface {
	RemoteNodeId() identity.NodeId
	ConnId() identity.ConnId
	RemoteAddr() identity.NodeAddr

	// Send enqueues msg for delivery. It never blocks.
	Send(serviceId uint8, msg ConnectionMsg)

	// Close enqueues a close request on the unreliable queue, so it may
	// race ahead of undelivered unreliable data.
	Close()
}

// ConnectionReceiver is the exclusively-owned receiving half of a
// connection: exactly one caller polls it.
type ConnectionReceiver interface {
	RemoteNodeId() identity.NodeId
	ConnId() identity.ConnId
	RemoteAddr() identity.NodeAddr

	// Poll yields the next event, or an error once the underlying stream
	// is closed. Poll may suspend.
	Poll() (ConnectionEvent, error)
}

// OutgoingConnectionErrorKind enumerates the canonical error set: the union
// of the TCP-transport errors and the virtual-fabric errors (spec's Open
// Question on the two signatures resolves to this union).
type OutgoingConnectionErrorKind uint8

const (
	ErrTooManyConnection OutgoingConnectionErrorKind = iota
	ErrAuthenticationError
	ErrDestinationNotFound
	ErrBehaviorRejected
)

func (k OutgoingConnectionErrorKind) String() string {
	switch k {
	case ErrTooManyConnection:
		return "TooManyConnection"
	case ErrAuthenticationError:
		return "AuthenticationError"
	case ErrDestinationNotFound:
		return "DestinationNotFound"
	case ErrBehaviorRejected:
		return "BehaviorRejected"
	default:
		return "Unknown"
	}
}

// OutgoingConnectionError is the non-panic error surfaced via the transport
// event stream for a failed outgoing connection attempt.
type OutgoingConnectionError struct {
	Kind   OutgoingConnectionErrorKind
	Reason string
}

func (e OutgoingConnectionError) Error() string {
	if e.Reason != "" {
		return e.Kind.String() + ": " + e.Reason
	}
	return e.Kind.String()
}

func NewBehaviorRejected(reason string) OutgoingConnectionError {
	return OutgoingConnectionError{Kind: ErrBehaviorRejected, Reason: reason}
}

func NewSimpleError(kind OutgoingConnectionErrorKind) OutgoingConnectionError {
	return OutgoingConnectionError{Kind: kind}
}

// TransportEventKind tags the TransportEvent variant.
type TransportEventKind uint8

const (
	TransportEventIncoming TransportEventKind = iota
	TransportEventOutgoing
	TransportEventOutgoingError
)

// TransportEvent is yielded by Transport.Recv.
type TransportEvent struct {
	Kind     TransportEventKind
	Sender   ConnectionSender
	Receiver ConnectionReceiver

	// Populated only when Kind == TransportEventOutgoingError.
	Peer   identity.NodeId
	ConnId identity.ConnId
	Err    OutgoingConnectionError
}

// PendingOutgoing is returned immediately by TransportConnector.ConnectTo;
// the actual connection attempt completes asynchronously via a subsequent
// TransportEvent on the owning Transport's Recv stream.
type PendingOutgoing struct {
	ConnId identity.ConnId
}

// TransportConnector is a cheap-to-clone handle that starts outgoing
// connection attempts. ConnId is allocated synchronously and immediately;
// completion is reported asynchronously.
type TransportConnector interface {
	ConnectTo(node identity.NodeId, addr identity.NodeAddr) (PendingOutgoing, error)
}

// Transport is the factory of outgoing connections plus a single receive
// queue of transport-level events. Two implementations share this contract:
// TCP (transport/tcp) and the in-process virtual network (transport/vnet).
type Transport interface {
	Connector() TransportConnector

	// Recv yields the next transport event. Recv may suspend.
	Recv() (TransportEvent, error)
}
