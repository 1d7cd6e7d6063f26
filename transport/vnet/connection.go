package vnet

import (
	"fmt"
	"sync"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/transport"
)

// connectionSender is the shared sending half of a virtual connection. It
// owns a single forwarding goroutine that drains the local reliable/
// unreliable queues onto the peer's inbox channel, the same shape as
// transport/tcp's writer loop but feeding a channel instead of a socket.
type connectionSender struct {
	remoteNodeId identity.NodeId
	remoteAddr   identity.NodeAddr
	connId       identity.ConnId

	outbox     chan wireMsg
	reliable   *unboundedQueue
	unreliable chan wireMsg
	log        logging.Logger

	closeOnce  sync.Once
	shutdownCh chan struct{}
	peer       *connectionReceiver // not set; a local close reaches the peer by closing outbox
}

func newConnectionSender(remoteNodeId identity.NodeId, remoteAddr identity.NodeAddr, connId identity.ConnId, outbox chan wireMsg, unreliableQueueSize int, log logging.Logger) *connectionSender {
	if unreliableQueueSize <= 0 {
		unreliableQueueSize = transport.UnreliableQueueDefaultSize
	}
	s := &connectionSender{
		remoteNodeId: remoteNodeId,
		remoteAddr:   remoteAddr,
		connId:       connId,
		outbox:       outbox,
		reliable:     newUnboundedQueue(),
		unreliable:   make(chan wireMsg, unreliableQueueSize),
		log:          log,
		shutdownCh:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *connectionSender) RemoteNodeId() identity.NodeId { return s.remoteNodeId }
func (s *connectionSender) ConnId() identity.ConnId        { return s.connId }
func (s *connectionSender) RemoteAddr() identity.NodeAddr  { return s.remoteAddr }

func (s *connectionSender) Send(serviceId uint8, msg transport.ConnectionMsg) {
	wire := wireMsg{serviceId: serviceId, reliable: msg.Reliable, streamId: msg.StreamId, data: msg.Data}
	if msg.Reliable {
		s.reliable.Push(wire)
		return
	}
	select {
	case s.unreliable <- wire:
	default:
		s.log.Errorf("vnet conn %s: unreliable queue full, dropping message (service=%d stream=%d)", s.connId, serviceId, msg.StreamId)
	}
}

func (s *connectionSender) Close() {
	select {
	case s.unreliable <- wireMsg{isClose: true}:
	case <-s.shutdownCh:
	}
}

func (s *connectionSender) run() {
	defer s.shutdown()

	for {
		select {
		case <-s.reliable.Signal():
			items, ok := s.reliable.PopAll()
			for _, item := range items {
				select {
				case s.outbox <- item:
				case <-s.shutdownCh:
					return
				}
			}
			if !ok {
				return
			}

		case item := <-s.unreliable:
			if item.isClose {
				return
			}
			select {
			case s.outbox <- item:
			case <-s.shutdownCh:
				return
			}

		case <-s.shutdownCh:
			return
		}
	}
}

func (s *connectionSender) shutdown() {
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
		s.reliable.Close()
		close(s.outbox)
	})
}

// notifyClosed is invoked by the local receiver when its inbox is closed by
// the remote peer, so this side's sender also winds down.
func (s *connectionSender) notifyClosed() {
	select {
	case <-s.shutdownCh:
	default:
		s.shutdown()
	}
}

// connectionReceiver is the exclusively-owned receiving half of a virtual
// connection.
type connectionReceiver struct {
	remoteNodeId identity.NodeId
	remoteAddr   identity.NodeAddr
	connId       identity.ConnId

	inbox   chan wireMsg
	sender  *connectionSender
	pending *transport.ConnectionStats
}

func newConnectionReceiver(remoteNodeId identity.NodeId, remoteAddr identity.NodeAddr, connId identity.ConnId, inbox chan wireMsg, sender *connectionSender, initialStats *transport.ConnectionStats) *connectionReceiver {
	return &connectionReceiver{
		remoteNodeId: remoteNodeId,
		remoteAddr:   remoteAddr,
		connId:       connId,
		inbox:        inbox,
		sender:       sender,
		pending:      initialStats,
	}
}

func (r *connectionReceiver) RemoteNodeId() identity.NodeId { return r.remoteNodeId }
func (r *connectionReceiver) ConnId() identity.ConnId        { return r.connId }
func (r *connectionReceiver) RemoteAddr() identity.NodeAddr  { return r.remoteAddr }

// Poll yields the next event. The very first call on a freshly established
// connection yields a synthetic liveness sample standing in for the real ping/pong
// round-trip a physical transport would measure.
func (r *connectionReceiver) Poll() (transport.ConnectionEvent, error) {
	if r.pending != nil {
		stats := *r.pending
		r.pending = nil
		return transport.ConnectionEvent{Kind: transport.ConnectionEventStats, Stats: stats}, nil
	}

	item, ok := <-r.inbox
	if !ok {
		r.sender.notifyClosed()
		return transport.ConnectionEvent{}, fmt.Errorf("vnet: connection %s closed", r.connId)
	}
	return transport.ConnectionEvent{
		Kind:      transport.ConnectionEventMsg,
		ServiceId: item.serviceId,
		Msg:       transport.ConnectionMsg{Reliable: item.reliable, StreamId: item.streamId, Data: item.data},
	}, nil
}
