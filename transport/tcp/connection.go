package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/metrics"
	"github.com/bluesea-net/sdn-network/timer"
	"github.com/bluesea-net/sdn-network/transport"
)

// connState tracks the Opening/Established/Closing/Closed lifecycle of a
// connection. It exists mainly for observability/tests; the sender
// goroutine's control flow is what actually enforces the transitions.
type connState int32

const (
	stateOpening connState = iota
	stateEstablished
	stateClosing
	stateClosed
)

type unreliableItem struct {
	isClose bool
	msg     tcpMsg
}

// connectionSender is the shared (multi-owner) sending half of a TCP
// connection. It owns the single writer goroutine for the socket.
type connectionSender struct {
	remoteNodeId identity.NodeId
	remoteAddr   identity.NodeAddr
	connId       identity.ConnId

	conn         net.Conn
	reliable     *unboundedQueue
	unreliable   chan unreliableItem
	timer        timer.Timer
	log          logging.Logger
	stats        *metrics.ConnectionStatsCollector

	state      atomicState
	closeOnce  sync.Once
	shutdownCh chan struct{}
}

type atomicState struct {
	mu sync.Mutex
	v  connState
}

func (a *atomicState) set(v connState) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicState) get() connState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func newConnectionSender(conn net.Conn, remoteNodeId identity.NodeId, remoteAddr identity.NodeAddr, connId identity.ConnId, unreliableQueueSize int, t timer.Timer, log logging.Logger, stats *metrics.ConnectionStatsCollector) *connectionSender {
	if unreliableQueueSize <= 0 {
		unreliableQueueSize = transport.UnreliableQueueDefaultSize
	}
	s := &connectionSender{
		remoteNodeId: remoteNodeId,
		remoteAddr:   remoteAddr,
		connId:       connId,
		conn:         conn,
		reliable:     newUnboundedQueue(),
		unreliable:   make(chan unreliableItem, unreliableQueueSize),
		timer:        t,
		log:          log,
		stats:        stats,
		shutdownCh:   make(chan struct{}),
	}
	s.state.set(stateOpening)
	go s.run()
	return s
}

func (s *connectionSender) RemoteNodeId() identity.NodeId { return s.remoteNodeId }
func (s *connectionSender) ConnId() identity.ConnId       { return s.connId }
func (s *connectionSender) RemoteAddr() identity.NodeAddr { return s.remoteAddr }

// Send enqueues msg for delivery. It never blocks: Reliable messages append
// to the unbounded queue; Unreliable messages try-enqueue on the bounded
// channel and are dropped (logged) when full.
func (s *connectionSender) Send(serviceId uint8, msg transport.ConnectionMsg) {
	wire := dataMsg(serviceId, msg.Reliable, msg.StreamId, msg.Data)
	if msg.Reliable {
		s.reliable.Push(wire)
		return
	}
	select {
	case s.unreliable <- unreliableItem{msg: wire}:
	default:
		s.log.Errorf("conn %s: unreliable queue full, dropping message (service=%d stream=%d)", s.connId, serviceId, msg.StreamId)
	}
}

// Close enqueues a close request on the unreliable queue (so it may race
// ahead of undelivered unreliable data); unlike Send, Close blocks until
// room is available, guaranteeing the request is not silently dropped.
func (s *connectionSender) Close() {
	select {
	case s.unreliable <- unreliableItem{isClose: true}:
	case <-s.shutdownCh:
	}
}

// run is the single writer goroutine for the connection's socket: the
// Opening -> Established -> Closing -> Closed state machine of §4.B.
func (s *connectionSender) run() {
	defer s.shutdown()

	// Opening: first action on establishment is to emit Ping.
	if err := writeFrame(s.conn, pingMsg(s.timer.NowMs())); err != nil {
		s.log.Errorf("conn %s: initial ping failed: %v", s.connId, err)
		return
	}
	s.state.set(stateEstablished)

	ticker := time.NewTicker(transport.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.reliable.Signal():
			items, ok := s.reliable.PopAll()
			for _, item := range items {
				if err := writeFrame(s.conn, item); err != nil {
					s.log.Errorf("conn %s: reliable write failed: %v", s.connId, err)
					return
				}
			}
			if !ok {
				return
			}

		case item := <-s.unreliable:
			if item.isClose {
				s.log.Infof("conn %s: close requested", s.connId)
				return
			}
			if err := writeFrame(s.conn, item.msg); err != nil {
				s.log.Errorf("conn %s: unreliable write failed: %v", s.connId, err)
				return
			}

		case <-ticker.C:
			if err := writeFrame(s.conn, pingMsg(s.timer.NowMs())); err != nil {
				s.log.Errorf("conn %s: ping failed: %v", s.connId, err)
				return
			}

		case <-s.shutdownCh:
			return
		}
	}
}

// shutdown performs the full-duplex socket close and the Closing -> Closed
// transition. It is safe to call more than once (remote EOF and local
// Close/Drop can race).
func (s *connectionSender) shutdown() {
	s.state.set(stateClosing)
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
		_ = s.conn.Close()
		s.reliable.Close()
	})
	s.state.set(stateClosed)
}

// notifyClosed is invoked by the receiver on EOF/read error so the sender
// goroutine also winds down (remote-initiated close, §4.B Closing state).
func (s *connectionSender) notifyClosed() {
	select {
	case <-s.shutdownCh:
	default:
		s.shutdown()
	}
}

// connectionReceiver is the exclusively-owned receiving half of a TCP
// connection.
type connectionReceiver struct {
	remoteNodeId identity.NodeId
	remoteAddr   identity.NodeAddr
	connId       identity.ConnId

	conn    net.Conn
	timer   timer.Timer
	log     logging.Logger
	sender  *connectionSender
	pending *transport.ConnectionStats
}

func newConnectionReceiver(conn net.Conn, remoteNodeId identity.NodeId, remoteAddr identity.NodeAddr, connId identity.ConnId, t timer.Timer, log logging.Logger, sender *connectionSender, initialStats *transport.ConnectionStats) *connectionReceiver {
	return &connectionReceiver{
		remoteNodeId: remoteNodeId,
		remoteAddr:   remoteAddr,
		connId:       connId,
		conn:         conn,
		timer:        t,
		log:          log,
		sender:       sender,
		pending:      initialStats,
	}
}

func (r *connectionReceiver) RemoteNodeId() identity.NodeId { return r.remoteNodeId }
func (r *connectionReceiver) ConnId() identity.ConnId       { return r.connId }
func (r *connectionReceiver) RemoteAddr() identity.NodeAddr { return r.remoteAddr }

// Poll yields the next event, or an error once the underlying stream is
// closed.
func (r *connectionReceiver) Poll() (transport.ConnectionEvent, error) {
	if r.pending != nil {
		stats := *r.pending
		r.pending = nil
		return transport.ConnectionEvent{Kind: transport.ConnectionEventStats, Stats: stats}, nil
	}

	for {
		msg, err := readFrame(r.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Infof("conn %s: receive loop error: %v", r.connId, err)
			} else {
				r.log.Infof("conn %s: stream closed", r.connId)
			}
			r.sender.notifyClosed()
			return transport.ConnectionEvent{}, err
		}

		switch msg.Kind {
		case kindMsg:
			return transport.ConnectionEvent{
				Kind:      transport.ConnectionEventMsg,
				ServiceId: msg.ServiceId,
				Msg:       transport.ConnectionMsg{Reliable: msg.Reliable, StreamId: msg.StreamId, Data: msg.Data},
			}, nil

		case kindPing:
			// Synchronously echo Pong on the reliable outgoing queue.
			r.sender.reliable.Push(pongMsg(msg.SentMs))

		case kindPong:
			now := r.timer.NowMs()
			rtt := now - msg.SentMs
			if rtt > 0xFFFF {
				rtt = 0xFFFF
			}
			return transport.ConnectionEvent{
				Kind: transport.ConnectionEventStats,
				Stats: transport.ConnectionStats{
					RttMs: uint16(rtt),
				},
			}, nil

		default:
			r.log.Warnf("conn %s: unexpected frame kind %d, expected Msg/Ping/Pong", r.connId, msg.Kind)
		}
	}
}
