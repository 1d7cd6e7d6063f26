package tcp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/metrics"
	"github.com/bluesea-net/sdn-network/timer"
	"github.com/bluesea-net/sdn-network/transport"
)

// protocolId tags every ConnId this transport allocates, so TCP connections
// never collide with the in-process virtual-network transport's ids.
const protocolId uint8 = 1

// connIdAlloc is shared by every TcpTransport in the process so their
// ConnIds never collide.
var connIdAlloc = identity.NewAllocator(protocolId)

const handshakeTimeout = 10 * time.Second

// Config configures a TcpTransport.
type Config struct {
	// ListenAddr is the local "ip:port" the listener binds to.
	ListenAddr string
	SelfId     identity.NodeId
	// SelfAddr is advertised to peers during the handshake.
	SelfAddr            identity.NodeAddr
	UnreliableQueueSize int
}

// TcpTransport implements transport.Transport/transport.TransportConnector
// over real TCP sockets: one accept loop for incoming connections,
// a handshake (ConnectRequest/ConnectResponse) on every socket before it is
// surfaced as established, and a single channel funneling both directions'
// TransportEvents to Recv.
type TcpTransport struct {
	cfg       Config
	log       logging.Logger
	timer     timer.Timer
	stats     *metrics.ConnectionStatsCollector
	sessionId string

	listener *net.TCPListener
	alloc    *identity.Allocator
	events   chan transport.TransportEvent
}

// NewTcpTransport binds cfg.ListenAddr and starts the accept loop.
func NewTcpTransport(cfg Config, t timer.Timer, log logging.Logger, stats *metrics.ConnectionStatsCollector) (*TcpTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: resolve listen addr: %w", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}

	sessionId := uuid.NewString()
	tr := &TcpTransport{
		cfg:       cfg,
		log:       log,
		timer:     t,
		stats:     stats,
		sessionId: sessionId,
		listener:  ln,
		alloc:     connIdAlloc,
		events:    make(chan transport.TransportEvent, 64),
	}
	log.Infof("tcp: transport session %s bound to %s (node %s)", sessionId, ln.Addr(), cfg.SelfId)
	go tr.acceptLoop()
	return tr, nil
}

func (tr *TcpTransport) Connector() transport.TransportConnector { return tr }

// Recv yields the next transport event; it suspends until one is ready.
func (tr *TcpTransport) Recv() (transport.TransportEvent, error) {
	ev, ok := <-tr.events
	if !ok {
		return transport.TransportEvent{}, fmt.Errorf("tcp: transport closed")
	}
	return ev, nil
}

// ConnectTo allocates a ConnId synchronously and starts the outgoing
// handshake in the background; the result is reported via Recv.
func (tr *TcpTransport) ConnectTo(node identity.NodeId, addr identity.NodeAddr) (transport.PendingOutgoing, error) {
	dialAddr, err := tcpDialAddr(addr)
	if err != nil {
		return transport.PendingOutgoing{}, err
	}
	connId := tr.alloc.NextOutgoing()
	go tr.dial(connId, node, addr, dialAddr)
	return transport.PendingOutgoing{ConnId: connId}, nil
}

func (tr *TcpTransport) dial(connId identity.ConnId, expectPeer identity.NodeId, peerAddr identity.NodeAddr, dialAddr string) {
	conn, err := net.DialTimeout("tcp", dialAddr, handshakeTimeout)
	if err != nil {
		tr.emitOutgoingError(expectPeer, connId, transport.NewSimpleError(transport.ErrDestinationNotFound))
		return
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := writeFrame(conn, connectRequestMsg(tr.cfg.SelfId, expectPeer, tr.cfg.SelfAddr)); err != nil {
		conn.Close()
		tr.emitOutgoingError(expectPeer, connId, transport.NewSimpleError(transport.ErrDestinationNotFound))
		return
	}
	resp, err := readFrame(conn)
	if err != nil || resp.Kind != kindConnectResponse {
		conn.Close()
		tr.emitOutgoingError(expectPeer, connId, transport.NewSimpleError(transport.ErrDestinationNotFound))
		return
	}
	if !resp.Ok {
		conn.Close()
		tr.emitOutgoingError(expectPeer, connId, transport.NewBehaviorRejected(resp.ErrMsg))
		return
	}
	if expectPeer != 0 && resp.SelfId != expectPeer {
		conn.Close()
		tr.emitOutgoingError(expectPeer, connId, transport.NewSimpleError(transport.ErrAuthenticationError))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	tr.establish(conn, resp.SelfId, resp.PeerAddr, connId)
}

func (tr *TcpTransport) acceptLoop() {
	for {
		conn, err := tr.listener.Accept()
		if err != nil {
			tr.log.Infof("tcp: accept loop stopped: %v", err)
			close(tr.events)
			return
		}
		go tr.acceptHandshake(conn)
	}
}

func (tr *TcpTransport) acceptHandshake(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	req, err := readFrame(conn)
	if err != nil || req.Kind != kindConnectRequest {
		conn.Close()
		return
	}
	if req.PeerId != 0 && req.PeerId != tr.cfg.SelfId {
		writeFrame(conn, connectResponseErrMsg("unexpected peer id"))
		conn.Close()
		return
	}

	connId := tr.alloc.NextIncoming()
	if err := writeFrame(conn, connectResponseOkMsg(tr.cfg.SelfId, tr.cfg.SelfAddr)); err != nil {
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	tr.establish(conn, req.SelfId, req.PeerAddr, connId)
}

// establish wraps an authenticated socket into sender/receiver halves and
// surfaces an incoming/outgoing TransportEvent.
func (tr *TcpTransport) establish(conn net.Conn, remoteId identity.NodeId, remoteAddr identity.NodeAddr, connId identity.ConnId) {
	sender := newConnectionSender(conn, remoteId, remoteAddr, connId, tr.cfg.UnreliableQueueSize, tr.timer, tr.log, tr.stats)
	receiver := newConnectionReceiver(conn, remoteId, remoteAddr, connId, tr.timer, tr.log, sender, &transport.ConnectionStats{RttMs: 0})

	kind := transport.TransportEventOutgoing
	if connId.Direction() == identity.DirectionIncoming {
		kind = transport.TransportEventIncoming
	}
	tr.events <- transport.TransportEvent{Kind: kind, Sender: sender, Receiver: receiver}
}

func (tr *TcpTransport) emitOutgoingError(peer identity.NodeId, connId identity.ConnId, err transport.OutgoingConnectionError) {
	tr.events <- transport.TransportEvent{
		Kind:   transport.TransportEventOutgoingError,
		Peer:   peer,
		ConnId: connId,
		Err:    err,
	}
}

// Close stops the accept loop; in-flight connections are unaffected.
func (tr *TcpTransport) Close() error {
	return tr.listener.Close()
}

// tcpDialAddr extracts "ip:port" from a NodeAddr's ip4/tcp hops.
func tcpDialAddr(addr identity.NodeAddr) (string, error) {
	var ip, port string
	for _, hop := range addr.Hops {
		switch hop.Kind {
		case "ip4":
			ip = hop.Text
		case "tcp":
			port = hop.Text
		}
	}
	if ip == "" || port == "" {
		return "", fmt.Errorf("tcp: address %s has no ip4/tcp hop", addr.String())
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("tcp: address %s has invalid tcp port: %w", addr.String(), err)
	}
	return strings.TrimSuffix(ip, "/") + ":" + port, nil
}
