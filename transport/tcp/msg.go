// Package tcp implements the Transport contract over real TCP sockets: a
// length-prefixed, msgpack-serialized TcpMsg frame alphabet,
// handshake, ping/pong liveness, and the Opening/Established/Closing/Closed
// connection state machine.
package tcp

import (
	"github.com/bluesea-net/sdn-network/identity"
)

// tcpMsgKind tags the wire frame alphabet:
//
//	TcpMsg<M> = ConnectRequest(self_id, peer_id, peer_addr)
//	          | ConnectResponse(Ok(peer_id, peer_addr) | Err(reason))
//	          | Ping(sent_ms)
//	          | Pong(echoed_sent_ms)
//	          | Msg(service_id, ConnectionMsg<M>)
type tcpMsgKind uint8

const (
	kindConnectRequest tcpMsgKind = iota
	kindConnectResponse
	kindPing
	kindPong
	kindMsg
)

// tcpMsg is the single struct every frame marshals through; only the fields
// relevant to Kind are populated. The codec tags are kept short because
// they are the on-the-wire msgpack map keys.
type tcpMsg struct {
	Kind tcpMsgKind `codec:"k"`

	// ConnectRequest / ConnectResponse.
	SelfId   identity.NodeId  `codec:"si,omitempty"`
	PeerId   identity.NodeId  `codec:"pi,omitempty"`
	PeerAddr identity.NodeAddr `codec:"pa,omitempty"`
	Ok       bool             `codec:"ok,omitempty"`
	ErrMsg   string           `codec:"er,omitempty"`

	// Ping / Pong.
	SentMs uint64 `codec:"t,omitempty"`

	// Msg.
	ServiceId uint8  `codec:"svc,omitempty"`
	Reliable  bool   `codec:"rel,omitempty"`
	StreamId  uint16 `codec:"st,omitempty"`
	Data      []byte `codec:"d,omitempty"`
}

func connectRequestMsg(selfId, peerId identity.NodeId, selfAddr identity.NodeAddr) tcpMsg {
	return tcpMsg{Kind: kindConnectRequest, SelfId: selfId, PeerId: peerId, PeerAddr: selfAddr}
}

func connectResponseOkMsg(selfId identity.NodeId, selfAddr identity.NodeAddr) tcpMsg {
	return tcpMsg{Kind: kindConnectResponse, Ok: true, SelfId: selfId, PeerAddr: selfAddr}
}

func connectResponseErrMsg(reason string) tcpMsg {
	return tcpMsg{Kind: kindConnectResponse, Ok: false, ErrMsg: reason}
}

func pingMsg(sentMs uint64) tcpMsg {
	return tcpMsg{Kind: kindPing, SentMs: sentMs}
}

func pongMsg(sentMs uint64) tcpMsg {
	return tcpMsg{Kind: kindPong, SentMs: sentMs}
}

func dataMsg(serviceId uint8, reliable bool, streamId uint16, data []byte) tcpMsg {
	return tcpMsg{Kind: kindMsg, ServiceId: serviceId, Reliable: reliable, StreamId: streamId, Data: data}
}
