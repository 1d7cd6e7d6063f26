// Package identity defines the opaque peer identity and addressing types
// shared by every transport and the key-value control plane.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// NodeId globally identifies a peer. It carries no structure of its own;
// callers treat it as an opaque handle.
type NodeId uint32

func (n NodeId) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// ProtocolTag is one hop of a NodeAddr.
type ProtocolTag struct {
	// Kind distinguishes the hop variant, e.g. "ip4", "tcp", "p2p".
	Kind string
	// Text is the hop payload rendered as text (an IP, a port, a NodeId).
	Text string
}

func Ip4(addr string) ProtocolTag  { return ProtocolTag{Kind: "ip4", Text: addr} }
func Tcp(port uint16) ProtocolTag  { return ProtocolTag{Kind: "tcp", Text: strconv.FormatUint(uint64(port), 10)} }
func P2p(node NodeId) ProtocolTag  { return ProtocolTag{Kind: "p2p", Text: node.String()} }

// NodeAddr is an ordered multi-hop address, e.g. /ip4/1.2.3.4/tcp/4000/p2p/7.
type NodeAddr struct {
	Hops []ProtocolTag
}

func NewNodeAddr(hops ...ProtocolTag) NodeAddr {
	return NodeAddr{Hops: hops}
}

func (a NodeAddr) String() string {
	var b strings.Builder
	for _, hop := range a.Hops {
		fmt.Fprintf(&b, "/%s/%s", hop.Kind, hop.Text)
	}
	return b.String()
}

// NodeIdOf extracts the trailing P2p hop, if present.
func (a NodeAddr) NodeIdOf() (NodeId, bool) {
	for i := len(a.Hops) - 1; i >= 0; i-- {
		if a.Hops[i].Kind == "p2p" {
			if v, err := strconv.ParseUint(a.Hops[i].Text, 10, 32); err == nil {
				return NodeId(v), true
			}
		}
	}
	return 0, false
}

// Direction namespaces a ConnId so outgoing and incoming allocations on the
// same process never collide.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "out"
	}
	return "in"
}

// ConnId uniquely identifies a connection process-wide. It packs a protocol
// id, a direction bit and a monotonic counter into a single uint64 so it can
// be passed around cheaply and compared/hashed directly.
type ConnId uint64

const (
	connIdCounterBits = 55
	connIdCounterMask = (uint64(1) << connIdCounterBits) - 1
)

// NewConnId packs (protocolId, direction, counter) into a ConnId. Counter is
// truncated to 55 bits; callers allocate it from a monotonic, per-protocol,
// per-direction sequence (see Allocator below).
func NewConnId(protocolId uint8, direction Direction, counter uint64) ConnId {
	v := uint64(protocolId) << 56
	if direction == DirectionIncoming {
		v |= 1 << 55
	}
	v |= counter & connIdCounterMask
	return ConnId(v)
}

func (c ConnId) ProtocolId() uint8 {
	return uint8(uint64(c) >> 56)
}

func (c ConnId) Direction() Direction {
	if uint64(c)&(1<<55) != 0 {
		return DirectionIncoming
	}
	return DirectionOutgoing
}

func (c ConnId) Counter() uint64 {
	return uint64(c) & connIdCounterMask
}

func (c ConnId) String() string {
	return fmt.Sprintf("Conn(proto=%d,%s,#%d)", c.ProtocolId(), c.Direction(), c.Counter())
}

// Allocator hands out monotonic, collision-free ConnIds for a single
// (protocolId) namespace, one counter per direction. It is safe for
// concurrent use; each transport package keeps one allocator for its
// protocol id, shared by all of its transport instances.
type Allocator struct {
	protocolId uint8
	outCounter atomic.Uint64
	inCounter  atomic.Uint64
}

func NewAllocator(protocolId uint8) *Allocator {
	return &Allocator{protocolId: protocolId}
}

func (a *Allocator) NextOutgoing() ConnId {
	c := a.outCounter.Add(1) - 1
	return NewConnId(a.protocolId, DirectionOutgoing, c)
}

func (a *Allocator) NextIncoming() ConnId {
	c := a.inCounter.Add(1) - 1
	return NewConnId(a.protocolId, DirectionIncoming, c)
}
