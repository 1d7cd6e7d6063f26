// Package router defines the opaque routing contract the KV agent emits
// actions against. Routing policy itself — how a RouteRule resolves to a
// next-hop NodeId — is out of scope: this package only names the contract,
// plus a trivial StaticRouter test double for wiring example code and
// tests.
package router

import "github.com/bluesea-net/sdn-network/identity"

// RuleKind tags the RouteRule variant.
type RuleKind uint8

const (
	// ToKey routes by a DHT-style hash target over the key space.
	ToKey RuleKind = iota
	// ToNode is a direct unicast to a known NodeId.
	ToNode
)

// RouteRule is the opaque routing hint the KV agent attaches to every
// outgoing action.
type RouteRule struct {
	Kind RuleKind
	Key  uint32
	Node identity.NodeId
}

func NewToKey(key uint32) RouteRule {
	return RouteRule{Kind: ToKey, Key: key}
}

func NewToNode(node identity.NodeId) RouteRule {
	return RouteRule{Kind: ToNode, Node: node}
}

// Router maps a RouteRule to a concrete next-hop NodeId. Implementing the
// actual policy (consistent hashing over a DHT, neighbour tables, etc.) is
// left to the host; this package provides only the contract.
type Router interface {
	Resolve(rule RouteRule) (identity.NodeId, bool)
}

// StaticRouter resolves ToNode rules directly and ToKey rules via a fixed
// lookup table. It exists only so example wiring and tests can exercise the
// dispatcher without a real DHT; it is not a routing policy implementation.
type StaticRouter struct {
	KeyOwners map[uint32]identity.NodeId
}

func NewStaticRouter() *StaticRouter {
	return &StaticRouter{KeyOwners: make(map[uint32]identity.NodeId)}
}

func (r *StaticRouter) Resolve(rule RouteRule) (identity.NodeId, bool) {
	switch rule.Kind {
	case ToNode:
		return rule.Node, true
	case ToKey:
		node, ok := r.KeyOwners[rule.Key]
		return node, ok
	default:
		return 0, false
	}
}
