// Package kv implements the replicated key-value local agent: the
// protocol-facing state machine that drives Set/Get/Del/Subscribe/
// Unsubscribe against a remote authoritative storage node.
package kv

import (
	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/router"
)

// KeyId identifies a replicated key.
type KeyId uint64

// KeyVersion orders mutations to a single key; see Agent.genVersion.
type KeyVersion uint64

// KeySource is the originating node of a replicated key update.
type KeySource = identity.NodeId

// ReqId correlates a remote action with its eventual ack.
type ReqId uint64

// RemoteEventKind tags the RemoteEvent variant (local -> remote alphabet).
type RemoteEventKind uint8

const (
	RemoteSet RemoteEventKind = iota
	RemoteGet
	RemoteDel
	RemoteSub
	RemoteUnsub
	RemoteOnKeySetAck
	RemoteOnKeyDelAck
)

func (k RemoteEventKind) String() string {
	switch k {
	case RemoteSet:
		return "Set"
	case RemoteGet:
		return "Get"
	case RemoteDel:
		return "Del"
	case RemoteSub:
		return "Sub"
	case RemoteUnsub:
		return "Unsub"
	case RemoteOnKeySetAck:
		return "OnKeySetAck"
	case RemoteOnKeyDelAck:
		return "OnKeyDelAck"
	default:
		return "Unknown"
	}
}

// RemoteEvent is one entry of the local -> remote wire alphabet.
type RemoteEvent struct {
	Kind RemoteEventKind
	Req  ReqId
	Key  KeyId

	// Set only.
	Value []byte
	// Set, Del: the slot's version at emission time.
	Version KeyVersion
	// Set, Sub: optional expiry in ms.
	HasEx bool
	ExMs  uint64
}

// LocalEventKind tags the LocalEvent variant (remote -> local alphabet).
type LocalEventKind uint8

const (
	LocalSetAck LocalEventKind = iota
	LocalGetAck
	LocalDelAck
	LocalSubAck
	LocalUnsubAck
	LocalOnKeySet
	LocalOnKeyDel
)

func (k LocalEventKind) String() string {
	switch k {
	case LocalSetAck:
		return "SetAck"
	case LocalGetAck:
		return "GetAck"
	case LocalDelAck:
		return "DelAck"
	case LocalSubAck:
		return "SubAck"
	case LocalUnsubAck:
		return "UnsubAck"
	case LocalOnKeySet:
		return "OnKeySet"
	case LocalOnKeyDel:
		return "OnKeyDel"
	default:
		return "Unknown"
	}
}

// LocalEvent is one entry of the remote -> local wire alphabet.
type LocalEvent struct {
	Kind LocalEventKind
	Req  ReqId
	Key  KeyId

	// SetAck.
	Version KeyVersion
	Success bool

	// GetAck: whether a value was found, and its payload.
	HasValue bool
	Value    []byte
	Source   KeySource

	// DelAck: whether the remote reported a deleted version at all
	// (absence is an unconditional "best-effort ack").
	HasDeletedVersion bool
	DeletedVersion    KeyVersion

	// OnKeySet/OnKeyDel.
	// Version/HasValue/Value/Source double as the payload fields above.
}

// Action pairs a RemoteEvent with the RouteRule it should be dispatched
// through; Agent.PopAction drains these in enqueue order.
type Action struct {
	Event RemoteEvent
	Rule  router.RouteRule
}
