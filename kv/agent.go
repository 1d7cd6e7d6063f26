package kv

import (
	"errors"

	"github.com/bluesea-net/sdn-network/awaker"
	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/router"
	"github.com/bluesea-net/sdn-network/timer"
)

// ErrNetwork and ErrTimeout form SimpleKeyValueGetError: the error alphabet
// a Get callback can observe. NetworkError is reserved for a future dispatcher
// that cannot resolve a route; it is never produced by Agent itself today.
var (
	ErrNetwork = errors.New("kv: network error")
	ErrTimeout = errors.New("kv: get timed out")
)

// GetResult is delivered to a Get callback exactly once.
type GetResult struct {
	Err      error
	HasValue bool
	Value    []byte
	Version  KeyVersion
	Source   KeySource
}

type dataSlot struct {
	hasValue bool
	value    []byte
	hasEx    bool
	exMs     uint64
	version  KeyVersion
	lastSync uint64
	acked    bool
}

type subscribeSlot struct {
	hasEx    bool
	exMs     uint64
	lastSync uint64
	sub      bool
	acked    bool
	handler  func(key KeyId, hasValue bool, value []byte, version KeyVersion, source KeySource)
}

type getSlot struct {
	timeoutAfterMs uint64
	callback       func(GetResult)
}

// Config bundles the Agent's tunables, in the teacher's
// BaseConfiguration/DefaultConfiguration style (protocol.go).
type Config struct {
	// SyncEachMs is the idle re-emission period for acknowledged state.
	SyncEachMs uint64
}

func DefaultConfig() Config {
	return Config{SyncEachMs: 10_000}
}

// Agent is the local-side KV protocol state machine. It is purely
// synchronous and event-driven: it owns no tasks, no channels, no I/O. A
// host must externally serialize calls to it.
type Agent struct {
	timer  timer.Timer
	awake  awaker.Awaker
	log    logging.Logger
	config Config

	reqIdSeed   uint64
	versionSeed uint16

	data      map[KeyId]*dataSlot
	subscribe map[KeyId]*subscribeSlot
	getQueue  map[ReqId]*getSlot

	actions []Action
}

// NewAgent builds an Agent bound to the given timer and awaker capabilities.
func NewAgent(t timer.Timer, awake awaker.Awaker, log logging.Logger, config Config) *Agent {
	return &Agent{
		timer:     t,
		awake:     awake,
		log:       log,
		config:    config,
		data:      make(map[KeyId]*dataSlot),
		subscribe: make(map[KeyId]*subscribeSlot),
		getQueue:  make(map[ReqId]*getSlot),
	}
}

func (a *Agent) genReqId() ReqId {
	id := a.reqIdSeed
	a.reqIdSeed++
	return ReqId(id)
}

// genVersion produces (now_ms << 16) | seed16, seed16 wrapping at 16 bits:
// monotonic within a tick across up to 65536 versions, strictly increasing
// across ticks.
func (a *Agent) genVersion() KeyVersion {
	now := a.timer.NowMs()
	v := (now << 16) | uint64(a.versionSeed)
	a.versionSeed++
	return KeyVersion(v)
}

func (a *Agent) push(event RemoteEvent, rule router.RouteRule) {
	a.actions = append(a.actions, Action{Event: event, Rule: rule})
}

// PopAction drains the output queue in enqueue order; returns false once
// empty.
func (a *Agent) PopAction() (Action, bool) {
	if len(a.actions) == 0 {
		return Action{}, false
	}
	act := a.actions[0]
	a.actions = a.actions[1:]
	return act, true
}

// Set installs a new version for key and emits a Set action routed by key.
func (a *Agent) Set(key KeyId, value []byte, hasEx bool, exMs uint64) {
	req := a.genReqId()
	version := a.genVersion()
	a.log.Debugf("set key %d with version %d", key, version)

	a.data[key] = &dataSlot{
		hasValue: true,
		value:    value,
		hasEx:    hasEx,
		exMs:     exMs,
		version:  version,
		lastSync: 0,
		acked:    false,
	}

	a.push(RemoteEvent{Kind: RemoteSet, Req: req, Key: key, Value: value, Version: version, HasEx: hasEx, ExMs: exMs}, router.NewToKey(uint32(key)))
	a.awake.Notify()
}

// Get allocates a timeout-bounded callback slot and emits a Get action.
func (a *Agent) Get(key KeyId, timeoutMs uint64, callback func(GetResult)) {
	req := a.genReqId()
	a.log.Debugf("get key %d with req %d", key, req)

	a.getQueue[req] = &getSlot{
		timeoutAfterMs: a.timer.NowMs() + timeoutMs,
		callback:       callback,
	}
	a.push(RemoteEvent{Kind: RemoteGet, Req: req, Key: key}, router.NewToKey(uint32(key)))
	a.awake.Notify()
}

// Del marks key as deleted (keeping the slot until ack + tick so a
// retransmit can still happen) and emits a Del action. No-op if key is
// unknown.
func (a *Agent) Del(key KeyId) {
	slot, ok := a.data[key]
	if !ok {
		return
	}
	req := a.genReqId()
	slot.hasValue = false
	slot.value = nil
	slot.lastSync = 0
	slot.acked = false

	a.push(RemoteEvent{Kind: RemoteDel, Req: req, Key: key, Version: slot.version}, router.NewToKey(uint32(key)))
	a.awake.Notify()
}

// Subscribe registers a handler for key's replication events. A second
// Subscribe on an already-subscribed key is a warn-and-ignore no-op.
func (a *Agent) Subscribe(key KeyId, hasEx bool, exMs uint64, handler func(key KeyId, hasValue bool, value []byte, version KeyVersion, source KeySource)) {
	if _, ok := a.subscribe[key]; ok {
		a.log.Warnf("subscribe key %d but already subscribed", key)
		return
	}

	req := a.genReqId()
	a.subscribe[key] = &subscribeSlot{
		hasEx:    hasEx,
		exMs:     exMs,
		lastSync: 0,
		sub:      true,
		acked:    false,
		handler:  handler,
	}
	a.push(RemoteEvent{Kind: RemoteSub, Req: req, Key: key, HasEx: hasEx, ExMs: exMs}, router.NewToKey(uint32(key)))
	a.awake.Notify()
}

// Unsubscribe tears down a subscription. No-op if key is not subscribed.
func (a *Agent) Unsubscribe(key KeyId) {
	slot, ok := a.subscribe[key]
	if !ok {
		a.log.Warnf("unsubscribe key %d but not subscribed", key)
		return
	}
	req := a.genReqId()
	slot.sub = false
	slot.lastSync = 0
	slot.acked = false

	a.push(RemoteEvent{Kind: RemoteUnsub, Req: req, Key: key}, router.NewToKey(uint32(key)))
	a.awake.Notify()
}

// Tick drives retransmission of unacked state, periodic resync of acked
// state, and Get timeouts.
func (a *Agent) Tick() {
	now := a.timer.NowMs()

	// 1. Unacked DataSlots: resend Set or Del.
	for key, slot := range a.data {
		if slot.acked {
			continue
		}
		req := a.genReqId()
		if slot.hasValue {
			a.log.Debugf("resend set key %d version %d", key, slot.version)
			a.push(RemoteEvent{Kind: RemoteSet, Req: req, Key: key, Value: slot.value, Version: slot.version, HasEx: slot.hasEx, ExMs: slot.exMs}, router.NewToKey(uint32(key)))
		} else {
			a.log.Debugf("resend del key %d version %d", key, slot.version)
			a.push(RemoteEvent{Kind: RemoteDel, Req: req, Key: key, Version: slot.version}, router.NewToKey(uint32(key)))
		}
	}

	// 2. Unacked SubscribeSlots: resend Sub or Unsub.
	for key, slot := range a.subscribe {
		if slot.acked {
			continue
		}
		req := a.genReqId()
		if slot.sub {
			a.push(RemoteEvent{Kind: RemoteSub, Req: req, Key: key, HasEx: slot.hasEx, ExMs: slot.exMs}, router.NewToKey(uint32(key)))
		} else {
			a.push(RemoteEvent{Kind: RemoteUnsub, Req: req, Key: key}, router.NewToKey(uint32(key)))
		}
	}

	// 3. Acked DataSlots past sync cadence: resync Set, or remove if
	// tombstoned.
	var removeData []KeyId
	for key, slot := range a.data {
		if !slot.acked || now-slot.lastSync < a.config.SyncEachMs {
			continue
		}
		if slot.hasValue {
			req := a.genReqId()
			a.push(RemoteEvent{Kind: RemoteSet, Req: req, Key: key, Value: slot.value, Version: slot.version, HasEx: slot.hasEx, ExMs: slot.exMs}, router.NewToKey(uint32(key)))
			slot.lastSync = now
		} else {
			removeData = append(removeData, key)
		}
	}
	for _, key := range removeData {
		delete(a.data, key)
	}

	// 4. Acked SubscribeSlots past sync cadence: resync Sub, or remove if
	// unsubscribed.
	var removeSub []KeyId
	for key, slot := range a.subscribe {
		if !slot.acked || now-slot.lastSync < a.config.SyncEachMs {
			continue
		}
		if slot.sub {
			req := a.genReqId()
			a.push(RemoteEvent{Kind: RemoteSub, Req: req, Key: key, HasEx: slot.hasEx, ExMs: slot.exMs}, router.NewToKey(uint32(key)))
			slot.lastSync = now
		} else {
			removeSub = append(removeSub, key)
		}
	}
	for _, key := range removeSub {
		delete(a.subscribe, key)
	}

	// 5. Timed-out Gets.
	var timedOut []ReqId
	for req, slot := range a.getQueue {
		if now >= slot.timeoutAfterMs {
			timedOut = append(timedOut, req)
		}
	}
	for _, req := range timedOut {
		slot := a.getQueue[req]
		delete(a.getQueue, req)
		a.log.Debugf("get req %d timeout", req)
		slot.callback(GetResult{Err: ErrTimeout})
	}
}

// OnEvent handles an incoming LocalEvent from the remote storage node.
// from is the node that sent the event.
func (a *Agent) OnEvent(from identity.NodeId, event LocalEvent) {
	switch event.Kind {
	case LocalSetAck:
		if !event.Success {
			return
		}
		if slot, ok := a.data[event.Key]; ok && slot.version == event.Version {
			slot.acked = true
		}
	case LocalGetAck:
		slot, ok := a.getQueue[event.Req]
		if !ok {
			return
		}
		delete(a.getQueue, event.Req)
		slot.callback(GetResult{HasValue: event.HasValue, Value: event.Value, Version: event.Version, Source: event.Source})
	case LocalDelAck:
		slot, ok := a.data[event.Key]
		if !ok {
			return
		}
		if !event.HasDeletedVersion {
			// Best-effort ack: unconditional.
			slot.acked = true
		} else if slot.version >= event.DeletedVersion {
			slot.acked = true
		}
	case LocalSubAck:
		if slot, ok := a.subscribe[event.Key]; ok && slot.sub {
			slot.acked = true
		}
	case LocalUnsubAck:
		if !event.Success {
			return
		}
		if slot, ok := a.subscribe[event.Key]; ok && !slot.sub {
			slot.acked = true
		}
	case LocalOnKeySet:
		a.push(RemoteEvent{Kind: RemoteOnKeySetAck, Req: event.Req}, router.NewToNode(from))
		if slot, ok := a.subscribe[event.Key]; ok && slot.sub {
			slot.handler(event.Key, true, event.Value, event.Version, event.Source)
		}
	case LocalOnKeyDel:
		a.push(RemoteEvent{Kind: RemoteOnKeyDelAck, Req: event.Req}, router.NewToNode(from))
		if slot, ok := a.subscribe[event.Key]; ok && slot.sub {
			slot.handler(event.Key, false, nil, event.Version, event.Source)
		}
	}
}
