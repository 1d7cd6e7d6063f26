// Package dispatch is the thin network-plane glue connecting a kv.Agent to
// a transport.Transport: it decodes received ConnectionMsg payloads into
// kv.LocalEvents and feeds kv.Agent.OnEvent, and turns kv.Agent actions back
// into routed, encoded ConnectionMsg sends. The spec leaves the real
// routing/membership plane out of scope; this is the minimal
// wiring needed to exercise the agent end-to-end over a real transport.
package dispatch

import (
	"sync"
	"time"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/kv"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/metrics"
	"github.com/bluesea-net/sdn-network/router"
	"github.com/bluesea-net/sdn-network/transport"
)

// KvServiceId/KvStreamId tag every frame this package exchanges on a
// connection, so a transport carrying other traffic can tell KV frames
// apart.
const (
	KvServiceId uint8  = 1
	KvStreamId  uint16 = 0
)

// Dispatcher owns no state of its own beyond a connection registry; all
// protocol state lives in the wrapped kv.Agent.
type Dispatcher struct {
	transport transport.Transport
	agent     *kv.Agent
	router    router.Router
	log       logging.Logger
	stats     *metrics.ConnectionStatsCollector

	// agentMu serializes every call into kv.Agent: the Agent is specified
	// as purely synchronous and expects its host to serialize access, but
	// this dispatcher drives it from several goroutines (one per polled
	// connection, plus the tick/wake loop).
	agentMu sync.Mutex

	mu      sync.RWMutex
	senders map[identity.NodeId]transport.ConnectionSender
}

// New wires agent to tr, resolving outgoing actions through r. stats may be
// nil, in which case liveness samples are simply discarded.
func New(tr transport.Transport, agent *kv.Agent, r router.Router, log logging.Logger, stats *metrics.ConnectionStatsCollector) *Dispatcher {
	return &Dispatcher{
		transport: tr,
		agent:     agent,
		router:    r,
		log:       log,
		stats:     stats,
		senders:   map[identity.NodeId]transport.ConnectionSender{},
	}
}

// Run drives three loops until stop is closed: the transport's incoming
// TransportEvent stream, the agent's wake channel (fed by its Awaker
// whenever a local call produces new actions), and a tick timer that calls
// Agent.Tick at the given period. Run blocks; call it from its own
// goroutine.
func (d *Dispatcher) Run(stop <-chan struct{}, wake <-chan struct{}, tickEvery time.Duration) {
	go d.acceptLoop(stop)

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-wake:
			d.agentMu.Lock()
			d.drainActionsLocked()
			d.agentMu.Unlock()
		case <-ticker.C:
			d.agentMu.Lock()
			d.agent.Tick()
			d.drainActionsLocked()
			d.agentMu.Unlock()
		}
	}
}

func (d *Dispatcher) acceptLoop(stop <-chan struct{}) {
	for {
		ev, err := d.transport.Recv()
		if err != nil {
			d.log.Infof("dispatch: transport closed: %v", err)
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		switch ev.Kind {
		case transport.TransportEventIncoming, transport.TransportEventOutgoing:
			d.registerSender(ev.Sender)
			go d.pollReceiver(ev.Receiver)
		case transport.TransportEventOutgoingError:
			d.log.Warnf("dispatch: outgoing connection to %s failed: %v", ev.Peer, ev.Err)
		}
	}
}

func (d *Dispatcher) registerSender(s transport.ConnectionSender) {
	d.mu.Lock()
	d.senders[s.RemoteNodeId()] = s
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterSender(node identity.NodeId, s transport.ConnectionSender) {
	d.mu.Lock()
	if cur, ok := d.senders[node]; ok && cur == s {
		delete(d.senders, node)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) senderFor(node identity.NodeId) (transport.ConnectionSender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[node]
	return s, ok
}

func (d *Dispatcher) pollReceiver(r transport.ConnectionReceiver) {
	remote := r.RemoteNodeId()
	connId := r.ConnId()
	defer func() {
		if s, ok := d.senderFor(remote); ok {
			d.unregisterSender(remote, s)
		}
		if d.stats != nil {
			d.stats.Forget(connId, remote)
		}
	}()

	for {
		ev, err := r.Poll()
		if err != nil {
			d.log.Infof("dispatch: connection to %s closed: %v", remote, err)
			return
		}
		if ev.Kind == transport.ConnectionEventStats {
			if d.stats != nil {
				d.stats.Observe(connId, remote, ev.Stats)
			}
			continue
		}
		if ev.Kind != transport.ConnectionEventMsg || ev.ServiceId != KvServiceId {
			continue
		}
		local, err := decodeLocalEvent(ev.Msg.Data)
		if err != nil {
			d.log.Errorf("dispatch: malformed LocalEvent from %s: %v", remote, err)
			continue
		}
		d.agentMu.Lock()
		d.agent.OnEvent(remote, local)
		d.drainActionsLocked()
		d.agentMu.Unlock()
	}
}

// drainActionsLocked requires agentMu to be held.
func (d *Dispatcher) drainActionsLocked() {
	for {
		action, ok := d.agent.PopAction()
		if !ok {
			return
		}
		node, ok := d.router.Resolve(action.Rule)
		if !ok {
			d.log.Warnf("dispatch: no route for action %s on key %d", action.Event.Kind, action.Event.Key)
			continue
		}
		sender, ok := d.senderFor(node)
		if !ok {
			d.log.Warnf("dispatch: no open connection to %s, dropping %s", node, action.Event.Kind)
			continue
		}
		data, err := encodeRemoteEvent(action.Event)
		if err != nil {
			d.log.Errorf("dispatch: encode RemoteEvent: %v", err)
			continue
		}
		sender.Send(KvServiceId, transport.Reliable(KvStreamId, data))
	}
}
