package vnet

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/transport"
)

func addrFor(node identity.NodeId) identity.NodeAddr {
	return identity.NewNodeAddr(identity.P2p(node))
}

func recvTimeout(t *testing.T, tr *Transport) transport.TransportEvent {
	t.Helper()
	done := make(chan transport.TransportEvent, 1)
	go func() {
		ev, err := tr.Recv()
		if err != nil {
			t.Errorf("Recv: %v", err)
			return
		}
		done <- ev
	}()
	select {
	case ev := <-done:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return transport.TransportEvent{}
	}
}

// Fabric scenario : connecting across the in-process network
// yields synthetic liveness stats (rtt_ms=1, send_est_kbps=100000) before
// any application data, on both ends.
func TestFabric_ConnectAndExchange(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logging.NoOpLogger{}
	a := NewTransport(1, addrFor(1), log)
	b := NewTransport(2, addrFor(2), log)
	defer a.Close()
	defer b.Close()

	if _, err := a.ConnectTo(2, addrFor(2)); err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}

	outEv := recvTimeout(t, a)
	if outEv.Kind != transport.TransportEventOutgoing {
		t.Fatalf("expected outgoing event, got %v", outEv.Kind)
	}
	inEv := recvTimeout(t, b)
	if inEv.Kind != transport.TransportEventIncoming {
		t.Fatalf("expected incoming event, got %v", inEv.Kind)
	}

	aStats, err := outEv.Receiver.Poll()
	if err != nil {
		t.Fatalf("a.Poll: %v", err)
	}
	if aStats.Kind != transport.ConnectionEventStats || aStats.Stats.RttMs != 1 || aStats.Stats.SendEstKbps != 100000 {
		t.Fatalf("unexpected synthetic stats on a: %+v", aStats)
	}

	bStats, err := inEv.Receiver.Poll()
	if err != nil {
		t.Fatalf("b.Poll: %v", err)
	}
	if bStats.Kind != transport.ConnectionEventStats || bStats.Stats.RttMs != 1 {
		t.Fatalf("unexpected synthetic stats on b: %+v", bStats)
	}

	outEv.Sender.Send(5, transport.Reliable(1, []byte("hello")))
	ev, err := inEv.Receiver.Poll()
	if err != nil {
		t.Fatalf("b.Poll data: %v", err)
	}
	if ev.Kind != transport.ConnectionEventMsg || string(ev.Msg.Data) != "hello" || ev.ServiceId != 5 {
		t.Fatalf("unexpected data event: %+v", ev)
	}

	outEv.Sender.Close()
	if _, err := inEv.Receiver.Poll(); err == nil {
		t.Fatal("expected b's receiver to observe closure")
	}
}

func TestFabric_SelfConnectRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logging.NoOpLogger{}
	a := NewTransport(9, addrFor(9), log)
	defer a.Close()

	if _, err := a.ConnectTo(9, addrFor(9)); err == nil {
		t.Fatal("expected self-connect to be rejected")
	}
}

func TestFabric_UnknownDestination(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logging.NoOpLogger{}
	a := NewTransport(11, addrFor(11), log)
	defer a.Close()

	if _, err := a.ConnectTo(404, addrFor(404)); err != nil {
		t.Fatalf("ConnectTo should accept and report failure async: %v", err)
	}
	ev := recvTimeout(t, a)
	if ev.Kind != transport.TransportEventOutgoingError {
		t.Fatalf("expected outgoing error event, got %v", ev.Kind)
	}
	if ev.Err.Kind != transport.ErrDestinationNotFound {
		t.Fatalf("expected ErrDestinationNotFound, got %v", ev.Err.Kind)
	}
}

// Rebind semantics: binding the same port a second time replaces the
// previous listener rather than erroring, and closes it.
func TestFabric_RebindReplaces(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logging.NoOpLogger{}
	first := NewTransport(20, addrFor(20), log)
	second := NewTransport(20, addrFor(20), log)
	defer second.Close()

	select {
	case <-first.listener.closed:
	case <-time.After(time.Second):
		t.Fatal("expected rebind to close the first listener")
	}
}

// TestFabric_AuthenticationError exercises spec §4.D step 3: a port is
// registered, but to a different NodeId than the dialer expects.
func TestFabric_AuthenticationError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logging.NoOpLogger{}
	a := NewTransport(30, addrFor(30), log)
	// b binds port 200 under node 31; a expects node 999 there instead.
	b := NewTransportOnPort(200, 31, addrFor(31), log)
	defer a.Close()
	defer b.Close()

	if _, err := a.ConnectToPort(200, 999, addrFor(999)); err != nil {
		t.Fatalf("ConnectToPort should accept and report failure async: %v", err)
	}
	ev := recvTimeout(t, a)
	if ev.Kind != transport.TransportEventOutgoingError {
		t.Fatalf("expected outgoing error event, got %v", ev.Kind)
	}
	if ev.Err.Kind != transport.ErrAuthenticationError {
		t.Fatalf("expected ErrAuthenticationError, got %v", ev.Err.Kind)
	}
}

// TestFabric_LiteralScenario is the literal §8 fabric scenario: two
// listeners on distinct ports, a dial between them, and the synthetic
// Stats both sides observe before any application data.
func TestFabric_LiteralScenario(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logging.NoOpLogger{}
	nodeA, nodeB := identity.NodeId(40), identity.NodeId(41)
	a := NewTransportOnPort(100, nodeA, addrFor(nodeA), log)
	b := NewTransportOnPort(200, nodeB, addrFor(nodeB), log)
	defer a.Close()
	defer b.Close()

	if _, err := a.ConnectToPort(200, nodeB, addrFor(nodeB)); err != nil {
		t.Fatalf("ConnectToPort: %v", err)
	}

	outEv := recvTimeout(t, a)
	if outEv.Kind != transport.TransportEventOutgoing {
		t.Fatalf("expected outgoing event, got %v", outEv.Kind)
	}
	inEv := recvTimeout(t, b)
	if inEv.Kind != transport.TransportEventIncoming {
		t.Fatalf("expected incoming event, got %v", inEv.Kind)
	}

	aStats, err := outEv.Receiver.Poll()
	if err != nil || aStats.Stats.RttMs != 1 || aStats.Stats.SendEstKbps != 100000 {
		t.Fatalf("unexpected synthetic stats on a: %+v err=%v", aStats, err)
	}
	bStats, err := inEv.Receiver.Poll()
	if err != nil || bStats.Stats.RttMs != 1 || bStats.Stats.SendEstKbps != 100000 {
		t.Fatalf("unexpected synthetic stats on b: %+v err=%v", bStats, err)
	}
}
