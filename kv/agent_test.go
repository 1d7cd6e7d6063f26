package kv

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/bluesea-net/sdn-network/awaker"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/router"
	"github.com/bluesea-net/sdn-network/timer"
)

func newTestAgent() (*Agent, *timer.MockTimer, *awaker.MockAwaker) {
	mt := timer.NewMockTimer()
	ma := awaker.NewMockAwaker()
	a := NewAgent(mt, ma, logging.NoOpLogger{}, Config{SyncEachMs: 10_000})
	return a, mt, ma
}

func expectAction(t *testing.T, a *Agent, want Action) {
	t.Helper()
	got, ok := a.PopAction()
	if !ok {
		t.Fatalf("expected action %+v, got none", want)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected action %+v, got %+v", want, got)
	}
}

func expectNoAction(t *testing.T, a *Agent) {
	t.Helper()
	if got, ok := a.PopAction(); ok {
		t.Fatalf("expected no action, got %+v", got)
	}
}

// S1 — Set + Ack
func TestSet_SetAndAck(t *testing.T) {
	a, _, awake := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	if got := awake.PopAwakeCount(); got != 1 {
		t.Fatalf("expected 1 awake, got %d", got)
	}

	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteSet, Req: 0, Key: 1, Value: []byte{1}, Version: 0},
		Rule:  router.NewToKey(1),
	})
	expectNoAction(t, a)

	a.OnEvent(2, LocalEvent{Kind: LocalSetAck, Req: 0, Key: 1, Version: 0, Success: true})

	a.Tick()
	expectNoAction(t, a)
}

// S2 — Version bump
func TestSet_GeneratesNewVersionAcrossTicks(t *testing.T) {
	a, mt, _ := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	if _, ok := a.PopAction(); !ok {
		t.Fatal("expected an action")
	}
	expectNoAction(t, a)

	mt.Fake(1000)

	a.Set(1, []byte{2}, false, 0)
	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteSet, Req: 1, Key: 1, Value: []byte{2}, Version: 65536001},
		Rule:  router.NewToKey(1),
	})
	expectNoAction(t, a)

	a.OnEvent(2, LocalEvent{Kind: LocalSetAck, Req: 1, Key: 1, Version: 65536001, Success: true})
	a.Tick()
	expectNoAction(t, a)
}

// S3 — Unacked retransmit
func TestSet_RetransmitsWithoutAck(t *testing.T) {
	a, _, _ := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	if _, ok := a.PopAction(); !ok {
		t.Fatal("expected an action")
	}
	expectNoAction(t, a)

	a.Tick()
	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteSet, Req: 1, Key: 1, Value: []byte{1}, Version: 0},
		Rule:  router.NewToKey(1),
	})
	expectNoAction(t, a)
}

// S4 — Periodic resync of acked state
func TestSet_ResyncsAfterSyncEachMs(t *testing.T) {
	a, mt, _ := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	if _, ok := a.PopAction(); !ok {
		t.Fatal("expected an action")
	}
	expectNoAction(t, a)

	a.OnEvent(2, LocalEvent{Kind: LocalSetAck, Req: 0, Key: 1, Version: 0, Success: true})
	a.Tick()
	expectNoAction(t, a)

	mt.Fake(10_001)
	a.Tick()
	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteSet, Req: 1, Key: 1, Value: []byte{1}, Version: 0},
		Rule:  router.NewToKey(1),
	})
}

func TestDel_MarksAfterAck(t *testing.T) {
	a, _, awake := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	if _, ok := a.PopAction(); !ok {
		t.Fatal("expected an action")
	}
	a.OnEvent(2, LocalEvent{Kind: LocalSetAck, Req: 0, Key: 1, Version: 0, Success: true})

	a.Del(1)
	if got := awake.PopAwakeCount(); got != 2 {
		t.Fatalf("expected 2 awakes, got %d", got)
	}
	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteDel, Req: 1, Key: 1, Version: 0},
		Rule:  router.NewToKey(1),
	})
	expectNoAction(t, a)

	a.OnEvent(2, LocalEvent{Kind: LocalDelAck, Req: 1, Key: 1, HasDeletedVersion: true, DeletedVersion: 0})
	a.Tick()
	expectNoAction(t, a)
}

func TestDel_BestEffortAckWhenNoVersion(t *testing.T) {
	a, _, _ := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	a.PopAction()
	a.OnEvent(2, LocalEvent{Kind: LocalSetAck, Req: 0, Key: 1, Version: 0, Success: true})

	a.Del(1)
	a.PopAction()

	a.OnEvent(2, LocalEvent{Kind: LocalDelAck, Req: 1, Key: 1})
	a.Tick()
	expectNoAction(t, a)
}

func TestDel_RetransmitsWithoutAck(t *testing.T) {
	a, _, _ := newTestAgent()

	a.Set(1, []byte{1}, false, 0)
	a.PopAction()
	a.OnEvent(2, LocalEvent{Kind: LocalSetAck, Req: 0, Key: 1, Version: 0, Success: true})

	a.Del(1)
	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteDel, Req: 1, Key: 1, Version: 0},
		Rule:  router.NewToKey(1),
	})

	a.Tick()
	expectAction(t, a, Action{
		Event: RemoteEvent{Kind: RemoteDel, Req: 2, Key: 1, Version: 0},
		Rule:  router.NewToKey(1),
	})
}

func TestDel_NoopOnUnknownKey(t *testing.T) {
	a, _, awake := newTestAgent()
	a.Del(42)
	expectNoAction(t, a)
	if got := awake.PopAwakeCount(); got != 0 {
		t.Fatalf("expected no awake, got %d", got)
	}
}

// S5 — Get timeout
func TestGet_TimesOutWithoutAck(t *testing.T) {
	a, mt, _ := newTestAgent()

	var results []GetResult
	a.Get(1, 1000, func(r GetResult) { results = append(results, r) })
	expectAction(t, a, Action{Event: RemoteEvent{Kind: RemoteGet, Req: 0, Key: 1}, Rule: router.NewToKey(1)})
	expectNoAction(t, a)

	mt.Fake(1001)
	a.Tick()

	if len(results) != 1 {
		t.Fatalf("expected exactly 1 callback, got %d", len(results))
	}
	if results[0].Err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", results[0].Err)
	}

	// No further callbacks on subsequent ticks.
	a.Tick()
	if len(results) != 1 {
		t.Fatalf("expected no further callbacks, got %d total", len(results))
	}
}

func TestGet_CallsBackWithValue(t *testing.T) {
	a, _, _ := newTestAgent()

	var got *GetResult
	a.Get(1, 1000, func(r GetResult) { got = &r })
	a.PopAction()

	a.OnEvent(2, LocalEvent{Kind: LocalGetAck, Req: 0, Key: 1, HasValue: true, Value: []byte{1}, Version: 0, Source: 1000})
	if got == nil {
		t.Fatal("expected callback")
	}
	if !got.HasValue || got.Version != 0 || got.Source != 1000 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestGet_UnknownAckIsIgnored(t *testing.T) {
	a, _, _ := newTestAgent()
	a.OnEvent(2, LocalEvent{Kind: LocalGetAck, Req: 999, Key: 1})
	expectNoAction(t, a)
}

// S6 — Subscribe event fan-out
func TestSubscribe_FanOutAndAck(t *testing.T) {
	a, _, _ := newTestAgent()

	var events [][]interface{}
	a.Subscribe(1, false, 0, func(key KeyId, hasValue bool, value []byte, version KeyVersion, source KeySource) {
		events = append(events, []interface{}{key, hasValue, value, version, source})
	})
	expectAction(t, a, Action{Event: RemoteEvent{Kind: RemoteSub, Req: 0, Key: 1}, Rule: router.NewToKey(1)})
	expectNoAction(t, a)

	a.OnEvent(2, LocalEvent{Kind: LocalSubAck, Req: 0, Key: 1})
	a.Tick()
	expectNoAction(t, a)

	a.OnEvent(2, LocalEvent{Kind: LocalOnKeySet, Req: 0, Key: 1, HasValue: true, Value: []byte{1}, Version: 0, Source: 1000})
	expectAction(t, a, Action{Event: RemoteEvent{Kind: RemoteOnKeySetAck, Req: 0}, Rule: router.NewToNode(2)})

	a.OnEvent(2, LocalEvent{Kind: LocalOnKeyDel, Req: 0, Key: 1, Version: 0, Source: 1000})
	expectAction(t, a, Action{Event: RemoteEvent{Kind: RemoteOnKeyDelAck, Req: 0}, Rule: router.NewToNode(2)})

	if len(events) != 2 {
		t.Fatalf("expected 2 fan-out events, got %d", len(events))
	}
	if events[0][1] != true || !bytes.Equal(events[0][2].([]byte), []byte{1}) {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1][1] != false {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func TestSubscribe_DuplicateIsIgnored(t *testing.T) {
	a, _, awake := newTestAgent()
	a.Subscribe(1, false, 0, func(KeyId, bool, []byte, KeyVersion, KeySource) {})
	a.PopAction()
	awake.PopAwakeCount()

	a.Subscribe(1, false, 0, func(KeyId, bool, []byte, KeyVersion, KeySource) {})
	expectNoAction(t, a)
	if got := awake.PopAwakeCount(); got != 0 {
		t.Fatalf("expected no awake on duplicate subscribe, got %d", got)
	}
}

func TestUnsubscribe_MarksAfterAck(t *testing.T) {
	a, _, awake := newTestAgent()
	a.Subscribe(1, false, 0, func(KeyId, bool, []byte, KeyVersion, KeySource) {})
	a.PopAction()
	a.OnEvent(2, LocalEvent{Kind: LocalSubAck, Req: 0, Key: 1})

	a.Unsubscribe(1)
	if got := awake.PopAwakeCount(); got != 2 {
		t.Fatalf("expected 2 awakes, got %d", got)
	}
	expectAction(t, a, Action{Event: RemoteEvent{Kind: RemoteUnsub, Req: 1, Key: 1}, Rule: router.NewToKey(1)})

	a.OnEvent(2, LocalEvent{Kind: LocalUnsubAck, Req: 1, Key: 1, Success: true})
	a.Tick()
	expectNoAction(t, a)
}

func TestUnsubscribe_NoopWhenNotSubscribed(t *testing.T) {
	a, _, awake := newTestAgent()
	a.Unsubscribe(1)
	expectNoAction(t, a)
	if got := awake.PopAwakeCount(); got != 0 {
		t.Fatalf("expected no awake, got %d", got)
	}
}

func TestPopAction_DrainsInOrderThenEmpty(t *testing.T) {
	a, _, _ := newTestAgent()
	a.Set(1, []byte{1}, false, 0)
	a.Set(2, []byte{2}, false, 0)

	first, ok := a.PopAction()
	if !ok || first.Event.Key != 1 {
		t.Fatalf("expected key 1 first, got %+v", first)
	}
	second, ok := a.PopAction()
	if !ok || second.Event.Key != 2 {
		t.Fatalf("expected key 2 second, got %+v", second)
	}
	if _, ok := a.PopAction(); ok {
		t.Fatal("expected queue to be empty")
	}
}
