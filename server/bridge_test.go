package server

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"multiplay/protocol"
)

func newTestBridge(reg *fakeRegistry, sim *fakeSim) (*Bridge, *CommandStore, *Metrics) {
	store := NewCommandStore()
	metrics := &Metrics{}
	return NewBridge(store, reg, sim, metrics, zap.NewNop().Sugar()), store, metrics
}

func TestBridgeDispatchesEveryKind(t *testing.T) {
	cases := []struct {
		cmd  protocol.Command
		want []simCall
	}{
		{protocol.Command{Kind: protocol.KindNop}, nil},
		{protocol.Command{Kind: protocol.KindMessage, Argument: "hi"}, []simCall{{"chat", "alice", "hi"}}},
		{protocol.Command{Kind: protocol.KindSpawn, Argument: "mon_zombie"}, []simCall{{"spawn", "alice", "mon_zombie"}}},
		{protocol.Command{Kind: protocol.KindDespawn, Argument: "mon_zombie"}, []simCall{{"despawn", "alice", "mon_zombie"}}},
		{protocol.Command{Kind: protocol.KindMove, Argument: "3,4"}, []simCall{{"move", "alice", "3,4"}}},
		{protocol.Command{Kind: protocol.KindMoveRepeated, Argument: "-1, 0"}, []simCall{{"move-repeated", "alice", "-1,0"}}},
		{protocol.Command{Kind: protocol.KindSpecialAttack, Argument: "leap"}, []simCall{{"special-attack", "alice", "leap"}}},
		{protocol.Command{Kind: protocol.KindAutoMove}, []simCall{{"auto-move", "alice", ""}}},
		{protocol.Command{Kind: protocol.KindQuit}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.cmd.Kind.String(), func(t *testing.T) {
			reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
			sim := &fakeSim{}
			bridge, store, _ := newTestBridge(reg, sim)
			tc.cmd.ClientID = "alice"
			store.Publish("alice", tc.cmd)

			if n := bridge.DrainAndApply(); n != 1 {
				t.Fatalf("expected 1 applied command, got %d", n)
			}
			if got := sim.Calls(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected calls %+v, got %+v", tc.want, got)
			}
			if store.Len() != 0 {
				t.Fatalf("expected command to be consumed")
			}
		})
	}
}

func TestBridgeMessageIsBroadcast(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
	bridge, store, _ := newTestBridge(reg, &fakeSim{})
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMessage, Argument: "hello"})
	bridge.DrainAndApply()

	want := []protocol.Command{{Kind: protocol.KindMessage, Argument: "alice: hello"}}
	if !reflect.DeepEqual(reg.broadcasts, want) {
		t.Fatalf("expected broadcast %+v, got %+v", want, reg.broadcasts)
	}
}

func TestBridgeQuitDisconnects(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
	bridge, store, _ := newTestBridge(reg, &fakeSim{})
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindQuit})
	bridge.DrainAndApply()
	if !reflect.DeepEqual(reg.disconnected, []protocol.ClientID{"alice"}) {
		t.Fatalf("expected alice to be disconnected, got %v", reg.disconnected)
	}
}

func TestBridgeAppliesInRegistryOrder(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice", "bob", "carol"}}
	sim := &fakeSim{}
	bridge, store, _ := newTestBridge(reg, sim)
	for _, id := range []protocol.ClientID{"carol", "alice", "bob"} {
		store.Publish(id, protocol.Command{ClientID: id, Kind: protocol.KindAutoMove})
	}
	if n := bridge.DrainAndApply(); n != 3 {
		t.Fatalf("expected 3 applied, got %d", n)
	}
	var order []protocol.ClientID
	for _, c := range sim.Calls() {
		order = append(order, c.ID)
	}
	if !reflect.DeepEqual(order, reg.ids) {
		t.Fatalf("expected order %v, got %v", reg.ids, order)
	}
}

func TestBridgeSkipsUnregisteredClients(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
	sim := &fakeSim{}
	bridge, store, _ := newTestBridge(reg, sim)
	store.Publish("ghost", protocol.Command{ClientID: "ghost", Kind: protocol.KindMove, Argument: "1,1"})
	if n := bridge.DrainAndApply(); n != 0 {
		t.Fatalf("expected nothing applied, got %d", n)
	}
	if len(sim.Calls()) != 0 {
		t.Fatalf("unexpected calls %+v", sim.Calls())
	}
}

func TestBridgeMissingEntityIsNoop(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
	sim := &fakeSim{missing: map[protocol.ClientID]bool{"alice": true}}
	bridge, store, metrics := newTestBridge(reg, sim)
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindSpecialAttack, Argument: "bite"})

	if n := bridge.DrainAndApply(); n != 0 {
		t.Fatalf("expected missing entity to count as no-op, got %d", n)
	}
	if load(&metrics.ApplyFailures) != 0 {
		t.Fatalf("missing entity must not count as a failure")
	}
}

func TestBridgeRejectsMalformedVector(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
	sim := &fakeSim{}
	bridge, store, metrics := newTestBridge(reg, sim)
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMove, Argument: "north"})

	if n := bridge.DrainAndApply(); n != 0 {
		t.Fatalf("expected malformed move to be dropped, got %d", n)
	}
	if len(sim.Calls()) != 0 || load(&metrics.ApplyFailures) != 1 {
		t.Fatalf("expected no calls and one failure, got %+v failures=%d", sim.Calls(), load(&metrics.ApplyFailures))
	}
}

func TestBridgeRecoversFromSimulationPanic(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice", "bob"}}
	sim := &fakeSim{panicOn: "spawn"}
	bridge, store, metrics := newTestBridge(reg, sim)
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindSpawn, Argument: "mon_zombie"})
	store.Publish("bob", protocol.Command{ClientID: "bob", Kind: protocol.KindMove, Argument: "0,1"})

	if n := bridge.DrainAndApply(); n != 1 {
		t.Fatalf("expected bob's move to still apply, got %d", n)
	}
	if load(&metrics.ApplyFailures) != 1 {
		t.Fatalf("expected panic to be counted as a failure")
	}
}

func TestBridgeReapAppliesFinalCommandThenRemoves(t *testing.T) {
	reg := &fakeRegistry{reap: []protocol.ClientID{"alice"}}
	sim := &fakeSim{}
	bridge, store, _ := newTestBridge(reg, sim)
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMove, Argument: "3,4"})

	if n := bridge.DrainAndApply(); n != 1 {
		t.Fatalf("expected final command to apply, got %d", n)
	}
	want := []simCall{{"move", "alice", "3,4"}, {"leave", "alice", ""}}
	if got := sim.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no stale entry after reap")
	}
}

// 同一 Tick 内已执行过命令的客户端，回收时不再执行迟到的命令
func TestBridgeAtMostOneCommandPerClientPerTick(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}, reap: []protocol.ClientID{"alice"}}
	sim := &fakeSim{}
	bridge, store, _ := newTestBridge(reg, sim)
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMove, Argument: "1,0"})
	reg.reapHook = func() {
		store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMove, Argument: "9,9"})
	}

	if n := bridge.DrainAndApply(); n != 1 {
		t.Fatalf("expected exactly one command applied, got %d", n)
	}
	want := []simCall{{"move", "alice", "1,0"}, {"leave", "alice", ""}}
	if got := sim.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if store.Len() != 0 {
		t.Fatalf("expected late command to be purged")
	}
}
