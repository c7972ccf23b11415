package server

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"multiplay/protocol"
	"multiplay/world"
)

func newArenaLoop(reg *fakeRegistry) (*Loop, *CommandStore, *world.Arena) {
	store := NewCommandStore()
	arena := world.NewArena(world.Options{Width: 20, Height: 20, Seed: 1})
	bridge := NewBridge(store, reg, arena, nil, zap.NewNop().Sugar())
	return NewLoop(bridge, arena, 10*time.Millisecond, nil), store, arena
}

func TestLoopTickAppliesCommandsAndSteps(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"alice"}}
	loop, store, arena := newArenaLoop(reg)

	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindSpawn, Argument: "mon_dog"})
	if n := loop.Tick(); n != 1 {
		t.Fatalf("expected spawn to apply, got %d", n)
	}
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMoveRepeated, Argument: "1,0"})
	loop.Tick()
	loop.Tick()

	e, ok := arena.Entity("alice")
	if !ok {
		t.Fatalf("expected alice's entity")
	}
	// 重复移动在设置的那一帧和之后每一帧各生效一次
	if e.X != 12 || e.Y != 10 {
		t.Fatalf("expected entity at 12,10, got %d,%d", e.X, e.Y)
	}
	snap := loop.Snapshot()
	if snap.Tick != 3 || len(snap.Entities) != 1 || snap.Entities[0].X != 12 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if loop.TickCount() != 3 {
		t.Fatalf("expected 3 ticks, got %d", loop.TickCount())
	}
}

func TestLoopMissingEntityDoesNotFail(t *testing.T) {
	reg := &fakeRegistry{ids: []protocol.ClientID{"bob"}}
	loop, store, _ := newArenaLoop(reg)
	store.Publish("bob", protocol.Command{ClientID: "bob", Kind: protocol.KindMove, Argument: "1,1"})
	if n := loop.Tick(); n != 0 {
		t.Fatalf("move without an entity should be a no-op, got %d", n)
	}
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	loop, _, _ := newArenaLoop(&fakeRegistry{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	waitFor(t, "a few ticks", func() bool { return loop.TickCount() >= 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("loop did not stop")
	}
}
