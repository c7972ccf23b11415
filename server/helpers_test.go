package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"multiplay/protocol"
	"multiplay/world"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func load(v *int64) int64 { return atomic.LoadInt64(v) }

// isActive 报告指定客户端的读泵是否仍在运行
func (s *Server) isActive(id protocol.ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return ok && c.IsActive()
}

func (s *Server) registered(id protocol.ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

type simCall struct {
	Op  string
	ID  protocol.ClientID
	Arg string
}

// fakeSim 记录所有调用；missing 中的客户端没有实体
type fakeSim struct {
	mu      sync.Mutex
	calls   []simCall
	missing map[protocol.ClientID]bool
	panicOn string
}

func (f *fakeSim) record(op string, id protocol.ClientID, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == op {
		panic("boom: " + op)
	}
	f.calls = append(f.calls, simCall{Op: op, ID: id, Arg: arg})
	if f.missing[id] {
		return fmt.Errorf("%s: %w", op, world.ErrNoEntity)
	}
	return nil
}

func (f *fakeSim) Calls() []simCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]simCall(nil), f.calls...)
}

func (f *fakeSim) Chat(id protocol.ClientID, text string) { _ = f.record("chat", id, text) }
func (f *fakeSim) Spawn(id protocol.ClientID, t string) error {
	return f.record("spawn", id, t)
}
func (f *fakeSim) Despawn(id protocol.ClientID, t string) error {
	return f.record("despawn", id, t)
}
func (f *fakeSim) Move(id protocol.ClientID, dx, dy int) error {
	return f.record("move", id, protocol.FormatVector(dx, dy))
}
func (f *fakeSim) MoveRepeated(id protocol.ClientID, dx, dy int) error {
	return f.record("move-repeated", id, protocol.FormatVector(dx, dy))
}
func (f *fakeSim) SpecialAttack(id protocol.ClientID, name string) error {
	return f.record("special-attack", id, name)
}
func (f *fakeSim) ToggleAutoMove(id protocol.ClientID) error {
	return f.record("auto-move", id, "")
}
func (f *fakeSim) Leave(id protocol.ClientID) { _ = f.record("leave", id, "") }

// fakeRegistry 固定的客户端集合
type fakeRegistry struct {
	ids          []protocol.ClientID
	reap         []protocol.ClientID
	reapHook     func()
	disconnected []protocol.ClientID
	broadcasts   []protocol.Command
}

func (r *fakeRegistry) ClientIDs() []protocol.ClientID { return r.ids }

func (r *fakeRegistry) Reap() []protocol.ClientID {
	if r.reapHook != nil {
		r.reapHook()
	}
	gone := r.reap
	r.reap = nil
	return gone
}

func (r *fakeRegistry) Disconnect(id protocol.ClientID) bool {
	r.disconnected = append(r.disconnected, id)
	return true
}

func (r *fakeRegistry) Broadcast(cmd protocol.Command) int {
	r.broadcasts = append(r.broadcasts, cmd)
	return 1
}
