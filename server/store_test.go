package server

import (
	"fmt"
	"sync"
	"testing"

	"multiplay/protocol"
)

func TestStoreLatestWins(t *testing.T) {
	store := NewCommandStore()
	cmds := []protocol.Command{
		{ClientID: "alice", Kind: protocol.KindMove, Argument: "1,0"},
		{ClientID: "alice", Kind: protocol.KindMove, Argument: "0,1"},
		{ClientID: "alice", Kind: protocol.KindSpawn, Argument: "mon_dog"},
	}
	for i, cmd := range cmds {
		replaced := store.Publish("alice", cmd)
		if replaced != (i > 0) {
			t.Fatalf("publish %d: expected replaced=%v, got %v", i, i > 0, replaced)
		}
	}
	got, ok := store.Take("alice")
	if !ok || got != cmds[len(cmds)-1] {
		t.Fatalf("expected last published command, got %+v ok=%v", got, ok)
	}
	if _, ok := store.Take("alice"); ok {
		t.Fatalf("expected second take to be empty")
	}

	next := protocol.Command{ClientID: "alice", Kind: protocol.KindAutoMove}
	store.Publish("alice", next)
	if got, ok := store.Take("alice"); !ok || got != next {
		t.Fatalf("expected command published after take, got %+v ok=%v", got, ok)
	}
}

func TestStoreKeysAreIndependent(t *testing.T) {
	store := NewCommandStore()
	store.Publish("alice", protocol.Command{ClientID: "alice", Kind: protocol.KindMove, Argument: "1,1"})
	store.Publish("bob", protocol.Command{ClientID: "bob", Kind: protocol.KindSpawn, Argument: "rat"})

	if got, _ := store.Take("bob"); got.Kind != protocol.KindSpawn {
		t.Fatalf("unexpected bob command %+v", got)
	}
	if store.Len() != 1 {
		t.Fatalf("expected alice to remain pending, len=%d", store.Len())
	}
}

func TestStoreRemove(t *testing.T) {
	store := NewCommandStore()
	store.Publish("carol", protocol.Command{ClientID: "carol", Kind: protocol.KindMessage, Argument: "bye"})
	store.Remove("carol")
	store.Remove("carol")
	if _, ok := store.Take("carol"); ok {
		t.Fatalf("expected removed entry to be gone")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, len=%d", store.Len())
	}
}

func TestStoreConcurrentPublish(t *testing.T) {
	const clients = 64
	const perClient = 50
	store := NewCommandStore()

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := protocol.ClientID(fmt.Sprintf("client-%d", i))
			for n := 0; n < perClient; n++ {
				store.Publish(id, protocol.Command{ClientID: id, Kind: protocol.KindMove, Argument: protocol.FormatVector(i, n)})
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[protocol.ClientID]bool)
	for i := 0; i < clients; i++ {
		id := protocol.ClientID(fmt.Sprintf("client-%d", i))
		cmd, ok := store.Take(id)
		if !ok {
			t.Fatalf("missing command for %s", id)
		}
		if cmd.ClientID != id || cmd.Argument != protocol.FormatVector(i, perClient-1) {
			t.Fatalf("corrupted command for %s: %+v", id, cmd)
		}
		seen[id] = true
	}
	if len(seen) != clients || store.Len() != 0 {
		t.Fatalf("expected %d distinct commands and an empty store, got %d (len=%d)", clients, len(seen), store.Len())
	}
}

// 并发发布与消费同一客户端：每条命令至多被取出一次
func TestStoreConcurrentTakeIsExactlyOnce(t *testing.T) {
	store := NewCommandStore()
	const publishes = 2000

	var taken int
	var mu sync.Mutex
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, ok := store.Take("dave"); ok {
					mu.Lock()
					taken++
					mu.Unlock()
				}
			}
		}()
	}
	overwritten := 0
	for n := 0; n < publishes; n++ {
		if store.Publish("dave", protocol.Command{ClientID: "dave", Kind: protocol.KindNop}) {
			overwritten++
		}
	}
	close(stop)
	wg.Wait()
	if _, ok := store.Take("dave"); ok {
		taken++
	}
	if taken+overwritten != publishes {
		t.Fatalf("expected taken(%d)+overwritten(%d) == %d", taken, overwritten, publishes)
	}
}
