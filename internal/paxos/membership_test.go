package paxos

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistrySnapshotIsACopy(t *testing.T) {
	_, clients, _ := newCluster("a", "b", "c")
	r := NewRegistry()
	for _, c := range clients {
		r.Register(c)
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d members, want 3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].ID() != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].ID(), want)
		}
	}

	r.Unregister(clients[1])
	if len(snap) != 3 {
		t.Error("unregister changed an existing snapshot")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d after unregister, want 2", r.Len())
	}
}

func TestRegistryStaleUnregisterKeepsNewHandle(t *testing.T) {
	acc := NewAcceptor("a", nil)
	oldConn := newLocalClient(acc)
	newConn := newLocalClient(acc)

	r := NewRegistry()
	r.Register(oldConn)
	r.Register(newConn)
	r.Unregister(oldConn)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0] != AcceptorClient(newConn) {
		t.Errorf("stale unregister evicted the reconnected handle: %v", snap)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := newLocalClient(NewAcceptor(fmt.Sprintf("a%02d", i), nil))
		wg.Add(1)
		go func(c *localClient) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Register(c)
				_ = r.Snapshot()
				r.Unregister(c)
			}
			r.Register(c)
		}(c)
	}
	wg.Wait()
	if r.Len() != 20 {
		t.Errorf("Len = %d, want 20", r.Len())
	}
}
