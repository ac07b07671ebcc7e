package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/senutpal/quorumkv/internal/paxos"
	"github.com/senutpal/quorumkv/internal/storage"
	"github.com/senutpal/quorumkv/internal/transport"
)

func testConfig(id string) paxos.ProposerConfig {
	return paxos.ProposerConfig{
		ID:            id,
		QuorumTimeout: 100 * time.Millisecond,
		MaxRetries:    3,
		RetryBackoff:  5 * time.Millisecond,
	}
}

// newCluster puts the acceptors of n nodes on one network and attaches the
// first node's registry, making it the proposer.
func newCluster(t *testing.T, n int) (*transport.Network, []*Node) {
	t.Helper()
	net := transport.NewNetwork()
	t.Cleanup(net.Close)
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = New(testConfig(fmt.Sprintf("node-%d", i)), nil)
		net.AddAcceptor(nodes[i].ID(), nodes[i].Acceptor())
	}
	net.Attach(nodes[0].Members())
	return net, nodes
}

func TestWriteChoosesValue(t *testing.T) {
	_, nodes := newCluster(t, 3)
	leader := nodes[0]

	res, err := leader.Write(context.Background(), "color", []byte("red"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Key != "color" || string(res.Value) != "red" || res.Adopted || res.Proposal.IsZero() {
		t.Errorf("result = %+v", res)
	}
	if v, ok := leader.Read("color"); !ok || string(v) != "red" {
		t.Errorf("Read = %q, %v", v, ok)
	}
	if _, ok := leader.Read("size"); ok {
		t.Error("Read of unwritten key succeeded")
	}
}

func TestSecondWriteReturnsFirstValue(t *testing.T) {
	_, nodes := newCluster(t, 3)
	leader := nodes[0]

	first, err := leader.Write(context.Background(), "k", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := leader.Write(context.Background(), "k", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if string(second.Value) != "one" || !second.Adopted {
		t.Errorf("second write = %+v, want adopted \"one\"", second)
	}
	if !second.Proposal.Equal(first.Proposal) {
		t.Errorf("proposal changed from %s to %s", first.Proposal, second.Proposal)
	}
}

func TestWriteAdoptsValueFromAnotherLeader(t *testing.T) {
	net, nodes := newCluster(t, 3)
	other := New(testConfig("other"), nil)
	net.Attach(other.Members())

	if _, err := other.Write(context.Background(), "k", []byte("theirs")); err != nil {
		t.Fatal(err)
	}
	res, err := nodes[0].Write(context.Background(), "k", []byte("mine"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Value) != "theirs" || !res.Adopted {
		t.Errorf("result = %+v, want adopted \"theirs\"", res)
	}
}

func TestWriteSurvivesMinorityFailure(t *testing.T) {
	net, nodes := newCluster(t, 5)
	net.Partition("node-3")
	net.Remove("node-4")

	res, err := nodes[0].Write(context.Background(), "k", []byte("v"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Value) != "v" {
		t.Errorf("chosen %q", res.Value)
	}
}

func TestWriteFailsWithoutMajority(t *testing.T) {
	net, nodes := newCluster(t, 3)
	net.Partition("node-1")
	net.Partition("node-2")

	_, err := nodes[0].Write(context.Background(), "k", []byte("v"))
	var wf *WriteFailed
	if !errors.As(err, &wf) || wf.Key != "k" {
		t.Fatalf("err = %v, want *WriteFailed", err)
	}
	if !errors.Is(err, paxos.ErrRetriesExhausted) {
		t.Errorf("err = %v, want it to wrap ErrRetriesExhausted", err)
	}
	if _, ok := nodes[0].Read("k"); ok {
		t.Error("failed write left a value behind")
	}
}

func TestWriteEmptyKey(t *testing.T) {
	n := New(testConfig("solo"), nil)
	if _, err := n.Write(context.Background(), "", []byte("v")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("err = %v, want ErrEmptyKey", err)
	}
}

func TestConcurrentWritesToOneKeyAgree(t *testing.T) {
	_, nodes := newCluster(t, 5)
	leader := nodes[0]

	var wg sync.WaitGroup
	results := make([]transport.WriteResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = leader.Write(context.Background(), "k", []byte(fmt.Sprintf("v%d", i)))
		}(i)
	}
	wg.Wait()

	chosen, ok := leader.Read("k")
	if !ok {
		t.Fatal("nothing chosen")
	}
	own := 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("write %d: %v", i, errs[i])
		}
		if string(res.Value) != string(chosen) {
			t.Errorf("write %d saw %q, chosen %q", i, res.Value, chosen)
		}
		if !res.Adopted {
			own++
		}
	}
	if own != 1 {
		t.Errorf("%d writes report their own value chosen, want 1", own)
	}
}

func TestNodeCloseClosesStorage(t *testing.T) {
	store := storage.NewMemoryStorage()
	n := New(testConfig("n"), store)
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Instances(); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("store still open: %v", err)
	}
}

func TestWriterTimeoutDoesNotFailOthers(t *testing.T) {
	net, nodes := newCluster(t, 3)
	net.SetDelay(40 * time.Millisecond)
	leader := nodes[0]

	impatient := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := leader.Write(ctx, "k", []byte("a"))
		impatient <- err
	}()
	time.Sleep(5 * time.Millisecond)

	res, err := leader.Write(context.Background(), "k", []byte("b"))
	if err != nil {
		t.Fatalf("patient writer failed: %v", err)
	}
	if err := <-impatient; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("impatient writer err = %v, want its own deadline", err)
	}
	if v, ok := leader.Read("k"); !ok || string(v) != string(res.Value) {
		t.Errorf("Read = %q, %v; write saw %q", v, ok, res.Value)
	}
}

func TestCloseAbandonsSharedProposal(t *testing.T) {
	net, nodes := newCluster(t, 3)
	net.Partition("node-1")
	net.Partition("node-2")
	leader := nodes[0]

	done := make(chan error, 1)
	go func() {
		_, err := leader.Write(context.Background(), "k", []byte("v"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	leader.Close()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write still running after Close")
	}
}
