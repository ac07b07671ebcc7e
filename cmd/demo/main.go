// =============================================================================
// DEMO RUNNER - Single-Decree Paxos in Action
// =============================================================================
//
// Run with: go run ./cmd/demo
//
// Five nodes share an in-memory network. node-0 writes a key and every
// acceptor's view is printed; two leaders then race for a second key; last,
// two acceptors fail and a write still completes with the remaining three.
//
//                     ┌─────────┐
//                     │ Client  │
//                     └────┬────┘
//                          │ Write("greeting", "hello, paxos!")
//                          ▼
//   ┌─────────┬─────────┬─────────┬─────────┬─────────┐
//   │ node-0  │ node-1  │ node-2  │ node-3  │ node-4  │
//   │ (lead)  │ (acc)   │ (acc)   │ (acc)   │ (acc)   │
//   └─────────┴─────────┴─────────┴─────────┴─────────┘
//
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/senutpal/quorumkv/internal/config"
	"github.com/senutpal/quorumkv/internal/node"
	"github.com/senutpal/quorumkv/internal/paxos"
	"github.com/senutpal/quorumkv/internal/transport"
)

// tracer prints every Prepare and Accept an acceptor handles.
type tracer struct {
	mu  *sync.Mutex
	acc *paxos.Acceptor
}

func (t tracer) HandlePrepare(msg paxos.Prepare) (paxos.Promise, error) {
	p, err := t.acc.HandlePrepare(msg)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err != nil:
		fmt.Printf("[PREPARE]  %-7s ← %s %s: error %v\n", t.acc.ID(), msg.From, msg.ProposalNumber, err)
	case p.OK:
		fmt.Printf("[PROMISE]  %-7s → %s %s (accepted %s)\n", t.acc.ID(), msg.From, msg.ProposalNumber, p.AcceptedProposal)
	default:
		fmt.Printf("[REJECT]   %-7s → %s %s (seen %s)\n", t.acc.ID(), msg.From, msg.ProposalNumber, p.HighestSeen)
	}
	return p, err
}

func (t tracer) HandleAccept(msg paxos.Accept) (paxos.Accepted, error) {
	a, err := t.acc.HandleAccept(msg)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err != nil:
		fmt.Printf("[ACCEPT]   %-7s ← %s %s: error %v\n", t.acc.ID(), msg.From, msg.ProposalNumber, err)
	case a.OK:
		fmt.Printf("[ACCEPTED] %-7s → %s %s %q\n", t.acc.ID(), msg.From, msg.ProposalNumber, msg.Value)
	default:
		fmt.Printf("[REJECT]   %-7s → %s %s (seen %s)\n", t.acc.ID(), msg.From, msg.ProposalNumber, a.HighestSeen)
	}
	return a, err
}

func main() {
	cfg := config.Default()
	cfg.QuorumTimeout = config.Duration(200 * time.Millisecond)
	cfg.RetryBackoff = config.Duration(20 * time.Millisecond)
	cfg.LogLevel = "warn"
	numNodes := flag.Int("nodes", 5, "cluster size")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.Parse()
	if err := checkNodes(*numNodes); err != nil {
		log.Fatal(err)
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		log.Fatalf("log level: %v", err)
	}

	var out sync.Mutex
	network := transport.NewNetwork()
	defer network.Close()

	nodes := make([]*node.Node, *numNodes)
	for i := range nodes {
		c := cfg
		c.NodeID = fmt.Sprintf("node-%d", i)
		c.ClusterSize = *numNodes
		nodes[i] = node.New(c.ProposerConfig(), nil)
		network.AddAcceptor(nodes[i].ID(), tracer{mu: &out, acc: nodes[i].Acceptor()})
	}
	network.Attach(nodes[0].Members())
	ctx := context.Background()

	fmt.Println("=== 1. one leader writes a key ===")
	res, err := nodes[0].Write(ctx, "greeting", []byte("hello, paxos!"))
	if err != nil {
		log.Fatalf("write failed: %v", err)
	}
	fmt.Printf("chosen %q with %s\n", res.Value, res.Proposal)
	printAcceptors(nodes, "greeting")

	fmt.Println("\n=== 2. two leaders race for one key ===")
	network.Attach(nodes[1].Members())
	results := make([]transport.WriteResult, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range []string{"value A", "value B"} {
		i, v := i, v
		g.Go(func() error {
			r, err := nodes[i].Write(gctx, "race", []byte(v))
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("race failed: %v", err)
	}
	for i, r := range results {
		fmt.Printf("node-%d wrote %q, key holds %q (adopted=%v)\n", i, []string{"value A", "value B"}[i], r.Value, r.Adopted)
	}
	printAcceptors(nodes, "race")

	fmt.Println("\n=== 3. a minority fails ===")
	failed := (*numNodes - 1) / 2
	for i := 0; i < failed; i++ {
		id := nodes[*numNodes-1-i].ID()
		network.Partition(id)
		fmt.Printf("%s partitioned\n", id)
	}
	res, err = nodes[0].Write(ctx, "after-failure", []byte("still here"))
	if err != nil {
		log.Fatalf("write with minority down failed: %v", err)
	}
	fmt.Printf("chosen %q with %s\n", res.Value, res.Proposal)
	printAcceptors(nodes, "after-failure")
}

// checkNodes rejects clusters too small for the race scenario, which needs
// two proposing nodes.
func checkNodes(n int) error {
	if n < 2 {
		return fmt.Errorf("-nodes %d: need at least 2", n)
	}
	return nil
}

func printAcceptors(nodes []*node.Node, key string) {
	for _, n := range nodes {
		st, err := n.Acceptor().State(paxos.InstanceID(key))
		if err != nil {
			fmt.Printf("  %-7s error %v\n", n.ID(), err)
			continue
		}
		fmt.Printf("  %-7s promised %-12s accepted %-12s %q\n", n.ID(), st.Promised, st.Accepted, st.Value)
	}
}
