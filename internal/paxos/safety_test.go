package paxos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Many proposers race over a lossy network on several instances. Whatever
// the interleaving, every instance ends with at most one chosen value and
// a majority of acceptors holding it.
func TestSafetyUnderContentionAndLoss(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	accs := make([]*Acceptor, len(ids))
	for i, id := range ids {
		accs[i] = NewAcceptor(id, nil)
	}

	const proposers = 5
	instances := []InstanceID{"k1", "k2", "k3"}

	type outcome struct {
		instance InstanceID
		decision Decision
		err      error
	}
	outcomes := make(chan outcome, proposers*len(instances))

	var wg sync.WaitGroup
	for p := 0; p < proposers; p++ {
		members := make(staticMembers, len(accs))
		for i, a := range accs {
			c := newLocalClient(a)
			c.setLossy(0.2, int64(p*100+i))
			members[i] = c
		}
		cfg := ProposerConfig{
			ID:            fmt.Sprintf("p%d", p),
			QuorumTimeout: 30 * time.Millisecond,
			MaxRetries:    40,
			RetryBackoff:  5 * time.Millisecond,
		}
		prop := NewProposer(cfg, members)
		for _, instance := range instances {
			wg.Add(1)
			go func(instance InstanceID, value string) {
				defer wg.Done()
				d, err := prop.Propose(context.Background(), instance, []byte(value))
				outcomes <- outcome{instance: instance, decision: d, err: err}
			}(instance, fmt.Sprintf("%s-from-p%d", instance, p))
		}
	}
	wg.Wait()
	close(outcomes)

	chosen := make(map[InstanceID][]byte)
	for o := range outcomes {
		if o.err != nil {
			if !errors.Is(o.err, ErrRetriesExhausted) {
				t.Errorf("%s: unexpected error %v", o.instance, o.err)
			}
			continue
		}
		if prev, ok := chosen[o.instance]; ok && !bytes.Equal(prev, o.decision.Value) {
			t.Fatalf("%s: chose both %q and %q", o.instance, prev, o.decision.Value)
		}
		chosen[o.instance] = o.decision.Value
	}

	for instance, value := range chosen {
		holders := 0
		for _, a := range accs {
			st, _ := a.State(instance)
			if bytes.Equal(st.Value, value) {
				holders++
			}
		}
		if holders < 3 {
			t.Errorf("%s: only %d acceptors hold the chosen value %q", instance, holders, value)
		}
	}
}
