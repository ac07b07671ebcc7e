package paxos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

var errUnreachable = errors.New("acceptor unreachable")

// localClient calls an Acceptor directly, with optional latency, loss and
// hooks so tests can shape the schedule.
type localClient struct {
	acc *Acceptor

	mu       sync.Mutex
	down     bool
	delay    time.Duration
	dropRate float64
	rng      *rand.Rand

	beforeAccept func(Accept)
}

func newLocalClient(acc *Acceptor) *localClient {
	return &localClient{acc: acc}
}

func (c *localClient) ID() string { return c.acc.ID() }

func (c *localClient) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *localClient) setDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

func (c *localClient) setLossy(rate float64, seed int64) {
	c.mu.Lock()
	c.dropRate = rate
	c.rng = rand.New(rand.NewSource(seed))
	c.mu.Unlock()
}

func (c *localClient) transit(ctx context.Context) error {
	c.mu.Lock()
	down, delay := c.down, c.delay
	dropped := c.rng != nil && c.rng.Float64() < c.dropRate
	var jitter time.Duration
	if c.rng != nil {
		jitter = time.Duration(c.rng.Int63n(int64(2 * time.Millisecond)))
	}
	c.mu.Unlock()

	if down {
		return errUnreachable
	}
	if dropped {
		<-ctx.Done()
		return ctx.Err()
	}
	if d := delay + jitter; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (c *localClient) Prepare(ctx context.Context, msg Prepare) (Promise, error) {
	if err := c.transit(ctx); err != nil {
		return Promise{}, err
	}
	return c.acc.HandlePrepare(msg)
}

func (c *localClient) Accept(ctx context.Context, msg Accept) (Accepted, error) {
	if err := c.transit(ctx); err != nil {
		return Accepted{}, err
	}
	if c.beforeAccept != nil {
		c.beforeAccept(msg)
	}
	return c.acc.HandleAccept(msg)
}

type staticMembers []AcceptorClient

func (s staticMembers) Snapshot() []AcceptorClient {
	out := make([]AcceptorClient, len(s))
	copy(out, s)
	return out
}

func newCluster(ids ...string) ([]*Acceptor, []*localClient, staticMembers) {
	accs := make([]*Acceptor, len(ids))
	clients := make([]*localClient, len(ids))
	members := make(staticMembers, len(ids))
	for i, id := range ids {
		accs[i] = NewAcceptor(id, nil)
		clients[i] = newLocalClient(accs[i])
		members[i] = clients[i]
	}
	return accs, clients, members
}

func testProposerConfig(id string) ProposerConfig {
	return ProposerConfig{
		ID:            id,
		QuorumTimeout: 200 * time.Millisecond,
		MaxRetries:    5,
		RetryBackoff:  10 * time.Millisecond,
	}
}

// memStore is a StateStore that can be told to fail.
type memStore struct {
	mu      sync.Mutex
	records map[InstanceID]AcceptorState
	fail    error

	beforeSave func()
}

func newMemStore() *memStore {
	return &memStore{records: make(map[InstanceID]AcceptorState)}
}

func (s *memStore) Load(id InstanceID) (AcceptorState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return AcceptorState{}, false, s.fail
	}
	st, ok := s.records[id]
	return st.clone(), ok, nil
}

func (s *memStore) Save(id InstanceID, st AcceptorState) error {
	if s.beforeSave != nil {
		s.beforeSave()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.records[id] = st.clone()
	return nil
}

func (s *memStore) Delete(id InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}
