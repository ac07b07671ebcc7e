// =============================================================================
// IN-MEMORY NETWORK - Many Acceptors in One Process
// =============================================================================
//
// Each acceptor added to a Network gets a MemoryTransport: a buffered inbox
// and one goroutine that feeds requests to its Handler. Clients handed out by
// the Network push requests into that inbox and wait for the reply.
//
// The network can misbehave on purpose:
//
//   Partition(id)     - requests to id vanish until Heal(id)
//   SetDropRate(p)    - each request is lost with probability p
//   SetDelay(d)       - each request waits d before delivery
//
// A lost request looks like any lost packet: the caller hears nothing until
// its context ends.
//
// Attached MembershipListeners hear about AddAcceptor and Remove the way the
// leader hears about TCP connects and disconnects.
//
// =============================================================================

package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/senutpal/quorumkv/internal/paxos"
)

const inboxSize = 100

type request struct {
	env   Envelope
	reply chan Envelope
}

type Network struct {
	mu          sync.RWMutex
	nodes       map[string]*MemoryTransport
	clients     map[string]*memoryClient
	partitioned map[string]bool
	listeners   []MembershipListener
	dropRate    float64
	delay       time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewNetwork() *Network {
	return &Network{
		nodes:       make(map[string]*MemoryTransport),
		clients:     make(map[string]*memoryClient),
		partitioned: make(map[string]bool),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attach subscribes l to membership events and replays current members.
func (n *Network) Attach(l MembershipListener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	clients := make([]*memoryClient, 0, len(n.clients))
	for _, c := range n.clients {
		clients = append(clients, c)
	}
	n.mu.Unlock()
	for _, c := range clients {
		l.Register(c)
	}
}

// AddAcceptor puts an acceptor on the network. Re-adding an id replaces the
// previous transport, like a restarted process reconnecting.
func (n *Network) AddAcceptor(id string, h Handler) *MemoryTransport {
	t := &MemoryTransport{
		id:      id,
		network: n,
		handler: h,
		inbox:   make(chan request, inboxSize),
		done:    make(chan struct{}),
	}
	c := &memoryClient{id: id, network: n, target: t}

	n.mu.Lock()
	old := n.nodes[id]
	oldClient := n.clients[id]
	n.nodes[id] = t
	n.clients[id] = c
	listeners := append([]MembershipListener(nil), n.listeners...)
	n.mu.Unlock()

	if old != nil {
		old.shutdown()
		for _, l := range listeners {
			l.Unregister(oldClient)
		}
	}
	t.wg.Add(1)
	go t.serve()
	for _, l := range listeners {
		l.Register(c)
	}
	log.Debugw("acceptor joined network", "acceptor", id)
	return t
}

// Client returns a handle on acceptor id. Calls fail with ErrUnknownNode
// while id is not on the network.
func (n *Network) Client(id string) paxos.AcceptorClient {
	n.mu.RLock()
	c, ok := n.clients[id]
	n.mu.RUnlock()
	if ok {
		return c
	}
	return &memoryClient{id: id, network: n}
}

// Remove takes acceptor id off the network.
func (n *Network) Remove(id string) {
	n.mu.Lock()
	t := n.nodes[id]
	c := n.clients[id]
	delete(n.nodes, id)
	delete(n.clients, id)
	listeners := append([]MembershipListener(nil), n.listeners...)
	n.mu.Unlock()
	if t == nil {
		return
	}
	t.shutdown()
	for _, l := range listeners {
		l.Unregister(c)
	}
	log.Debugw("acceptor left network", "acceptor", id)
}

func (n *Network) Partition(id string) {
	n.mu.Lock()
	n.partitioned[id] = true
	n.mu.Unlock()
}

func (n *Network) Heal(id string) {
	n.mu.Lock()
	delete(n.partitioned, id)
	n.mu.Unlock()
}

func (n *Network) SetDropRate(p float64) {
	n.mu.Lock()
	n.dropRate = p
	n.mu.Unlock()
}

func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// Close removes every acceptor.
func (n *Network) Close() {
	n.mu.RLock()
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	n.mu.RUnlock()
	for _, id := range ids {
		n.Remove(id)
	}
}

func (n *Network) lose(p float64) bool {
	if p <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < p
}

func (n *Network) roundTrip(ctx context.Context, target *MemoryTransport, env Envelope) (Envelope, error) {
	n.mu.RLock()
	partitioned := n.partitioned[target.id]
	dropRate, delay := n.dropRate, n.delay
	n.mu.RUnlock()

	if partitioned || n.lose(dropRate) {
		<-ctx.Done()
		return Envelope{}, ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-timer.C:
		}
	}

	req := request{env: env, reply: make(chan Envelope, 1)}
	select {
	case target.inbox <- req:
	case <-target.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
	select {
	case reply := <-req.reply:
		return reply, nil
	case <-target.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

type MemoryTransport struct {
	id      string
	network *Network
	handler Handler
	inbox   chan request
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (t *MemoryTransport) ID() string {
	return t.id
}

// Close takes this acceptor off its network.
func (t *MemoryTransport) Close() error {
	t.network.mu.RLock()
	current := t.network.nodes[t.id] == t
	t.network.mu.RUnlock()
	if current {
		t.network.Remove(t.id)
		return nil
	}
	t.shutdown()
	return nil
}

func (t *MemoryTransport) shutdown() {
	t.once.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *MemoryTransport) serve() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case req := <-t.inbox:
			req.reply <- dispatch(t.handler, t.id, req.env)
		}
	}
}

type memoryClient struct {
	id      string
	network *Network
	target  *MemoryTransport
}

func (c *memoryClient) ID() string {
	return c.id
}

func (c *memoryClient) call(ctx context.Context, env Envelope, want MessageType) (Envelope, error) {
	if c.target == nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownNode, c.id)
	}
	reply, err := c.network.roundTrip(ctx, c.target, env)
	if err != nil {
		return Envelope{}, err
	}
	if err := replyError(reply, want); err != nil {
		return Envelope{}, err
	}
	return reply, nil
}

func (c *memoryClient) Prepare(ctx context.Context, msg paxos.Prepare) (paxos.Promise, error) {
	reply, err := c.call(ctx, PrepareEnvelope(msg), MsgPromise)
	if err != nil {
		return paxos.Promise{}, err
	}
	return reply.PromiseMsg(), nil
}

func (c *memoryClient) Accept(ctx context.Context, msg paxos.Accept) (paxos.Accepted, error) {
	reply, err := c.call(ctx, AcceptEnvelope(msg), MsgAccepted)
	if err != nil {
		return paxos.Accepted{}, err
	}
	return reply.AcceptedMsg(), nil
}
