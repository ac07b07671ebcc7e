// =============================================================================
// MEMBERSHIP REGISTRY - Who the Proposer Can Talk To
// =============================================================================
//
// The transport layer calls Register when an acceptor connects and
// Unregister when it goes away. The proposer calls Snapshot once per attempt
// and works from that copy, so connects and disconnects during a phase never
// move the quorum threshold under it.
//
// Handles are keyed by ID(). A reconnecting acceptor replaces its old handle;
// the late Unregister of the old connection must not evict the new one.
//
// =============================================================================

package paxos

import (
	"context"
	"sort"
	"sync"
)

// AcceptorClient is the proposer's handle on one acceptor. An error from
// either call is a non-response for that acceptor in the current phase.
type AcceptorClient interface {
	ID() string
	Prepare(ctx context.Context, msg Prepare) (Promise, error)
	Accept(ctx context.Context, msg Accept) (Accepted, error)
}

// Membership supplies the acceptor set for one proposal attempt.
type Membership interface {
	Snapshot() []AcceptorClient
}

type Registry struct {
	mu      sync.RWMutex
	members map[string]AcceptorClient
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]AcceptorClient)}
}

func (r *Registry) Register(c AcceptorClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[c.ID()] = c
	log.Infow("acceptor connected", "acceptor", c.ID(), "members", len(r.members))
}

func (r *Registry) Unregister(c AcceptorClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.members[c.ID()]
	if !ok || current != c {
		return
	}
	delete(r.members, c.ID())
	log.Infow("acceptor disconnected", "acceptor", c.ID(), "members", len(r.members))
}

// Snapshot returns the current members ordered by id.
func (r *Registry) Snapshot() []AcceptorClient {
	r.mu.RLock()
	out := make([]AcceptorClient, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
