// =============================================================================
// NODE - One Process, Every Paxos Role
// =============================================================================
//
// A Node holds a proposer, an acceptor and a learner side by side:
//
//   ┌──────────────────────────────────────────────┐
//   │                     NODE                     │
//   │  ┌──────────┐   ┌──────────┐   ┌──────────┐  │
//   │  │ PROPOSER │   │ ACCEPTOR │   │ LEARNER  │  │
//   │  └────┬─────┘   └────┬─────┘   └────▲─────┘  │
//   │       │ Registry     │ Storage      │        │
//   │       └──────────────┼──────────────┘        │
//   │                  TRANSPORT                   │
//   └──────────────────────────────────────────────┘
//
// Which roles are exercised depends on how the node is served. A leader
// listens for acceptors (they fill its Registry) and for client writes; an
// acceptor dials the leader and answers with its Acceptor. In-process, the
// demo and tests put every node's acceptor on a transport.Network and attach
// the proposing node's Registry to it.
//
// A write names its instance by key. The first value chosen for a key is the
// key's value forever; later writes learn it instead of replacing it.
//
// =============================================================================

package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/senutpal/quorumkv/internal/paxos"
	"github.com/senutpal/quorumkv/internal/storage"
	"github.com/senutpal/quorumkv/internal/transport"
)

var log = logging.Logger("node")

var ErrEmptyKey = errors.New("node: empty key")

// WriteFailed reports a write that could not get a value chosen. Err is the
// proposer's error.
type WriteFailed struct {
	Key string
	Err error
}

func (e *WriteFailed) Error() string {
	return fmt.Sprintf("write %q failed: %v", e.Key, e.Err)
}

func (e *WriteFailed) Unwrap() error {
	return e.Err
}

type Node struct {
	id       string
	store    storage.Storage
	acceptor *paxos.Acceptor
	members  *paxos.Registry
	proposer *paxos.Proposer
	learner  *paxos.Learner
	flight   singleflight.Group

	// ctx bounds proposals shared by several writers; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ transport.Writer = (*Node)(nil)

// New builds a node from the proposer configuration. A nil store gets a
// fresh MemoryStorage.
func New(cfg paxos.ProposerConfig, store storage.Storage) *Node {
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	members := paxos.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:       cfg.ID,
		store:    store,
		acceptor: paxos.NewAcceptor(cfg.ID, store),
		members:  members,
		proposer: paxos.NewProposer(cfg, members),
		learner:  paxos.NewLearner(cfg.ID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (n *Node) ID() string {
	return n.id
}

// Acceptor is the handler other nodes' proposers reach through a transport.
func (n *Node) Acceptor() *paxos.Acceptor {
	return n.acceptor
}

// Members is the set of acceptors this node proposes to.
func (n *Node) Members() *paxos.Registry {
	return n.members
}

// Write binds value to key unless key already has a chosen value, and
// returns whatever key holds afterwards.
func (n *Node) Write(ctx context.Context, key string, value []byte) (transport.WriteResult, error) {
	if key == "" {
		return transport.WriteResult{}, ErrEmptyKey
	}
	instance := paxos.InstanceID(key)
	if d, ok := n.learner.Chosen(instance); ok {
		log.Debugw("write answered from learner", "key", key)
		return writeResult(key, value, d), nil
	}

	// Concurrent writes to one key share a single proposal. It runs on the
	// node's context so that one writer giving up does not fail the others;
	// the proposer's retry budget bounds it.
	ch := n.flight.DoChan(key, func() (interface{}, error) {
		d, err := n.proposer.Propose(n.ctx, instance, value)
		if err != nil {
			return nil, err
		}
		if err := n.learner.Learn(d); err != nil {
			return nil, err
		}
		return d, nil
	})
	var d paxos.Decision
	select {
	case r := <-ch:
		if r.Err != nil {
			log.Warnw("write failed", "key", key, "err", r.Err)
			return transport.WriteResult{}, &WriteFailed{Key: key, Err: r.Err}
		}
		d = r.Val.(paxos.Decision)
	case <-ctx.Done():
		return transport.WriteResult{}, &WriteFailed{Key: key, Err: ctx.Err()}
	}
	res := writeResult(key, value, d)
	log.Infow("write chosen", "key", key, "proposal", d.Proposal.String(), "adopted", res.Adopted)
	return res, nil
}

func writeResult(key string, requested []byte, d paxos.Decision) transport.WriteResult {
	return transport.WriteResult{
		Key:      key,
		Value:    d.Value,
		Adopted:  !bytes.Equal(d.Value, requested),
		Proposal: d.Proposal,
	}
}

// Read returns the value chosen for key, if this node has learned one.
func (n *Node) Read(key string) ([]byte, bool) {
	d, ok := n.learner.Chosen(paxos.InstanceID(key))
	if !ok {
		return nil, false
	}
	return d.Value, true
}

// Decision returns the full outcome learned for key.
func (n *Node) Decision(key string) (paxos.Decision, bool) {
	return n.learner.Chosen(paxos.InstanceID(key))
}

// Close abandons running proposals and closes the store.
func (n *Node) Close() error {
	n.cancel()
	return n.store.Close()
}
