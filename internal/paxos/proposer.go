// =============================================================================
// PROPOSER - The Driver of Paxos Consensus
// =============================================================================
//
// PHASE 1: PREPARE
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ 1. Snapshot the acceptor set; give up at once if no majority of it can  │
// │    be reached.                                                          │
// │ 2. Mint a proposal number above every round used or seen in a reject.  │
// │ 3. Send Prepare(N) to every member in parallel, wait (bounded) for a    │
// │    majority of promises. Any reject abandons the attempt.               │
// │ 4. If any promise reports an accepted value, adopt the one with the     │
// │    highest accepted proposal number instead of the caller's value.      │
// └─────────────────────────────────────────────────────────────────────────┘
//
// PHASE 2: ACCEPT
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ 5. Send Accept(N, V) to the same snapshot, wait (bounded) for a         │
// │    majority of accepts. That majority makes V chosen.                   │
// │ 6. Any reject or a timeout abandons the attempt.                        │
// └─────────────────────────────────────────────────────────────────────────┘
//
// An abandoned attempt is retried with a fresh, higher proposal number after
// a short randomised pause (dueling proposers otherwise keep preempting each
// other). Only ErrNoQuorumPossible and ErrRetriesExhausted leave Propose.
//
// Responses that arrive after a phase has been scored are dropped: each phase
// owns its reply channel and stops reading it once it returns.
//
// =============================================================================
// INVARIANT
// =============================================================================
//
// Before proposing a value in phase 2 the proposer adopts the value of the
// highest-numbered accepted proposal reported in phase 1, if there is one.
//
// =============================================================================

package paxos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const DefaultQuorumTimeout = 500 * time.Millisecond

type ProposerConfig struct {
	ID            string
	QuorumTimeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries   int
	RetryBackoff time.Duration
	// ClusterSize, when set, is the expected number of acceptors. Quorums are
	// then majorities of at least this many even if fewer are connected.
	ClusterSize int
}

type Proposer struct {
	cfg     ProposerConfig
	members Membership

	mu           sync.Mutex
	highestRound uint64
	inFlight     map[InstanceID]bool
}

func NewProposer(cfg ProposerConfig, members Membership) *Proposer {
	if cfg.QuorumTimeout <= 0 {
		cfg.QuorumTimeout = DefaultQuorumTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Proposer{
		cfg:      cfg,
		members:  members,
		inFlight: make(map[InstanceID]bool),
	}
}

func (p *Proposer) ID() string {
	return p.cfg.ID
}

// HighestRound is the highest round this proposer has used or seen rejected.
func (p *Proposer) HighestRound() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highestRound
}

// Propose drives instance to a decision. The chosen value may differ from
// value when an earlier proposal already got its value accepted.
func (p *Proposer) Propose(ctx context.Context, instance InstanceID, value []byte) (Decision, error) {
	if err := p.begin(instance); err != nil {
		return Decision{}, err
	}
	defer p.end(instance)

	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.pause(ctx); err != nil {
				return Decision{}, err
			}
		}

		members := p.members.Snapshot()
		n, err := p.quorumBase(len(members))
		if err != nil {
			log.Warnw("proposal cannot reach a quorum", "proposer", p.cfg.ID, "instance", instance, "err", err)
			return Decision{}, err
		}

		proposal := p.generateProposalNumber()
		log.Debugw("proposing", "proposer", p.cfg.ID, "instance", instance,
			"proposal", proposal, "members", len(members), "attempt", attempt+1)

		chosen, err := p.runPhase1(ctx, instance, proposal, members, n, value)
		if err == nil {
			err = p.runPhase2(ctx, instance, proposal, members, n, chosen)
		}
		if err == nil {
			log.Infow("value chosen", "proposer", p.cfg.ID, "instance", instance, "proposal", proposal)
			return Decision{Instance: instance, Value: chosen, Proposal: proposal}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		lastErr = err
		log.Debugw("attempt abandoned", "proposer", p.cfg.ID, "instance", instance,
			"proposal", proposal, "err", err)
	}
	log.Warnw("proposal failed", "proposer", p.cfg.ID, "instance", instance, "attempts", attempts, "err", lastErr)
	return Decision{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (p *Proposer) begin(instance InstanceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[instance] {
		return ErrProposalInFlight
	}
	p.inFlight[instance] = true
	return nil
}

func (p *Proposer) end(instance InstanceID) {
	p.mu.Lock()
	delete(p.inFlight, instance)
	p.mu.Unlock()
}

// quorumBase returns the membership size quorums are computed over.
func (p *Proposer) quorumBase(live int) (int, error) {
	n := live
	if p.cfg.ClusterSize > n {
		n = p.cfg.ClusterSize
	}
	need, err := Threshold(n)
	if err != nil {
		return 0, err
	}
	if live < need {
		return 0, fmt.Errorf("%w: %d of %d acceptors connected, need %d", ErrNoQuorumPossible, live, n, need)
	}
	return n, nil
}

func (p *Proposer) pause(ctx context.Context) error {
	if p.cfg.RetryBackoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(rand.Int63n(int64(p.cfg.RetryBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type prepareReply struct {
	from    string
	promise Promise
	err     error
}

func (p *Proposer) runPhase1(ctx context.Context, instance InstanceID, proposal ProposalNumber, members []AcceptorClient, n int, value []byte) ([]byte, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.QuorumTimeout)
	defer cancel()

	msg := Prepare{Instance: instance, ProposalNumber: proposal, From: p.cfg.ID}
	replies := make(chan prepareReply, len(members))
	for _, m := range members {
		go func(m AcceptorClient) {
			promise, err := m.Prepare(phaseCtx, msg)
			replies <- prepareReply{from: m.ID(), promise: promise, err: err}
		}(m)
	}

	need, _ := Threshold(n)
	tally := NewTally(n)
	promises := make(map[string]Promise, len(members))
	for pending := len(members); pending > 0; pending-- {
		select {
		case r := <-replies:
			if r.err != nil {
				log.Debugw("prepare failed", "proposer", p.cfg.ID, "acceptor", r.from, "err", r.err)
				continue
			}
			if !r.promise.ProposalNumber.Equal(proposal) {
				continue
			}
			if !r.promise.OK {
				p.handleRejection(r.promise.HighestSeen)
				return nil, fmt.Errorf("%w: prepare %s by %s, promised %s",
					ErrRejected, proposal, r.from, r.promise.HighestSeen)
			}
			tally.Record(r.from, true)
			promises[r.from] = r.promise
			if tally.Satisfied() {
				return adoptValue(promises, value), nil
			}
		case <-phaseCtx.Done():
			return nil, fmt.Errorf("%w: %d of %d promises", ErrQuorumTimeout, tally.Positives(), need)
		}
	}
	return nil, fmt.Errorf("%w: %d of %d promises", ErrQuorumTimeout, tally.Positives(), need)
}

// adoptValue picks the value of the highest accepted proposal among the
// promises, or own when none of them accepted anything.
func adoptValue(promises map[string]Promise, own []byte) []byte {
	var highest ProposalNumber
	value := own
	for _, pr := range promises {
		if pr.AcceptedProposal.IsZero() {
			continue
		}
		if pr.AcceptedProposal.GreaterThan(highest) {
			highest = pr.AcceptedProposal
			value = pr.AcceptedValue
		}
	}
	return value
}

type acceptReply struct {
	from     string
	accepted Accepted
	err      error
}

func (p *Proposer) runPhase2(ctx context.Context, instance InstanceID, proposal ProposalNumber, members []AcceptorClient, n int, value []byte) error {
	phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.QuorumTimeout)
	defer cancel()

	msg := Accept{Instance: instance, ProposalNumber: proposal, Value: value, From: p.cfg.ID}
	replies := make(chan acceptReply, len(members))
	for _, m := range members {
		go func(m AcceptorClient) {
			accepted, err := m.Accept(phaseCtx, msg)
			replies <- acceptReply{from: m.ID(), accepted: accepted, err: err}
		}(m)
	}

	need, _ := Threshold(n)
	tally := NewTally(n)
	for pending := len(members); pending > 0; pending-- {
		select {
		case r := <-replies:
			if r.err != nil {
				log.Debugw("accept failed", "proposer", p.cfg.ID, "acceptor", r.from, "err", r.err)
				continue
			}
			if !r.accepted.ProposalNumber.Equal(proposal) {
				continue
			}
			if !r.accepted.OK {
				p.handleRejection(r.accepted.HighestSeen)
				return fmt.Errorf("%w: %w: accept %s by %s, promised %s",
					ErrAcceptQuorumFailed, ErrRejected, proposal, r.from, r.accepted.HighestSeen)
			}
			tally.Record(r.from, true)
			if tally.Satisfied() {
				return nil
			}
		case <-phaseCtx.Done():
			return fmt.Errorf("%w: %d of %d accepts before timeout", ErrAcceptQuorumFailed, tally.Positives(), need)
		}
	}
	return fmt.Errorf("%w: %d of %d accepts", ErrAcceptQuorumFailed, tally.Positives(), need)
}

func (p *Proposer) generateProposalNumber() ProposalNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := Next(p.cfg.ID, p.highestRound)
	p.highestRound = n.Round
	return n
}

// handleRejection makes sure the next round beats highestSeen.
func (p *Proposer) handleRejection(highestSeen ProposalNumber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if highestSeen.Round > p.highestRound {
		p.highestRound = highestSeen.Round
	}
}
