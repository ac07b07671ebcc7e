package paxos

import "errors"

// Retryable conditions. Propose absorbs these and starts a fresh attempt.
var (
	ErrRejected           = errors.New("paxos: proposal rejected")
	ErrQuorumTimeout      = errors.New("paxos: not enough promises before timeout")
	ErrAcceptQuorumFailed = errors.New("paxos: accept quorum not reached")
)

// Terminal conditions reported to the caller of Propose.
var (
	ErrNoQuorumPossible = errors.New("paxos: no quorum possible with current membership")
	ErrRetriesExhausted = errors.New("paxos: retries exhausted")
)

var (
	ErrProposalInFlight    = errors.New("paxos: proposal already in flight for instance")
	ErrConflictingDecision = errors.New("paxos: conflicting decision for chosen instance")
)
