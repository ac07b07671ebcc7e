// =============================================================================
// PAXOS MESSAGE TYPES
// =============================================================================
//
// PHASE 1: PREPARE
//
// ┌──────────────┐   Prepare(N)    ┌──────────────┐
// │   PROPOSER   │ ───────────────▶│   ACCEPTOR   │
// │              │◀─────────────── │              │
// └──────────────┘ Promise/Reject  └──────────────┘
//
// PHASE 2: ACCEPT
//
// ┌──────────────┐  Accept(N, V)   ┌──────────────┐
// │   PROPOSER   │ ───────────────▶│   ACCEPTOR   │
// │              │◀─────────────── │              │
// └──────────────┘ Accepted/Reject └──────────────┘
//
// A reject is carried in the same reply shape with OK=false; HighestSeen then
// holds the number the proposer has to exceed.
//
// Every message names the consensus instance it belongs to. Instances are
// independent: nothing learned about one instance affects another.
//
// =============================================================================

package paxos

// InstanceID names one single-decree consensus instance.
type InstanceID string

type Prepare struct {
	Instance       InstanceID
	ProposalNumber ProposalNumber
	From           string
}

// Promise answers a Prepare. When OK is false it is a reject and only
// HighestSeen is meaningful.
type Promise struct {
	Instance         InstanceID
	ProposalNumber   ProposalNumber
	AcceptedProposal ProposalNumber
	AcceptedValue    []byte
	HighestSeen      ProposalNumber
	From             string
	OK               bool
}

type Accept struct {
	Instance       InstanceID
	ProposalNumber ProposalNumber
	Value          []byte
	From           string
}

// Accepted answers an Accept. When OK is false it is a reject.
type Accepted struct {
	Instance       InstanceID
	ProposalNumber ProposalNumber
	HighestSeen    ProposalNumber
	From           string
	OK             bool
}

// Decision is the chosen outcome of an instance. Once produced it is never
// revised.
type Decision struct {
	Instance InstanceID
	Value    []byte
	Proposal ProposalNumber
}
