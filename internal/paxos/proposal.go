// =============================================================================
// PROPOSAL NUMBERS - The Foundation of Paxos Ordering
// =============================================================================
//
// A proposal number totally orders every attempt any proposer makes. It is a
// pair (Round, ProposerID): rounds are compared first, and the proposer id
// breaks ties between proposers that happen to pick the same round.
//
// Example ordering (ascending):
//    (1, "node-a") < (1, "node-b") < (2, "node-a") < (3, "node-a")
//
// The zero value means "no proposal". Next never mints round 0, so a zero
// ProposalNumber is below every real one.
//
// =============================================================================
// INVARIANT
// =============================================================================
//
// A proposer never reuses a round. Uniqueness across proposers comes from
// ProposerID, so two proposers can never mint the same number.
//
// =============================================================================

package paxos

import (
	"fmt"
	"strings"
)

type ProposalNumber struct {
	Round      uint64 `json:"round"`
	ProposerID string `json:"proposer"`
}

func NewProposalNumber(round uint64, proposerID string) ProposalNumber {
	return ProposalNumber{Round: round, ProposerID: proposerID}
}

// Next returns the proposal number that follows lastRound for proposerID.
func Next(proposerID string, lastRound uint64) ProposalNumber {
	return ProposalNumber{Round: lastRound + 1, ProposerID: proposerID}
}

// Compare returns -1, 0 or +1 as a is below, equal to or above b.
func Compare(a, b ProposalNumber) int {
	switch {
	case a.Round < b.Round:
		return -1
	case a.Round > b.Round:
		return 1
	}
	return strings.Compare(a.ProposerID, b.ProposerID)
}

func (p ProposalNumber) LessThan(other ProposalNumber) bool {
	return Compare(p, other) < 0
}

func (p ProposalNumber) GreaterThan(other ProposalNumber) bool {
	return Compare(p, other) > 0
}

func (p ProposalNumber) Equal(other ProposalNumber) bool {
	return p == other
}

func (p ProposalNumber) IsZero() bool {
	return p == ProposalNumber{}
}

func (p ProposalNumber) String() string {
	if p.IsZero() {
		return "(none)"
	}
	return fmt.Sprintf("(round=%d, proposer=%s)", p.Round, p.ProposerID)
}
