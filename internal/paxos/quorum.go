// =============================================================================
// QUORUM - Majority Arithmetic
// =============================================================================
//
// A quorum is any strict majority of the acceptor set. Two majorities of the
// same set always share at least one acceptor, and that shared acceptor is
// what carries an accepted value from one proposal to the next.
//
//   n:         1  2  3  4  5
//   threshold: 1  2  2  3  3
//
// Responses are keyed by acceptor id. A duplicate or late response from the
// same acceptor replaces the earlier one instead of adding to the count.
//
// =============================================================================

package paxos

// Threshold is the majority size for a membership of n acceptors.
func Threshold(n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoQuorumPossible
	}
	return n/2 + 1, nil
}

// IsSatisfied reports whether the positive entries of responses reach the
// majority of n.
func IsSatisfied(responses map[string]bool, n int) bool {
	need, err := Threshold(n)
	if err != nil {
		return false
	}
	positive := 0
	for _, ok := range responses {
		if ok {
			positive++
		}
	}
	return positive >= need
}

// Tally counts one phase's responses, one vote per acceptor.
type Tally struct {
	n         int
	responses map[string]bool
}

func NewTally(n int) *Tally {
	return &Tally{n: n, responses: make(map[string]bool, n)}
}

// Record stores the latest response from acceptor id.
func (t *Tally) Record(id string, positive bool) {
	t.responses[id] = positive
}

func (t *Tally) Positives() int {
	count := 0
	for _, ok := range t.responses {
		if ok {
			count++
		}
	}
	return count
}

func (t *Tally) Negatives() int {
	return len(t.responses) - t.Positives()
}

func (t *Tally) Responded() int {
	return len(t.responses)
}

func (t *Tally) Satisfied() bool {
	return IsSatisfied(t.responses, t.n)
}
