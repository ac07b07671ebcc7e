package paxos

import "testing"

func TestCompareOrdersRoundThenProposer(t *testing.T) {
	ordered := []ProposalNumber{
		{},
		NewProposalNumber(1, "node-a"),
		NewProposalNumber(1, "node-b"),
		NewProposalNumber(2, "node-a"),
		NewProposalNumber(3, "node-a"),
	}
	for i := range ordered {
		for j := range ordered {
			got := Compare(ordered[i], ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%s, %s) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestNextIncrementsRound(t *testing.T) {
	n := Next("p1", 0)
	if n.Round != 1 || n.ProposerID != "p1" {
		t.Fatalf("Next(p1, 0) = %s", n)
	}
	m := Next("p1", n.Round)
	if !m.GreaterThan(n) {
		t.Errorf("%s should be greater than %s", m, n)
	}
	if n.IsZero() {
		t.Error("minted proposal number reported as zero")
	}
}

func TestComparisonHelpers(t *testing.T) {
	a := NewProposalNumber(4, "x")
	b := NewProposalNumber(4, "y")
	if !a.LessThan(b) || a.GreaterThan(b) || a.Equal(b) {
		t.Errorf("helpers disagree with Compare for %s and %s", a, b)
	}
	if !a.Equal(NewProposalNumber(4, "x")) {
		t.Error("equal proposal numbers not Equal")
	}
	if !(ProposalNumber{}).IsZero() {
		t.Error("zero value not IsZero")
	}
}
