package paxos

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLearnerKeepsFirstDecision(t *testing.T) {
	l := NewLearner("n0")
	d := Decision{Instance: "k", Value: []byte("x"), Proposal: NewProposalNumber(1, "p")}
	if err := l.Learn(d); err != nil {
		t.Fatal(err)
	}
	if err := l.Learn(Decision{Instance: "k", Value: []byte("x"), Proposal: NewProposalNumber(2, "q")}); err != nil {
		t.Errorf("relearning the same value failed: %v", err)
	}
	err := l.Learn(Decision{Instance: "k", Value: []byte("y"), Proposal: NewProposalNumber(3, "q")})
	if !errors.Is(err, ErrConflictingDecision) {
		t.Errorf("conflicting decision err = %v", err)
	}
	got, ok := l.Chosen("k")
	if !ok || string(got.Value) != "x" || !got.Proposal.Equal(d.Proposal) {
		t.Errorf("Chosen = %+v, %v", got, ok)
	}
}

func TestLearnerWait(t *testing.T) {
	l := NewLearner("n0")
	done := make(chan Decision, 1)
	go func() {
		d, err := l.Wait(context.Background(), "k")
		if err == nil {
			done <- d
		}
	}()
	time.Sleep(10 * time.Millisecond)
	l.Learn(Decision{Instance: "k", Value: []byte("v")})

	select {
	case d := <-done:
		if string(d.Value) != "v" {
			t.Errorf("waiter got %q", d.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestLearnerWaitCancelled(t *testing.T) {
	l := NewLearner("n0")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) != 0 {
		t.Errorf("cancelled waiter left behind: %v", l.waiters)
	}
}
