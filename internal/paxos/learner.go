// =============================================================================
// LEARNER - Remembers What Was Chosen
// =============================================================================
//
// The proposer tells the learner about every decision it reaches. The learner
// keeps one decision per instance and answers reads and waiters from it.
//
// A decision is append-only. Learning a different value for an instance that
// already has one means safety was violated somewhere; it is logged as an
// error and the first decision is kept.
//
// =============================================================================

package paxos

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

type Learner struct {
	id string

	mu      sync.Mutex
	chosen  map[InstanceID]Decision
	waiters map[InstanceID][]chan Decision
}

func NewLearner(id string) *Learner {
	return &Learner{
		id:      id,
		chosen:  make(map[InstanceID]Decision),
		waiters: make(map[InstanceID][]chan Decision),
	}
}

// Learn records d. Learning the same value again is a no-op.
func (l *Learner) Learn(d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.chosen[d.Instance]; ok {
		if bytes.Equal(prev.Value, d.Value) {
			return nil
		}
		log.Errorw("conflicting decision", "learner", l.id, "instance", d.Instance,
			"chosen", prev.Proposal, "conflict", d.Proposal)
		return fmt.Errorf("%w: instance %s", ErrConflictingDecision, d.Instance)
	}
	d.Value = cloneBytes(d.Value)
	l.chosen[d.Instance] = d
	for _, ch := range l.waiters[d.Instance] {
		ch <- d
	}
	delete(l.waiters, d.Instance)
	return nil
}

func (l *Learner) Chosen(instance InstanceID) (Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.chosen[instance]
	if ok {
		d.Value = cloneBytes(d.Value)
	}
	return d, ok
}

// Wait blocks until instance is decided or ctx is done.
func (l *Learner) Wait(ctx context.Context, instance InstanceID) (Decision, error) {
	l.mu.Lock()
	if d, ok := l.chosen[instance]; ok {
		l.mu.Unlock()
		d.Value = cloneBytes(d.Value)
		return d, nil
	}
	ch := make(chan Decision, 1)
	l.waiters[instance] = append(l.waiters[instance], ch)
	l.mu.Unlock()

	select {
	case d := <-ch:
		d.Value = cloneBytes(d.Value)
		return d, nil
	case <-ctx.Done():
		l.mu.Lock()
		l.dropWaiter(instance, ch)
		l.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

func (l *Learner) dropWaiter(instance InstanceID, ch chan Decision) {
	waiters := l.waiters[instance]
	for i, w := range waiters {
		if w == ch {
			l.waiters[instance] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(l.waiters[instance]) == 0 {
		delete(l.waiters, instance)
	}
}
