// =============================================================================
// ACCEPTOR - The Safety Guardian of Paxos
// =============================================================================
//
// Acceptors are the voters. They never start a conversation; they only answer
// Prepare and Accept. Each acceptor keeps, per consensus instance:
//
//   Promised  - highest proposal number it promised (zero = none)
//   Accepted  - highest proposal number it accepted a value for (zero = none)
//   Value     - the value accepted at Accepted
//
// THE TWO RULES
//
//   Prepare(n): promise n only if n is above every earlier promise.
//               Otherwise reject and report the promise n must beat.
//   Accept(n,v): accept if n is at least the current promise.
//               Otherwise reject.
//
// Prepare uses ">" and Accept uses ">=": an acceptor that promised n must
// still accept n, that is the whole point of the promise.
//
// Both rules are applied as one atomic step per instance: the per-instance
// mutex is held across compare, persist and update, so two competing
// proposers can never both observe the old state and both win.
//
// State is handed to the StateStore before it becomes visible or is reported.
// The in-memory store loses everything on restart; a durable StateStore is
// the extension point for crash recovery.
//
// =============================================================================
// INVARIANT
// =============================================================================
//
// Accepted <= Promised, Promised never decreases, and Value only changes
// together with a strictly greater Accepted.
//
// =============================================================================

package paxos

import (
	"sort"
	"sync"
)

// AcceptorState is one instance's record. Zero proposal numbers mean absent.
type AcceptorState struct {
	Promised ProposalNumber
	Accepted ProposalNumber
	Value    []byte
}

func (s AcceptorState) clone() AcceptorState {
	s.Value = cloneBytes(s.Value)
	return s
}

// StateStore persists acceptor records keyed by instance.
type StateStore interface {
	Load(instance InstanceID) (AcceptorState, bool, error)
	Save(instance InstanceID, state AcceptorState) error
	Delete(instance InstanceID) error
}

type instanceState struct {
	mu        sync.Mutex
	loaded    bool
	forgotten bool
	state     AcceptorState
}

type Acceptor struct {
	id    string
	store StateStore

	mu        sync.Mutex
	instances map[InstanceID]*instanceState
}

// NewAcceptor creates an acceptor. A nil store keeps state only in memory.
func NewAcceptor(id string, store StateStore) *Acceptor {
	return &Acceptor{
		id:        id,
		store:     store,
		instances: make(map[InstanceID]*instanceState),
	}
}

func (a *Acceptor) ID() string {
	return a.id
}

func (a *Acceptor) instance(id InstanceID) *instanceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[id]
	if !ok {
		inst = &instanceState{}
		a.instances[id] = inst
	}
	return inst
}

// lockInstance returns the live record for id with its mutex held. A record
// that Forget retired while we waited for it is skipped.
func (a *Acceptor) lockInstance(id InstanceID) *instanceState {
	for {
		inst := a.instance(id)
		inst.mu.Lock()
		if !inst.forgotten {
			return inst
		}
		inst.mu.Unlock()
	}
}

// load must be called with inst.mu held.
func (a *Acceptor) load(id InstanceID, inst *instanceState) error {
	if inst.loaded {
		return nil
	}
	if a.store != nil {
		state, ok, err := a.store.Load(id)
		if err != nil {
			return err
		}
		if ok {
			inst.state = state.clone()
		}
	}
	inst.loaded = true
	return nil
}

func (a *Acceptor) persist(id InstanceID, state AcceptorState) error {
	if a.store == nil {
		return nil
	}
	return a.store.Save(id, state)
}

// HandlePrepare runs phase 1b for one instance. The error is non-nil only when
// the store fails, in which case no state changed.
func (a *Acceptor) HandlePrepare(msg Prepare) (Promise, error) {
	inst := a.lockInstance(msg.Instance)
	defer inst.mu.Unlock()
	if err := a.load(msg.Instance, inst); err != nil {
		log.Errorw("load acceptor state", "acceptor", a.id, "instance", msg.Instance, "err", err)
		return Promise{}, err
	}

	reply := Promise{
		Instance:       msg.Instance,
		ProposalNumber: msg.ProposalNumber,
		From:           a.id,
	}
	promised := inst.state.Promised
	if msg.ProposalNumber.IsZero() {
		reply.HighestSeen = promised
		return reply, nil
	}

	// A repeated Prepare for the number already promised gets the same answer.
	if !promised.IsZero() && msg.ProposalNumber.Equal(promised) {
		reply.OK = true
		reply.AcceptedProposal = inst.state.Accepted
		reply.AcceptedValue = cloneBytes(inst.state.Value)
		return reply, nil
	}
	if !promised.IsZero() && !msg.ProposalNumber.GreaterThan(promised) {
		log.Debugw("reject prepare", "acceptor", a.id, "instance", msg.Instance,
			"proposal", msg.ProposalNumber, "promised", promised)
		reply.HighestSeen = promised
		return reply, nil
	}

	next := inst.state.clone()
	next.Promised = msg.ProposalNumber
	if err := a.persist(msg.Instance, next); err != nil {
		log.Errorw("persist promise", "acceptor", a.id, "instance", msg.Instance, "err", err)
		return Promise{}, err
	}
	inst.state = next

	log.Debugw("promise", "acceptor", a.id, "instance", msg.Instance,
		"proposal", msg.ProposalNumber, "accepted", next.Accepted)
	reply.OK = true
	reply.AcceptedProposal = next.Accepted
	reply.AcceptedValue = cloneBytes(next.Value)
	return reply, nil
}

// HandleAccept runs phase 2b for one instance. The error is non-nil only when
// the store fails, in which case no state changed.
func (a *Acceptor) HandleAccept(msg Accept) (Accepted, error) {
	inst := a.lockInstance(msg.Instance)
	defer inst.mu.Unlock()
	if err := a.load(msg.Instance, inst); err != nil {
		log.Errorw("load acceptor state", "acceptor", a.id, "instance", msg.Instance, "err", err)
		return Accepted{}, err
	}

	reply := Accepted{
		Instance:       msg.Instance,
		ProposalNumber: msg.ProposalNumber,
		From:           a.id,
	}
	promised := inst.state.Promised
	if msg.ProposalNumber.IsZero() || msg.ProposalNumber.LessThan(promised) {
		log.Debugw("reject accept", "acceptor", a.id, "instance", msg.Instance,
			"proposal", msg.ProposalNumber, "promised", promised)
		reply.HighestSeen = promised
		return reply, nil
	}

	// Duplicate delivery of an accept already applied.
	if msg.ProposalNumber.Equal(inst.state.Accepted) {
		reply.OK = true
		return reply, nil
	}

	next := AcceptorState{
		Promised: msg.ProposalNumber,
		Accepted: msg.ProposalNumber,
		Value:    cloneBytes(msg.Value),
	}
	if err := a.persist(msg.Instance, next); err != nil {
		log.Errorw("persist accept", "acceptor", a.id, "instance", msg.Instance, "err", err)
		return Accepted{}, err
	}
	inst.state = next

	log.Debugw("accepted", "acceptor", a.id, "instance", msg.Instance, "proposal", msg.ProposalNumber)
	reply.OK = true
	return reply, nil
}

// State returns a copy of the record for instance.
func (a *Acceptor) State(id InstanceID) (AcceptorState, error) {
	a.mu.Lock()
	inst, ok := a.instances[id]
	a.mu.Unlock()
	if !ok {
		if a.store == nil {
			return AcceptorState{}, nil
		}
		state, _, err := a.store.Load(id)
		return state.clone(), err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.forgotten {
		return AcceptorState{}, nil
	}
	if err := a.load(id, inst); err != nil {
		return AcceptorState{}, err
	}
	return inst.state.clone(), nil
}

// Forget destroys an instance's record. It waits for any Prepare or Accept
// already running on the instance; later ones start from an empty record.
func (a *Acceptor) Forget(id InstanceID) error {
	inst := a.lockInstance(id)
	defer inst.mu.Unlock()
	if a.store != nil {
		if err := a.store.Delete(id); err != nil {
			return err
		}
	}
	inst.forgotten = true
	a.mu.Lock()
	delete(a.instances, id)
	a.mu.Unlock()
	return nil
}

// Instances lists the instances this acceptor holds in memory.
func (a *Acceptor) Instances() []InstanceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]InstanceID, 0, len(a.instances))
	for id := range a.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
