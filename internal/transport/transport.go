// =============================================================================
// TRANSPORT - Carrying Prepare/Accept Between Processes
// =============================================================================
//
// The consensus core only sees paxos.AcceptorClient handles. This package
// builds those handles on top of two carriers:
//
//   memory.go   - an in-process Network of buffered inboxes, with partitions,
//                 message loss and latency for tests and the demo
//   tcp.go      - acceptors dial the leader; one JSON stream per connection
//   control.go  - clients dial the leader's control endpoint to Write
//
// Every message on every carrier is an Envelope. On TCP envelopes are JSON
// objects written back to back on the stream; replies carry the Seq of the
// request they answer, so one connection can have many calls in flight.
//
// Anything that goes wrong on the way (unknown node, closed connection,
// undecodable bytes, an Error envelope) comes back to the proposer as an
// error from the handle, which it scores as a non-response.
//
// =============================================================================

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/senutpal/quorumkv/internal/paxos"
)

var log = logging.Logger("transport")

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownNode = errors.New("transport: unknown node")
	ErrRemote      = errors.New("transport: remote error")
	ErrUnexpected  = errors.New("transport: unexpected message")
	ErrWriteFailed = errors.New("transport: write failed")
)

type MessageType uint

const (
	MsgEmpty MessageType = iota
	MsgHello
	MsgPrepare
	MsgPromise
	MsgAccept
	MsgAccepted
	MsgWrite
	MsgWriteResult
	MsgError
)

func (m MessageType) String() string {
	switch m {
	case MsgEmpty:
		return "Empty"
	case MsgHello:
		return "Hello"
	case MsgPrepare:
		return "Prepare"
	case MsgPromise:
		return "Promise"
	case MsgAccept:
		return "Accept"
	case MsgAccepted:
		return "Accepted"
	case MsgWrite:
		return "Write"
	case MsgWriteResult:
		return "WriteResult"
	case MsgError:
		return "Error"
	}
	return "INVALID"
}

type Envelope struct {
	Type        MessageType          `json:"type"`
	Seq         uint64               `json:"seq,omitempty"`
	From        string               `json:"from,omitempty"`
	Instance    paxos.InstanceID     `json:"instance,omitempty"`
	Proposal    paxos.ProposalNumber `json:"proposal"`
	Accepted    paxos.ProposalNumber `json:"accepted"`
	HighestSeen paxos.ProposalNumber `json:"highestSeen"`
	OK          bool                 `json:"ok,omitempty"`
	Adopted     bool                 `json:"adopted,omitempty"`
	Key         string               `json:"key,omitempty"`
	Value       []byte               `json:"value,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Handler answers Prepare and Accept; *paxos.Acceptor is one.
type Handler interface {
	HandlePrepare(msg paxos.Prepare) (paxos.Promise, error)
	HandleAccept(msg paxos.Accept) (paxos.Accepted, error)
}

// MembershipListener receives connect and disconnect events;
// *paxos.Registry is one.
type MembershipListener interface {
	Register(c paxos.AcceptorClient)
	Unregister(c paxos.AcceptorClient)
}

func PrepareEnvelope(msg paxos.Prepare) Envelope {
	return Envelope{Type: MsgPrepare, From: msg.From, Instance: msg.Instance, Proposal: msg.ProposalNumber}
}

func (e Envelope) PrepareMsg() paxos.Prepare {
	return paxos.Prepare{Instance: e.Instance, ProposalNumber: e.Proposal, From: e.From}
}

func PromiseEnvelope(msg paxos.Promise) Envelope {
	return Envelope{
		Type:        MsgPromise,
		From:        msg.From,
		Instance:    msg.Instance,
		Proposal:    msg.ProposalNumber,
		Accepted:    msg.AcceptedProposal,
		HighestSeen: msg.HighestSeen,
		OK:          msg.OK,
		Value:       msg.AcceptedValue,
	}
}

func (e Envelope) PromiseMsg() paxos.Promise {
	return paxos.Promise{
		Instance:         e.Instance,
		ProposalNumber:   e.Proposal,
		AcceptedProposal: e.Accepted,
		AcceptedValue:    e.Value,
		HighestSeen:      e.HighestSeen,
		From:             e.From,
		OK:               e.OK,
	}
}

func AcceptEnvelope(msg paxos.Accept) Envelope {
	return Envelope{Type: MsgAccept, From: msg.From, Instance: msg.Instance, Proposal: msg.ProposalNumber, Value: msg.Value}
}

func (e Envelope) AcceptMsg() paxos.Accept {
	return paxos.Accept{Instance: e.Instance, ProposalNumber: e.Proposal, Value: e.Value, From: e.From}
}

func AcceptedEnvelope(msg paxos.Accepted) Envelope {
	return Envelope{
		Type:        MsgAccepted,
		From:        msg.From,
		Instance:    msg.Instance,
		Proposal:    msg.ProposalNumber,
		HighestSeen: msg.HighestSeen,
		OK:          msg.OK,
	}
}

func (e Envelope) AcceptedMsg() paxos.Accepted {
	return paxos.Accepted{
		Instance:       e.Instance,
		ProposalNumber: e.Proposal,
		HighestSeen:    e.HighestSeen,
		From:           e.From,
		OK:             e.OK,
	}
}

func errorEnvelope(seq uint64, from string, err error) Envelope {
	return Envelope{Type: MsgError, Seq: seq, From: from, Error: err.Error()}
}

// dispatch runs one acceptor request through h and builds the reply.
func dispatch(h Handler, self string, req Envelope) Envelope {
	var reply Envelope
	switch req.Type {
	case MsgPrepare:
		promise, err := h.HandlePrepare(req.PrepareMsg())
		if err != nil {
			return errorEnvelope(req.Seq, self, err)
		}
		reply = PromiseEnvelope(promise)
	case MsgAccept:
		accepted, err := h.HandleAccept(req.AcceptMsg())
		if err != nil {
			return errorEnvelope(req.Seq, self, err)
		}
		reply = AcceptedEnvelope(accepted)
	default:
		return errorEnvelope(req.Seq, self, fmt.Errorf("%w: %v", ErrUnexpected, req.Type))
	}
	reply.Seq = req.Seq
	return reply
}

// replyError turns an Error envelope or a wrong reply type into an error.
func replyError(reply Envelope, want MessageType) error {
	switch reply.Type {
	case want:
		return nil
	case MsgError:
		return fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}
	return fmt.Errorf("%w: got %v, want %v", ErrUnexpected, reply.Type, want)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Codec reads and writes envelopes as a JSON stream. Writes are serialised;
// a single goroutine is expected to read.
type Codec struct {
	wmu sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
	dl  writeDeadliner
}

func NewCodec(rw io.ReadWriter) *Codec {
	c := &Codec{enc: json.NewEncoder(rw), dec: json.NewDecoder(rw)}
	c.dl, _ = rw.(writeDeadliner)
	return c
}

func (c *Codec) Write(e Envelope) error {
	return c.WriteBy(time.Time{}, e)
}

// WriteBy is Write bounded by deadline on streams that support write
// deadlines. A zero deadline means none. After a timeout the stream may hold
// a partial envelope and should be closed.
func (c *Codec) WriteBy(deadline time.Time, e Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.dl != nil && !deadline.IsZero() {
		c.dl.SetWriteDeadline(deadline)
		defer c.dl.SetWriteDeadline(time.Time{})
	}
	return c.enc.Encode(e)
}

func (c *Codec) Read() (Envelope, error) {
	var e Envelope
	err := c.dec.Decode(&e)
	return e, err
}
