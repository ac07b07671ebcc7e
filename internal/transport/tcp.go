package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/senutpal/quorumkv/internal/paxos"
)

const helloTimeout = 5 * time.Second

// AcceptorListener is the leader's acceptor endpoint. Every accepted
// connection that introduces itself with a Hello becomes a registered
// AcceptorClient until the connection drops.
type AcceptorListener struct {
	ln      net.Listener
	members MembershipListener

	mu     sync.Mutex
	remote map[*remoteAcceptor]struct{}
	closed bool
	wg     sync.WaitGroup
}

func ListenAcceptors(addr string, members MembershipListener) (*AcceptorListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &AcceptorListener{
		ln:      ln,
		members: members,
		remote:  make(map[*remoteAcceptor]struct{}),
	}, nil
}

func (l *AcceptorListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts acceptor connections until ctx is done or the listener is
// closed.
func (l *AcceptorListener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	log.Infow("serving acceptors", "addr", l.ln.Addr().String())
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || l.isClosed() {
				l.wg.Wait()
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

func (l *AcceptorListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting and drops every acceptor connection.
func (l *AcceptorListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	remote := make([]*remoteAcceptor, 0, len(l.remote))
	for r := range l.remote {
		remote = append(remote, r)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, r := range remote {
		r.close(ErrClosed)
	}
	return err
}

func (l *AcceptorListener) handleConn(conn net.Conn) {
	codec := NewCodec(conn)
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := codec.Read()
	if err != nil || hello.Type != MsgHello || hello.From == "" {
		log.Warnw("dropping connection without hello", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	r := newRemoteAcceptor(hello.From, conn, codec)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.remote[r] = struct{}{}
	l.mu.Unlock()

	l.members.Register(r)
	err = r.readLoop()
	l.members.Unregister(r)
	r.close(err)

	l.mu.Lock()
	delete(l.remote, r)
	l.mu.Unlock()
	log.Infow("acceptor connection closed", "acceptor", r.id, "remote", conn.RemoteAddr().String(), "err", err)
}

// remoteAcceptor is the leader's handle on one connected acceptor. Calls are
// multiplexed on the connection by Seq.
type remoteAcceptor struct {
	id    string
	conn  net.Conn
	codec *Codec
	done  chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan Envelope
	err     error
}

func newRemoteAcceptor(id string, conn net.Conn, codec *Codec) *remoteAcceptor {
	return &remoteAcceptor{
		id:      id,
		conn:    conn,
		codec:   codec,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Envelope),
	}
}

func (r *remoteAcceptor) ID() string {
	return r.id
}

func (r *remoteAcceptor) Prepare(ctx context.Context, msg paxos.Prepare) (paxos.Promise, error) {
	reply, err := r.call(ctx, PrepareEnvelope(msg), MsgPromise)
	if err != nil {
		return paxos.Promise{}, err
	}
	return reply.PromiseMsg(), nil
}

func (r *remoteAcceptor) Accept(ctx context.Context, msg paxos.Accept) (paxos.Accepted, error) {
	reply, err := r.call(ctx, AcceptEnvelope(msg), MsgAccepted)
	if err != nil {
		return paxos.Accepted{}, err
	}
	return reply.AcceptedMsg(), nil
}

func (r *remoteAcceptor) call(ctx context.Context, env Envelope, want MessageType) (Envelope, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return Envelope{}, err
	}
	r.seq++
	env.Seq = r.seq
	ch := make(chan Envelope, 1)
	r.pending[env.Seq] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, env.Seq)
		r.mu.Unlock()
	}()

	deadline, _ := ctx.Deadline()
	if err := r.codec.WriteBy(deadline, env); err != nil {
		// A timed-out write can leave half an envelope on the stream.
		r.close(err)
		return Envelope{}, err
	}
	select {
	case reply := <-ch:
		if err := replyError(reply, want); err != nil {
			return Envelope{}, err
		}
		return reply, nil
	case <-r.done:
		return Envelope{}, fmt.Errorf("%w: acceptor %s", ErrClosed, r.id)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (r *remoteAcceptor) readLoop() error {
	for {
		env, err := r.codec.Read()
		if err != nil {
			return err
		}
		r.mu.Lock()
		ch, ok := r.pending[env.Seq]
		delete(r.pending, env.Seq)
		r.mu.Unlock()
		if !ok {
			log.Debugw("late reply dropped", "acceptor", r.id, "seq", env.Seq, "type", env.Type)
			continue
		}
		ch <- env
	}
}

func (r *remoteAcceptor) close(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if cause == nil {
		cause = ErrClosed
	}
	r.err = cause
	close(r.done)
	r.conn.Close()
}

// DialLeader connects an acceptor to the leader at addr and answers its
// requests with h until the connection drops or ctx is done. It returns nil
// only when ctx ended the session.
func DialLeader(ctx context.Context, addr, id string, h Handler) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	codec := NewCodec(conn)
	if err := codec.Write(Envelope{Type: MsgHello, From: id}); err != nil {
		return err
	}
	log.Infow("connected to leader", "acceptor", id, "leader", addr)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		req, err := codec.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func(req Envelope) {
			defer wg.Done()
			if err := codec.Write(dispatch(h, id, req)); err != nil {
				log.Debugw("reply not sent", "acceptor", id, "seq", req.Seq, "err", err)
			}
		}(req)
	}
}

// ServeAcceptor keeps an acceptor connected to the leader, redialling after
// retry whenever the session ends, until ctx is done.
func ServeAcceptor(ctx context.Context, addr, id string, h Handler, retry time.Duration) error {
	for {
		err := DialLeader(ctx, addr, id, h)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnw("leader session ended", "acceptor", id, "leader", addr, "err", err)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
