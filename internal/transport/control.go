package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/senutpal/quorumkv/internal/paxos"
)

// WriteResult is what a client learns about its write: the value now bound
// to Key, and whether that value came from an earlier proposal instead of
// the client's own.
type WriteResult struct {
	Key      string
	Value    []byte
	Adopted  bool
	Proposal paxos.ProposalNumber
}

// Writer is the leader-side operation behind the control endpoint.
type Writer interface {
	Write(ctx context.Context, key string, value []byte) (WriteResult, error)
}

// ControlServer accepts client connections and turns each Write envelope
// into a call on its Writer.
type ControlServer struct {
	ln      net.Listener
	writer  Writer
	timeout time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenControl opens the control endpoint. A positive timeout bounds each
// Write; zero leaves it to the client's connection lifetime.
func ListenControl(addr string, w Writer, timeout time.Duration) (*ControlServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &ControlServer{
		ln:      ln,
		writer:  w,
		timeout: timeout,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func (s *ControlServer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *ControlServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	log.Infow("serving control requests", "addr", s.ln.Addr().String())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				cancel()
				s.wg.Wait()
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *ControlServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ControlServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *ControlServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *ControlServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}

func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	codec := NewCodec(conn)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		req, err := codec.Read()
		if err != nil {
			return
		}
		wg.Add(1)
		go func(req Envelope) {
			defer wg.Done()
			if err := codec.Write(s.handle(ctx, req)); err != nil {
				log.Debugw("write reply not sent", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}(req)
	}
}

func (s *ControlServer) handle(ctx context.Context, req Envelope) Envelope {
	if req.Type != MsgWrite {
		return errorEnvelope(req.Seq, "", fmt.Errorf("%w: %v", ErrUnexpected, req.Type))
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.writer.Write(ctx, req.Key, req.Value)
	if err != nil {
		log.Warnw("write failed", "key", req.Key, "err", err)
		return errorEnvelope(req.Seq, "", err)
	}
	return Envelope{
		Type:     MsgWriteResult,
		Seq:      req.Seq,
		Key:      res.Key,
		Value:    res.Value,
		Adopted:  res.Adopted,
		Proposal: res.Proposal,
	}
}

// WriteClient issues writes over one control connection. It is safe for
// concurrent use.
type WriteClient struct {
	conn  net.Conn
	codec *Codec
	done  chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan Envelope
	err     error
}

func DialControl(ctx context.Context, addr string) (*WriteClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &WriteClient{
		conn:    conn,
		codec:   NewCodec(conn),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Envelope),
	}
	go c.readLoop()
	return c, nil
}

func (c *WriteClient) readLoop() {
	for {
		env, err := c.codec.Read()
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.Seq]
		delete(c.pending, env.Seq)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *WriteClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

// Write asks the leader to bind value to key and returns the value that
// key ends up holding.
func (c *WriteClient) Write(ctx context.Context, key string, value []byte) (WriteResult, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return WriteResult{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.seq++
	seq := c.seq
	ch := make(chan Envelope, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.codec.Write(Envelope{Type: MsgWrite, Seq: seq, Key: key, Value: value}); err != nil {
		return WriteResult{}, err
	}
	select {
	case reply := <-ch:
		switch reply.Type {
		case MsgWriteResult:
			return WriteResult{Key: reply.Key, Value: reply.Value, Adopted: reply.Adopted, Proposal: reply.Proposal}, nil
		case MsgError:
			return WriteResult{}, fmt.Errorf("%w: %s", ErrWriteFailed, reply.Error)
		}
		return WriteResult{}, fmt.Errorf("%w: got %v, want %v", ErrUnexpected, reply.Type, MsgWriteResult)
	case <-c.done:
		return WriteResult{}, fmt.Errorf("%w: %v", ErrClosed, c.err)
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

func (c *WriteClient) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

// Write dials addr, performs one write and hangs up.
func Write(ctx context.Context, addr, key string, value []byte) (WriteResult, error) {
	c, err := DialControl(ctx, addr)
	if err != nil {
		return WriteResult{}, err
	}
	defer c.Close()
	return c.Write(ctx, key, value)
}
