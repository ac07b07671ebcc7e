package node

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/senutpal/quorumkv/internal/transport"
)

// Server is a leader's pair of endpoints: acceptors connect to one, clients
// write through the other.
type Server struct {
	node      *Node
	acceptors *transport.AcceptorListener
	control   *transport.ControlServer
}

// Listen opens both leader endpoints. writeTimeout bounds each client write;
// zero leaves writes unbounded.
func (n *Node) Listen(acceptorAddr, controlAddr string, writeTimeout time.Duration) (*Server, error) {
	acceptors, err := transport.ListenAcceptors(acceptorAddr, n.members)
	if err != nil {
		return nil, err
	}
	control, err := transport.ListenControl(controlAddr, n, writeTimeout)
	if err != nil {
		acceptors.Close()
		return nil, err
	}
	return &Server{node: n, acceptors: acceptors, control: control}, nil
}

func (s *Server) AcceptorAddr() net.Addr {
	return s.acceptors.Addr()
}

func (s *Server) ControlAddr() net.Addr {
	return s.control.Addr()
}

// Serve runs both endpoints until ctx is done or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptors.Serve(ctx)
	})
	g.Go(func() error {
		return s.control.Serve(ctx)
	})
	log.Infow("leader serving", "node", s.node.id,
		"acceptors", s.acceptors.Addr().String(), "control", s.control.Addr().String())
	return g.Wait()
}

func (s *Server) Close() error {
	err := s.acceptors.Close()
	if cerr := s.control.Close(); err == nil {
		err = cerr
	}
	return err
}

// JoinLeader serves this node's acceptor to the leader at addr, redialling
// every retry until ctx is done.
func (n *Node) JoinLeader(ctx context.Context, addr string, retry time.Duration) error {
	log.Infow("joining leader", "node", n.id, "leader", addr)
	return transport.ServeAcceptor(ctx, addr, n.id, n.acceptor, retry)
}
