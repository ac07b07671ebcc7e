package node

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/senutpal/quorumkv/internal/transport"
)

func TestLeaderServesAcceptorsAndWrites(t *testing.T) {
	leader := New(testConfig("leader"), nil)
	srv, err := leader.Listen("127.0.0.1:0", "127.0.0.1:0", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	acceptors := make([]*Node, 3)
	joined := make([]chan error, 3)
	for i := range acceptors {
		acceptors[i] = New(testConfig(fmt.Sprintf("acc-%d", i)), nil)
		joined[i] = make(chan error, 1)
		go func(i int) {
			joined[i] <- acceptors[i].JoinLeader(ctx, srv.AcceptorAddr().String(), 10*time.Millisecond)
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for leader.Members().Len() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d acceptors joined", leader.Members().Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	addr := srv.ControlAddr().String()
	res, err := transport.Write(context.Background(), addr, "greeting", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Value) != "hello" || res.Adopted {
		t.Errorf("first write = %+v", res)
	}
	res, err = transport.Write(context.Background(), addr, "greeting", []byte("bye"))
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Value) != "hello" || !res.Adopted {
		t.Errorf("second write = %+v", res)
	}

	holders := 0
	for _, a := range acceptors {
		st, _ := a.Acceptor().State("greeting")
		if string(st.Value) == "hello" {
			holders++
		}
	}
	if holders < 2 {
		t.Errorf("%d acceptors hold the value", holders)
	}

	cancel()
	if err := <-served; err != nil {
		t.Errorf("Serve = %v", err)
	}
	for i := range joined {
		if err := <-joined[i]; err != nil {
			t.Errorf("JoinLeader %d = %v", i, err)
		}
	}
}

func TestControlWriteWithoutAcceptorsFails(t *testing.T) {
	cfg := testConfig("leader")
	cfg.ClusterSize = 3
	leader := New(cfg, nil)
	srv, err := leader.Listen("127.0.0.1:0", "127.0.0.1:0", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	_, err = transport.Write(context.Background(), srv.ControlAddr().String(), "k", []byte("v"))
	if !errors.Is(err, transport.ErrWriteFailed) {
		t.Errorf("err = %v, want ErrWriteFailed", err)
	}
}
