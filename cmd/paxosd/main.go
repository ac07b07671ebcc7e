// Command paxosd runs one member of a cluster over TCP.
//
// A leader accepts acceptor connections and client writes:
//
//	paxosd -role leader -id leader -acceptor-addr :8750 -control-addr :8751
//
// An acceptor dials the leader and keeps redialling if it goes away:
//
//	paxosd -role acceptor -id acc-1 -leader 127.0.0.1:8750
//
// A JSON file given with -config is read first; flags override it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/senutpal/quorumkv/internal/config"
	"github.com/senutpal/quorumkv/internal/node"
)

func main() {
	path := configPath(os.Args[1:])
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	fs := flag.NewFlagSet("paxosd", flag.ExitOnError)
	fs.String("config", path, "JSON configuration file")
	cfg.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(cfg.ProposerConfig(), nil)
	defer n.Close()

	if err := run(ctx, cfg, n); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, n *node.Node) error {
	switch cfg.Role {
	case config.RoleLeader:
		srv, err := n.Listen(cfg.AcceptorAddr, cfg.ControlAddr, cfg.WriteTimeout.Std())
		if err != nil {
			return err
		}
		fmt.Printf("leader %s: acceptors on %s, writes on %s\n", cfg.NodeID, srv.AcceptorAddr(), srv.ControlAddr())
		return srv.Serve(ctx)
	case config.RoleAcceptor:
		fmt.Printf("acceptor %s: joining %s\n", cfg.NodeID, cfg.LeaderAddr)
		return n.JoinLeader(ctx, cfg.LeaderAddr, cfg.ReconnectInterval.Std())
	}
	return fmt.Errorf("unknown role %q", cfg.Role)
}

// configPath finds -config before the full flag set is built, so the file's
// values become the flag defaults.
func configPath(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
