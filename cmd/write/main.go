// Command write sends one write to a leader's control endpoint and prints
// the value the key holds afterwards.
//
//	write -addr 127.0.0.1:8751 color red
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/senutpal/quorumkv/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8751", "leader control address")
	timeout := flag.Duration("timeout", 10*time.Second, "give up after")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] key value\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := transport.Write(ctx, *addr, flag.Arg(0), []byte(flag.Arg(1)))
	if err != nil {
		log.Fatalf("write failed: %v", err)
	}
	if res.Adopted {
		fmt.Printf("%s = %s (already chosen by %s)\n", res.Key, res.Value, res.Proposal)
		return
	}
	fmt.Printf("%s = %s (%s)\n", res.Key, res.Value, res.Proposal)
}
