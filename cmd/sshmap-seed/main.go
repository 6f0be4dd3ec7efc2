package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gustycube/sshmap/internal/netutil"
	"github.com/gustycube/sshmap/internal/queue"
)

func main() {
	var input string
	var addr string
	var key string
	flag.StringVar(&input, "targets", "", "target file or inline list (IPs and CIDR ranges)")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", "sshmap:queue", "redis queue key")
	flag.Parse()
	if input == "" {
		fmt.Fprintln(os.Stderr, "missing -targets")
		os.Exit(1)
	}
	targets, err := netutil.ReadTargets(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read targets:", err)
		os.Exit(1)
	}
	q, err := queue.NewRedis(addr, key, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	ctx := context.Background()
	for _, t := range targets {
		if err := q.Seed(ctx, t); err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
			os.Exit(1)
		}
	}
	fmt.Println("seeded", len(targets), "targets to", key)
}
