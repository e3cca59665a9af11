// Command learnlog is an offline-capable client for the learnlog backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{out: os.Stdout, errOut: os.Stderr, getenv: os.Getenv}
	if err := newRootCmd(c).ExecuteContext(ctx); err != nil {
		c.fail(err)
		stop()
		os.Exit(1)
	}
}
