package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MangaiYashobeam/FMD/cmd"
)

func main() {
	// First signal starts the graceful drain; a second one kills the process
	// the default way.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
