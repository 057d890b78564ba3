// Command agentq runs the agent task orchestrator daemon and talks to it
// over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentq:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps daemon-side client errors to 2 so scripts can tell a
// rejected request from a transport failure.
func exitCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status < 500 {
		return 2
	}
	return 1
}
