package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Run is the process entrypoint used by cmd/elaw.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return NewRootCommand(os.Stdout).ExecuteContext(ctx)
}
