// Command rackctl manages the rackcore infrastructure inventory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rackcore/internal/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := commands.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
