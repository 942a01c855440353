package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/menta2k/detr-detect/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(os.Stdout, nil).RunContext(ctx, os.Args); err != nil {
		stop()
		os.Exit(1)
	}
}
