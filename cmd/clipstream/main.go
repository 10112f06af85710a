package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clipstream/internal/cli"
	"clipstream/internal/config"
	"clipstream/internal/logging"
	"clipstream/internal/output"
)

func main() {
	if err := run(); err != nil {
		formatter := output.NewFormatter(os.Stderr)
		formatter.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	deps := &cli.Dependencies{
		Config: cfg,
		Logger: logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format),
	}

	// The first signal stops the running command, which still finalizes its
	// file; a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	return cli.NewRootCmd(deps).ExecuteContext(ctx)
}
