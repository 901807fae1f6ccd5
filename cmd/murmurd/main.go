package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"murmur/internal/config"
	"murmur/internal/daemon"
	"murmur/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("murmurd: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(os.Getenv("MURMUR_CONFIG"))
	if err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("murmurd shutting down")
	d.Stop()
	return nil
}
