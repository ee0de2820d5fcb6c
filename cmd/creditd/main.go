package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/AgentHive-Network/credit_layer/internal/app"
)

func main() {
	// Best effort; production deployments set real environment variables.
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := app.NewRuntime()
	if err != nil {
		return err
	}

	if err := runtime.Run(ctx); err != nil {
		_ = runtime.Shutdown(context.Background())
		return err
	}

	return runtime.Shutdown(context.Background())
}
