package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"shroombot/internal/app"
	"shroombot/internal/config"
	"shroombot/internal/transport"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (.yaml, .yml or .json); empty uses environment only")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: load env file:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(config.NewManager(cfgPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if errors.Is(err, config.ErrMissingToken) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
		_ = a.Stop(stopCtx, app.StopFatal)
		stopCancel()
		if errors.Is(err, transport.ErrUnauthorized) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		// The supervisor context derives from ctx; only a live ctx means a fatal error.
		if ctx.Err() == nil {
			reason = app.StopFatal
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	if reason == app.StopFatal {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}
