package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/yuhaousa/voice2learn/internal/dotenv"
	"github.com/yuhaousa/voice2learn/pkg/tutor/config"
)

type cliDeps struct {
	loadConfig   func() (config.Config, error)
	openBackend  func(context.Context, config.Config, *slog.Logger) (backend, error)
	openDevices  func(config.Config, *slog.Logger) (devices, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	stdin        io.Reader
}

func defaultCLIDeps() cliDeps {
	return cliDeps{
		loadConfig:  config.LoadFromEnv,
		openBackend: openBackend,
		openDevices: openDevices,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		stdin:      os.Stdin,
	}
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps cliDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "voice2learn: %v\n", err)
		return 1
	}

	cmd := newRootCmd(&cli{deps: deps, stdout: stdout, stderr: stderr})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voice2learn: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultCLIDeps()))
}
