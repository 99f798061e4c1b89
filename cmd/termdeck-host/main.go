// Command termdeck-host runs terminal sessions on this machine and
// serves them to TermDeck clients over HTTP and websockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/localpty"
	"github.com/termdeck/termdeck/internal/logging"
)

// hostEnv holds TERMDECK_HOST_* overrides. Flags beat env, env beats
// the built-in defaults.
type hostEnv struct {
	Addr         string `envconfig:"ADDR"`
	Shell        string `envconfig:"SHELL"`
	ReplayWindow int    `envconfig:"REPLAY_WINDOW"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
}

func main() {
	env := hostEnv{
		Addr:         "127.0.0.1:7070",
		ReplayWindow: defaultReplayWindow,
	}
	if err := envconfig.Process("termdeck_host", &env); err != nil {
		fmt.Fprintln(os.Stderr, "environment:", err)
		os.Exit(1)
	}

	addr := flag.String("addr", env.Addr, "listen address")
	shell := flag.String("shell", env.Shell, "shell to spawn (defaults to $SHELL)")
	window := flag.Int("replay-window", env.ReplayWindow, "bytes of output retained per session for resume")
	level := flag.String("log-level", env.LogLevel, "zap level name (default info)")
	flag.Parse()

	log, err := logging.New(logging.Config{Level: *level})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	tr := localpty.New(*shell, log.Named("pty"))
	srv := NewServer(Config{Addr: *addr, ReplayWindow: *window}, tr, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}
}
