package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"stagehand/internal/applog"
	"stagehand/pkg/api"
	"stagehand/pkg/dispatcher"
	"stagehand/pkg/eventlog"
	"stagehand/pkg/lock"
	"stagehand/pkg/queuestore"
	"stagehand/pkg/session"

	"github.com/spf13/cobra"
)

// newServeCmd creates the "stagehand serve" subcommand. It runs the
// dispatcher and HTTP API in the foreground until SIGTERM/SIGINT.
func newServeCmd() *cobra.Command {
	var (
		listen   string
		agent    string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and HTTP API",
		Long: `Runs the Stagehand dispatcher in the foreground: acquires the
singleton lock, recovers in-flight jobs, and serves the HTTP/WebSocket
API. Stop with Ctrl+C or "stagehand stop" from another terminal.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if agent != "" {
				cfg.AgentCommand = agent
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			return runServe(cmd.Context(), paths, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&agent, "agent", "", "agent command run inside worker sessions (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

func runServe(parent context.Context, paths *Paths, cfg FileConfig) error {
	applog.Setup(cfg.LogLevel)
	logger := applog.WithComponent("serve")

	pf := pidFile{path: paths.PIDPath}
	status, pid, err := pf.Status()
	if err != nil {
		return err
	}
	switch status {
	case daemonRunning:
		return fmt.Errorf("stagehand is already running (PID %d)", pid)
	case daemonStale:
		logger.Warn("removing stale PID file", "pid", pid)
		if err := pf.Remove(); err != nil {
			return err
		}
	}

	if err := pf.Write(os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := watchSignals(parent, pf)
	defer cleanup()

	store := queuestore.NewStore(paths.Home)

	transport := session.NewTmuxTransport(cfg.AgentCommand)
	transport.ReadyTimeout = cfg.ReadyTimeout()
	registry := session.NewRegistry(transport)

	events, err := eventlog.Open(paths.StateDBPath)
	if err != nil {
		return err
	}
	defer events.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	owner := fmt.Sprintf("%s:%d", hostname, os.Getpid())
	lk := lock.New(paths.LockPath, owner)

	disp := dispatcher.New(cfg.DispatcherConfig(), store, registry, events, lk)
	srv := api.New(api.Config{Listen: cfg.Listen}, store, disp, registry, events)
	disp.SetBroadcaster(srv.Hub())

	logger.Info("starting",
		"home", paths.Home,
		"listen", cfg.Listen,
		"pid", os.Getpid())

	// Either component failing tears down the other via cancel.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- disp.Run(runCtx)
		cancel()
	}()
	go func() {
		errCh <- srv.Start(runCtx)
		cancel()
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	logger.Info("stopped")
	return firstErr
}
