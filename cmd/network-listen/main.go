// ABOUTME: Background listener that blocks until a message arrives for an agent
// ABOUTME: Prints MESSAGE_AVAILABLE or LISTENER_TIMEOUT; dies silently when orphaned

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/identity"
	"github.com/ethanmcrae/agent-network/internal/notify"
	"github.com/ethanmcrae/agent-network/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() error {
	return errors.New("usage: network-listen AGENT [NETWORK] [TIMEOUT_SECONDS]")
}

func run() error {
	args := os.Args[1:]
	if len(args) < 1 || len(args) > 3 {
		return usage()
	}
	agentID := args[0]
	networkID := ""
	if len(args) >= 2 {
		networkID = args[1]
	}

	// 0 means wait forever; the spawner respawns us after each exit.
	var timeout time.Duration
	if len(args) == 3 {
		secs, err := strconv.Atoi(args[2])
		if err != nil || secs < 0 {
			return fmt.Errorf("invalid timeout %q", args[2])
		}
		timeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The listener must never chatter on stdout besides its sentinel
	// lines, so logs go to stderr at warn and above.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// Keep the agent's session alive during long listens when we can
	// tell which session spawned us.
	var heartbeat func(context.Context) error
	if sessionID, err := identity.Resolve(config.SessionStateDir()); err == nil {
		heartbeat = func(ctx context.Context) error {
			return st.TouchSession(ctx, sessionID, time.Now())
		}
	}

	watcher, err := notify.NewWatcher(notify.Config{
		AgentID:       agentID,
		NetworkID:     networkID,
		Timeout:       timeout,
		Poll:          cfg.Network.PollInterval,
		Heartbeat:     cfg.Network.HeartbeatInterval,
		Liveness:      notify.AnchorPID(os.Getppid()),
		Store:         st,
		HeartbeatFunc: heartbeat,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	outcome, err := watcher.Wait(ctx)
	if err != nil {
		return err
	}

	switch outcome {
	case notify.OutcomeMessage:
		fmt.Println("MESSAGE_AVAILABLE")
	case notify.OutcomeTimeout:
		fmt.Println("LISTENER_TIMEOUT")
	case notify.OutcomeOrphaned:
		// The spawner is gone; nobody is reading stdout.
	}
	return nil
}
