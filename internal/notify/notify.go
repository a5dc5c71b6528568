// ABOUTME: Wake notifier polling loop that signals when a pending message exists
// ABOUTME: Performs no delivery itself; detects arrival, heartbeats, and orphaned anchors

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// Outcome is the terminal signal of a wait loop. Timeout and Orphaned are
// first-class outcomes, never errors: callers must be able to tell
// "nothing happened" apart from "I couldn't check".
type Outcome int

const (
	// OutcomeMessage means at least one pending message exists for the
	// agent. The caller still has to retrieve it through the inbox.
	OutcomeMessage Outcome = iota
	// OutcomeTimeout means the finite timeout elapsed with nothing found.
	OutcomeTimeout
	// OutcomeOrphaned means the liveness anchor is gone or the context was
	// cancelled; the loop terminated silently.
	OutcomeOrphaned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMessage:
		return "message"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// ErrMissingAgent indicates the watcher was configured without an agent ID.
var ErrMissingAgent = errors.New("agent id is required")

// PendingCounter answers whether messages are waiting for an agent. An
// empty network ID counts across all networks.
type PendingCounter interface {
	CountPending(ctx context.Context, networkID, agentID string) (int, error)
}

// Liveness reports whether the process that owns this wait loop is still
// alive. When it returns false the loop terminates silently, which keeps
// abandoned loops from accumulating.
type Liveness interface {
	Alive() bool
}

// AnchorPID returns a Liveness that watches an OS process: the anchor is
// considered gone once the process no longer exists or has been reparented
// to init.
func AnchorPID(pid int) Liveness {
	return anchorLiveness{pid: pid}
}

type anchorLiveness struct {
	pid int
}

func (a anchorLiveness) Alive() bool {
	proc, err := ps.FindProcess(a.pid)
	if err != nil || proc == nil {
		return false
	}
	return proc.PPid() != 1
}

// alwaysAlive is used when no anchor was supplied.
type alwaysAlive struct{}

func (alwaysAlive) Alive() bool { return true }

// Config configures a Watcher.
type Config struct {
	AgentID   string
	NetworkID string        // optional; enables heartbeats when set
	Timeout   time.Duration // 0 = wait indefinitely
	Poll      time.Duration // defaults to 2s
	Heartbeat time.Duration // defaults to 14s, strictly less than session expiry
	Liveness  Liveness      // defaults to always-alive
	Store     PendingCounter
	// HeartbeatFunc is invoked on the heartbeat interval when NetworkID is
	// set. Failures are logged and ignored; the expiry sweep simply ages
	// the session out if heartbeats keep failing.
	HeartbeatFunc func(ctx context.Context) error
	// FailureThreshold is how many consecutive poll failures are tolerated
	// before the loop surfaces a terminal error. Defaults to 3.
	FailureThreshold int
	Logger           *slog.Logger
}

// Watcher is a long-lived cancellable poll loop run on behalf of one agent.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

// NewWatcher validates the configuration and returns a Watcher.
func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.AgentID == "" {
		return nil, ErrMissingAgent
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 14 * time.Second
	}
	if cfg.Liveness == nil {
		cfg.Liveness = alwaysAlive{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify", "agent_id", cfg.AgentID)

	return &Watcher{cfg: cfg, logger: logger}, nil
}

// Wait blocks until a pending message exists for the agent, the timeout
// elapses, the anchor dies, or the context is cancelled. Only persistent
// store failures produce an error; a single failed poll is retried on the
// next interval.
func (w *Watcher) Wait(ctx context.Context) (Outcome, error) {
	var deadline time.Time
	if w.cfg.Timeout > 0 {
		deadline = time.Now().Add(w.cfg.Timeout)
	}

	lastHeartbeat := time.Now()
	failures := 0

	timer := time.NewTimer(0)
	defer timer.Stop()
	// Drain the immediate first tick so the loop polls right away
	<-timer.C

	for {
		// The anchor check runs before every poll
		if !w.cfg.Liveness.Alive() {
			w.logger.Debug("anchor gone, terminating silently")
			return OutcomeOrphaned, nil
		}

		count, err := w.cfg.Store.CountPending(ctx, w.cfg.NetworkID, w.cfg.AgentID)
		if err != nil {
			failures++
			if failures >= w.cfg.FailureThreshold {
				return 0, fmt.Errorf("checking pending messages: %w", err)
			}
			w.logger.Warn("poll failed, retrying", "error", err, "failures", failures)
		} else {
			failures = 0
			if count > 0 {
				w.logger.Debug("message available", "pending", count)
				return OutcomeMessage, nil
			}
		}

		if w.cfg.NetworkID != "" && w.cfg.HeartbeatFunc != nil && time.Since(lastHeartbeat) >= w.cfg.Heartbeat {
			if err := w.cfg.HeartbeatFunc(ctx); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
			lastHeartbeat = time.Now()
		}

		sleep := w.cfg.Poll
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return OutcomeTimeout, nil
			}
			if remaining < sleep {
				sleep = remaining
			}
		}

		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			w.logger.Debug("context cancelled, terminating silently")
			return OutcomeOrphaned, nil
		case <-timer.C:
		}
	}
}
