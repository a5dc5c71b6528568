// ABOUTME: Broker façade composing presence, delivery, and the wake notifier
// ABOUTME: Resolves the caller's identity and exposes join/leave/list/heartbeat operations

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/store"
)

// ErrUnknownNetworkOrAgent indicates the caller cannot be resolved to any
// known network context. Distinct from "recipient currently offline",
// which is never an error.
var ErrUnknownNetworkOrAgent = errors.New("session is not in any network")

// ErrStoreUnavailable indicates the persistent store could not be reached
// or queried.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrInvalidAgentID indicates an agent name containing characters outside
// [A-Za-z0-9_-].
var ErrInvalidAgentID = errors.New("invalid agent id")

// ErrAgentTaken indicates the agent name is held by a live session in the
// target network.
var ErrAgentTaken = errors.New("agent id already taken in this network")

// ErrContentTooLarge indicates a message body over the configured cap.
var ErrContentTooLarge = errors.New("message content too large")

// ErrRecipientBusy indicates the recipient already has the maximum number
// of unread messages from this sender.
var ErrRecipientBusy = errors.New("recipient has too many unread messages from you")

// ErrRateLimited indicates the per-pair send rate limit was reached.
var ErrRateLimited = errors.New("rate limit reached for this recipient")

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// RemoteAgent is an agent visible through a paired machine.
type RemoteAgent struct {
	AgentID string
	Role    string
	Peer    string
}

// Relay handles cross-machine message forwarding. Implemented by the peer
// package; a nil Relay disables peering.
type Relay interface {
	// Deliver attempts to hand a direct message to a peer hosting the
	// recipient. delivered is false when no peer knows the recipient.
	Deliver(ctx context.Context, senderID, networkID, recipientID, content string) (peer string, delivered bool, err error)
	// Broadcast fans a message out to all approved mutual peers and
	// returns the total remote recipient count. Unreachable peers are
	// skipped.
	Broadcast(ctx context.Context, senderID, networkID, content string) (int, error)
	// Agents lists the remote agents visible in a network.
	Agents(ctx context.Context, networkID string) []RemoteAgent
}

// Broker is the per-process façade over the shared store. All state lives
// in the store; a Broker only carries the resolved session identity.
type Broker struct {
	store  store.Store
	cfg    *config.Config
	sessID string
	relay  Relay
	logger *slog.Logger
}

// New creates a Broker bound to one session identity. relay may be nil.
func New(st store.Store, cfg *config.Config, sessionID string, relay Relay, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:  st,
		cfg:    cfg,
		sessID: sessionID,
		relay:  relay,
		logger: logger.With("component", "broker"),
	}
}

// SessionID returns the session identity this broker acts as.
func (b *Broker) SessionID() string {
	return b.sessID
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// expiryCutoff is the oldest last_seen still considered alive.
func (b *Broker) expiryCutoff(now time.Time) time.Time {
	return now.Add(-b.cfg.Network.AgentExpiry)
}

// identity resolves the caller's (agent, network) pair from its session.
func (b *Broker) identity(ctx context.Context) (agentID, networkID string, err error) {
	sess, err := b.store.GetSession(ctx, b.sessID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", fmt.Errorf("%w: call join first (session %s)", ErrUnknownNetworkOrAgent, b.sessID)
	}
	if err != nil {
		return "", "", storeErr(err)
	}
	return sess.AgentID, sess.NetworkID, nil
}

// AgentInfo describes one member of a network.
type AgentInfo struct {
	AgentID           string `json:"agent_id"`
	Role              string `json:"role,omitempty"`
	LastSeenSecondsAgo int   `json:"last_seen_seconds_ago"`
	IsYou             bool   `json:"is_you"`
	Peer              string `json:"peer,omitempty"`
}

// JoinResult reports a successful join and who else is already here.
type JoinResult struct {
	AgentID     string      `json:"your_id"`
	NetworkID   string      `json:"network"`
	OtherAgents []AgentInfo `json:"other_agents"`
}

// Join registers this session as agentID within networkID. Idempotent:
// re-joining refreshes last_seen instead of creating a duplicate. An
// expired holder of the same name is evicted; a live one causes
// ErrAgentTaken.
func (b *Broker) Join(ctx context.Context, networkID, agentID, role string) (*JoinResult, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, fmt.Errorf("%w: %q (letters, numbers, hyphens, underscores only)", ErrInvalidAgentID, agentID)
	}
	if networkID == "" {
		return nil, fmt.Errorf("%w: network id is required", ErrInvalidAgentID)
	}

	now := time.Now()
	sess := &store.Session{
		SessionID: b.sessID,
		AgentID:   agentID,
		NetworkID: networkID,
		Role:      role,
		JoinedAt:  now,
		LastSeen:  now,
	}

	err := b.store.UpsertSession(ctx, sess, b.expiryCutoff(now))
	if errors.Is(err, store.ErrDuplicateAgent) {
		return nil, fmt.Errorf("%w: %q in %q", ErrAgentTaken, agentID, networkID)
	}
	if err != nil {
		return nil, storeErr(err)
	}

	others, err := b.store.ListSessions(ctx, networkID, b.expiryCutoff(now))
	if err != nil {
		return nil, storeErr(err)
	}

	result := &JoinResult{
		AgentID:     agentID,
		NetworkID:   networkID,
		OtherAgents: []AgentInfo{},
	}
	for _, other := range others {
		if other.SessionID == b.sessID {
			continue
		}
		result.OtherAgents = append(result.OtherAgents, AgentInfo{
			AgentID:            other.AgentID,
			Role:               other.Role,
			LastSeenSecondsAgo: int(now.Sub(other.LastSeen).Seconds()),
		})
	}

	b.logger.Info("joined network", "network_id", networkID, "agent_id", agentID, "others", len(result.OtherAgents))
	return result, nil
}

// Heartbeat bumps the session's last_seen. Best-effort: failures are
// logged and ignored, since the expiry sweep ages the session out anyway
// if heartbeats keep failing. Heartbeating a vanished session is a no-op;
// the caller has to re-join in that case.
func (b *Broker) Heartbeat(ctx context.Context) {
	if err := b.store.TouchSession(ctx, b.sessID, time.Now()); err != nil {
		b.logger.Warn("heartbeat failed", "error", err)
	}
}

// LeaveResult reports the identity that left.
type LeaveResult struct {
	AgentID   string `json:"your_id"`
	NetworkID string `json:"network"`
}

// Leave removes the session. Idempotent: leaving twice or leaving without
// ever joining is not an error.
func (b *Broker) Leave(ctx context.Context) (*LeaveResult, error) {
	result := &LeaveResult{}
	sess, err := b.store.GetSession(ctx, b.sessID)
	if err == nil {
		result.AgentID = sess.AgentID
		result.NetworkID = sess.NetworkID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(err)
	}

	if err := b.store.DeleteSession(ctx, b.sessID); err != nil {
		return nil, storeErr(err)
	}

	if result.AgentID != "" {
		b.logger.Info("left network", "network_id", result.NetworkID, "agent_id", result.AgentID)
	}
	return result, nil
}

// ListAgents returns the network's non-expired members in alphabetical
// order, plus agents visible through paired machines. The expiry sweep
// runs first, so a stale agent never appears even without a background
// timer.
func (b *Broker) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	agentID, networkID, err := b.identity(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cutoff := b.expiryCutoff(now)
	if _, err := b.store.SweepExpired(ctx, networkID, cutoff); err != nil {
		return nil, storeErr(err)
	}

	sessions, err := b.store.ListSessions(ctx, networkID, cutoff)
	if err != nil {
		return nil, storeErr(err)
	}

	agents := make([]AgentInfo, 0, len(sessions))
	for _, sess := range sessions {
		agents = append(agents, AgentInfo{
			AgentID:            sess.AgentID,
			Role:               sess.Role,
			LastSeenSecondsAgo: int(now.Sub(sess.LastSeen).Seconds()),
			IsYou:              sess.AgentID == agentID,
		})
	}

	if b.relay != nil {
		for _, remote := range b.relay.Agents(ctx, networkID) {
			agents = append(agents, AgentInfo{
				AgentID: remote.AgentID,
				Role:    remote.Role,
				Peer:    remote.Peer,
			})
		}
	}

	b.Heartbeat(ctx)
	return agents, nil
}
