// ABOUTME: Store interface and data types for agent-network persistence
// ABOUTME: Defines Session, Message, Peer structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when an agent ID is already held by a live
// session in the same network
var ErrDuplicateAgent = errors.New("agent id already taken")

// Message status constants
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// Peer status constants
const (
	PeerStatusPending  = "pending"
	PeerStatusApproved = "approved"
	PeerStatusRejected = "rejected"
)

// Peer direction constants
const (
	PeerDirectionOutbound = "outbound"
	PeerDirectionInbound  = "inbound"
	PeerDirectionMutual   = "mutual"
)

// Session represents one agent's membership in one network.
// At most one row exists per (agent_id, network_id) pair.
type Session struct {
	SessionID string
	AgentID   string
	NetworkID string
	Role      string
	JoinedAt  time.Time
	LastSeen  time.Time
}

// Message is one unit of communication between agents. A broadcast is
// stored as one independent row per recipient.
type Message struct {
	ID          int64
	NetworkID   string
	SenderID    string
	RecipientID string
	Content     string
	Broadcast   bool
	Status      string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Peer represents a remote machine paired for cross-machine messaging
type Peer struct {
	Name         string
	URL          string
	SharedSecret string
	Status       string
	Direction    string
	CreatedAt    time.Time
	LastSeen     *time.Time
}

// NetworkSummary aggregates per-network activity for the chat viewer
type NetworkSummary struct {
	NetworkID  string
	Agents     []string
	AgentCount int
	LastActive time.Time
}

// Store defines the interface for session, message and peer persistence.
// Expiry is expressed by callers as a cutoff time: a session counts as
// active when last_seen >= activeSince.
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, sess *Session, activeSince time.Time) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, networkID string, activeSince time.Time) ([]*Session, error)
	SweepExpired(ctx context.Context, networkID string, before time.Time) (int64, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) (int64, error)
	InsertBroadcast(ctx context.Context, networkID, senderID, content string, recipients []string, now time.Time) (int, error)
	ClaimPending(ctx context.Context, networkID, agentID string, limit int, now time.Time) ([]*Message, error)
	CountPending(ctx context.Context, networkID, agentID string) (int, error)
	CountPendingFrom(ctx context.Context, senderID, recipientID string) (int, error)
	CountRecentFrom(ctx context.Context, senderID, recipientID string, since time.Time) (int, error)
	ListHistory(ctx context.Context, networkID string, since time.Time, agentFilter string) ([]*Message, error)
	ListNetworks(ctx context.Context) ([]*NetworkSummary, error)
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)

	// Peers
	UpsertPeer(ctx context.Context, peer *Peer) error
	GetPeer(ctx context.Context, name string) (*Peer, error)
	GetPeerBySecret(ctx context.Context, secret string) (*Peer, error)
	ListPeers(ctx context.Context) ([]*Peer, error)
	SetPeerStatus(ctx context.Context, name, status, direction string, now time.Time) error
	DeletePeer(ctx context.Context, name string) error

	// Close releases any resources held by the store
	Close() error
}
