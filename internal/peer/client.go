// ABOUTME: Peer client: remote agent listing with cache, message relay, and pairing flows
// ABOUTME: Unreachable peers are skipped; a locally saved pairing survives an offline remote

package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/ethanmcrae/agent-network/internal/broker"
	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/store"
)

// ErrInvalidPeerName indicates a peer name containing characters outside
// [A-Za-z0-9_-].
var ErrInvalidPeerName = errors.New("invalid peer name")

// ErrAlreadyPaired indicates the peer is already in the mutual state.
var ErrAlreadyPaired = errors.New("already paired")

// ErrPeerNotFound indicates no peer row with that name.
var ErrPeerNotFound = errors.New("peer not found")

// ErrNotPending indicates an approval attempt on a peer that is not
// awaiting one.
var ErrNotPending = errors.New("peer is not pending")

// ErrNoLocalURL indicates pairing was attempted without a reachable local
// server URL configured.
var ErrNoLocalURL = errors.New("local server URL is not configured")

var peerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const agentCacheTTL = 30 * time.Second

type cachedAgents struct {
	agents    []broker.RemoteAgent
	fetchedAt time.Time
}

// Client talks to paired machines and manages the pairing lifecycle. It
// implements broker.Relay.
type Client struct {
	store  store.Store
	cfg    *config.Config
	http   *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedAgents // keyed by peer:network
}

// NewClient creates a peer client with a short per-request timeout so a
// dead peer cannot stall a send.
func NewClient(st store.Store, cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:  st,
		cfg:    cfg,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger.With("component", "peer-client"),
		cache:  make(map[string]cachedAgents),
	}
}

// request performs one JSON round trip. A transport failure returns
// status 0 with a nil body.
func (c *Client) request(ctx context.Context, method, url, secret string, payload any) (int, map[string]any) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("failed to marshal request", "error", err)
			return 0, nil
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, decoded
}

func (c *Client) mutualPeers(ctx context.Context) []*store.Peer {
	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		c.logger.Warn("listing peers failed", "error", err)
		return nil
	}
	var mutual []*store.Peer
	for _, p := range peers {
		if p.Status == store.PeerStatusApproved && p.Direction == store.PeerDirectionMutual {
			mutual = append(mutual, p)
		}
	}
	return mutual
}

// peerAgents fetches one peer's agent list for a network, served from a
// 30 second cache. An unreachable peer yields an empty list.
func (c *Client) peerAgents(ctx context.Context, p *store.Peer, networkID string) []broker.RemoteAgent {
	key := p.Name + ":" + networkID

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Since(entry.fetchedAt) < agentCacheTTL {
		c.mu.Unlock()
		return entry.agents
	}
	c.mu.Unlock()

	status, resp := c.request(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/agents?network_id=%s", p.URL, networkID), p.SharedSecret, nil)
	if status != http.StatusOK || resp == nil {
		return nil
	}

	var agents []broker.RemoteAgent
	if raw, ok := resp["agents"].([]any); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			active, _ := m["is_active"].(bool)
			if !active {
				continue
			}
			id, _ := m["agent_id"].(string)
			role, _ := m["role"].(string)
			agents = append(agents, broker.RemoteAgent{AgentID: id, Role: role, Peer: p.Name})
		}
	}

	c.mu.Lock()
	c.cache[key] = cachedAgents{agents: agents, fetchedAt: time.Now()}
	c.mu.Unlock()
	return agents
}

// Agents lists the active agents visible through all mutual peers.
func (c *Client) Agents(ctx context.Context, networkID string) []broker.RemoteAgent {
	var all []broker.RemoteAgent
	for _, p := range c.mutualPeers(ctx) {
		all = append(all, c.peerAgents(ctx, p, networkID)...)
	}
	return all
}

// Deliver hands a direct message to the first mutual peer that currently
// hosts the recipient. delivered is false when no peer knows them.
func (c *Client) Deliver(ctx context.Context, senderID, networkID, recipientID, content string) (string, bool, error) {
	for _, p := range c.mutualPeers(ctx) {
		hosts := false
		for _, agent := range c.peerAgents(ctx, p, networkID) {
			if agent.AgentID == recipientID {
				hosts = true
				break
			}
		}
		if !hosts {
			continue
		}

		status, resp := c.request(ctx, http.MethodPost, p.URL+"/api/deliver", p.SharedSecret, deliverRequest{
			SenderID:    senderID,
			NetworkID:   networkID,
			RecipientID: recipientID,
			Content:     content,
		})
		if status == http.StatusOK {
			return p.Name, true, nil
		}
		if status != 0 {
			msg := "unknown"
			if resp != nil {
				if e, ok := resp["error"].(string); ok {
					msg = e
				}
			}
			return "", false, fmt.Errorf("peer %s rejected delivery: %s", p.Name, msg)
		}
		// Transport failure: fall through to the next peer.
		c.logger.Warn("peer unreachable during delivery", "peer", p.Name)
	}
	return "", false, nil
}

// Broadcast fans a broadcast out to every mutual peer. Unreachable or
// rejecting peers are skipped; the count of remote recipients that
// accepted is returned.
func (c *Client) Broadcast(ctx context.Context, senderID, networkID, content string) (int, error) {
	total := 0
	for _, p := range c.mutualPeers(ctx) {
		status, resp := c.request(ctx, http.MethodPost, p.URL+"/api/deliver", p.SharedSecret, deliverRequest{
			SenderID:    senderID,
			NetworkID:   networkID,
			Content:     content,
			IsBroadcast: true,
		})
		if status != http.StatusOK || resp == nil {
			c.logger.Warn("peer skipped during broadcast", "peer", p.Name, "status", status)
			continue
		}
		if n, ok := resp["delivered_count"].(float64); ok {
			total += int(n)
		}
	}
	return total, nil
}

// PairResult reports the state of a pairing operation.
type PairResult struct {
	Status  string `json:"status"`
	Peer    string `json:"peer"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// PairWith records an outbound pairing and asks the remote machine to
// confirm. The pairing is saved locally first so an offline remote can be
// retried later.
func (c *Client) PairWith(ctx context.Context, name, url, secret string) (*PairResult, error) {
	localURL := c.cfg.MachineURL()
	if localURL == "" {
		return nil, fmt.Errorf("%w: set machine.url or AGENT_NETWORK_HTTP_URL before pairing", ErrNoLocalURL)
	}
	if !peerNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q (letters, numbers, hyphens, underscores only)", ErrInvalidPeerName, name)
	}

	existing, err := c.store.GetPeer(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up peer: %w", err)
	}
	if existing != nil && existing.Direction == store.PeerDirectionMutual {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyPaired, name)
	}

	err = c.store.UpsertPeer(ctx, &store.Peer{
		Name:         name,
		URL:          url,
		SharedSecret: secret,
		Status:       store.PeerStatusPending,
		Direction:    store.PeerDirectionOutbound,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("saving peer: %w", err)
	}

	status, resp := c.request(ctx, http.MethodPost, url+"/api/pair/request", secret, pairRequestBody{
		Name:   c.cfg.MachineName(),
		URL:    localURL,
		Secret: secret,
	})

	result := &PairResult{Status: store.PeerStatusPending, Peer: name}
	switch {
	case status == 0:
		result.Warning = fmt.Sprintf("Could not reach %s. Pairing request saved locally, retry when remote is online.", url)
	case status == http.StatusOK:
		result.Message = "Pairing request sent. Waiting for remote approval."
	default:
		msg := "unknown"
		if resp != nil {
			if e, ok := resp["error"].(string); ok {
				msg = e
			}
		}
		result.Warning = fmt.Sprintf("Remote returned %d: %s", status, msg)
	}
	return result, nil
}

// Approve accepts a pending pairing request and notifies the remote side.
// When the remote is unreachable the approval is rolled back to pending.
func (c *Client) Approve(ctx context.Context, name string) (*PairResult, error) {
	p, err := c.store.GetPeer(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q, use list_peers to see pending requests", ErrPeerNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up peer: %w", err)
	}
	if p.Direction == store.PeerDirectionMutual && p.Status == store.PeerStatusApproved {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyPaired, name)
	}
	if p.Status != store.PeerStatusPending {
		return nil, fmt.Errorf("%w: %q has status %s", ErrNotPending, name, p.Status)
	}

	now := time.Now()
	if err := c.store.SetPeerStatus(ctx, name, store.PeerStatusApproved, store.PeerDirectionMutual, now); err != nil {
		return nil, fmt.Errorf("approving peer: %w", err)
	}

	status, _ := c.request(ctx, http.MethodPost, p.URL+"/api/pair/accept", p.SharedSecret, pairAcceptBody{
		Name: c.cfg.MachineName(),
	})
	if status == 0 {
		if err := c.store.SetPeerStatus(ctx, name, store.PeerStatusPending, store.PeerDirectionInbound, now); err != nil {
			c.logger.Error("failed to revert peer approval", "peer", name, "error", err)
		}
		return nil, fmt.Errorf("could not reach peer %q at %s, reverted to pending", name, p.URL)
	}

	c.logger.Info("peer approved", "peer", name, "url", p.URL)
	return &PairResult{Status: store.PeerStatusApproved, Peer: name, URL: p.URL}, nil
}

// PeerInfo is one peer row as shown to tools.
type PeerInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	LastSeen  string `json:"last_seen,omitempty"`
	CreatedAt string `json:"created_at"`
}

// List returns all configured peers in creation order.
func (c *Client) List(ctx context.Context) ([]PeerInfo, error) {
	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		info := PeerInfo{
			Name:      p.Name,
			URL:       p.URL,
			Status:    p.Status,
			Direction: p.Direction,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		}
		if p.LastSeen != nil {
			info.LastSeen = p.LastSeen.Format(time.RFC3339)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Remove deletes a peer.
func (c *Client) Remove(ctx context.Context, name string) error {
	if _, err := c.store.GetPeer(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrPeerNotFound, name)
		}
		return fmt.Errorf("looking up peer: %w", err)
	}
	if err := c.store.DeletePeer(ctx, name); err != nil {
		return fmt.Errorf("removing peer: %w", err)
	}
	c.logger.Info("peer removed", "peer", name)
	return nil
}
